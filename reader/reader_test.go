package reader

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scxml "github.com/agentflare-ai/scxml-go"
)

func TestParseBasicDocument(t *testing.T) {
	doc, err := ParseString(`
<scxml name="Traffic" datamodel="expression" initial="red">
  <datamodel><data id="cycles" expr="0"/></datamodel>
  <state id="red">
    <onentry><log label="lamp" expr="'red'"/></onentry>
    <transition event="tick" target="green"/>
  </state>
  <state id="green">
    <transition event="tick" target="red"/>
  </state>
</scxml>`)
	require.NoError(t, err)

	assert.Equal(t, "Traffic", doc.Name)
	assert.Equal(t, "expression", doc.DataModelName)
	assert.Equal(t, scxml.BindingEarly, doc.Binding)

	root := doc.Root()
	require.NotNil(t, root.Initial)
	red, ok := doc.StateByID("red")
	require.True(t, ok)
	assert.Equal(t, []int{red.Index}, root.Initial.Targets)
	assert.Equal(t, scxml.StateAtomic, red.Kind)
	assert.Len(t, red.OnEntry, 1)
	require.Len(t, red.Transitions, 1)
	tr := red.Transitions[0]
	assert.Equal(t, []string{"tick"}, tr.Descriptors)
	require.NotNil(t, tr.Matcher)
	assert.True(t, tr.Matcher.Match("tick"))

	// Root-level data lands on the root pseudo-state.
	require.Len(t, root.Data, 1)
	assert.Equal(t, "cycles", root.Data[0].ID)
}

func TestParseStateKinds(t *testing.T) {
	doc, err := ParseString(`
<scxml name="Kinds" initial="c">
  <state id="c" initial="leaf">
    <history id="h" type="deep"><transition target="leaf"/></history>
    <state id="leaf"/>
  </state>
  <parallel id="p">
    <state id="r1"><state id="r1a"/></state>
    <state id="r2"><state id="r2a"/></state>
  </parallel>
  <final id="end"/>
</scxml>`)
	require.NoError(t, err)

	kinds := map[string]scxml.StateKind{
		"c":    scxml.StateCompound,
		"h":    scxml.StateHistoryDeep,
		"leaf": scxml.StateAtomic,
		"p":    scxml.StateParallel,
		"r1":   scxml.StateCompound,
		"end":  scxml.StateFinal,
	}
	for id, want := range kinds {
		st, ok := doc.StateByID(id)
		require.True(t, ok, id)
		assert.Equal(t, want, st.Kind, id)
	}

	// Document order follows the source.
	c, _ := doc.StateByID("c")
	p, _ := doc.StateByID("p")
	assert.Less(t, c.Index, p.Index)
}

func TestParseInitialElement(t *testing.T) {
	doc, err := ParseString(`
<scxml name="Init">
  <state id="c">
    <initial>
      <transition target="c2"><log expr="'default entry'"/></transition>
    </initial>
    <state id="c1"/>
    <state id="c2"/>
  </state>
</scxml>`)
	require.NoError(t, err)

	c, _ := doc.StateByID("c")
	c2, _ := doc.StateByID("c2")
	require.NotNil(t, c.Initial)
	assert.Equal(t, []int{c2.Index}, c.Initial.Targets)
	assert.Len(t, c.Initial.Actions, 1)

	// Without any initial, the first child is the default.
	root := doc.Root()
	require.NotNil(t, root.Initial)
	assert.Equal(t, []int{c.Index}, root.Initial.Targets)
}

func TestParseExecutableContent(t *testing.T) {
	doc, err := ParseString(`
<scxml name="Exec" initial="s">
  <state id="s">
    <onentry>
      <raise event="boot"/>
      <send event="ping" target="#_parent" delay="1s" id="p1">
        <param name="n" expr="1"/>
      </send>
      <cancel sendid="p1"/>
      <assign location="x" expr="1"/>
      <if cond="x == 1">
        <log expr="'one'"/>
      <elseif cond="x == 2"/>
        <log expr="'two'"/>
      <else/>
        <log expr="'many'"/>
      </if>
      <foreach array="items" item="it" index="i">
        <log expr="it"/>
      </foreach>
      <script>x = x + 1</script>
    </onentry>
  </state>
</scxml>`)
	require.NoError(t, err)

	s, _ := doc.StateByID("s")
	require.Len(t, s.OnEntry, 1)
	block := s.OnEntry[0]
	require.Len(t, block, 7)

	assert.Equal(t, "boot", block[0].(*scxml.Raise).Event)

	send := block[1].(*scxml.Send)
	assert.Equal(t, "ping", send.Event)
	assert.Equal(t, "#_parent", send.Target)
	assert.Equal(t, "1s", send.Delay)
	assert.Equal(t, "p1", send.SendID)
	require.Len(t, send.Params, 1)
	assert.Equal(t, "n", send.Params[0].Name)

	assert.Equal(t, "p1", block[2].(*scxml.Cancel).SendID)
	assert.Equal(t, "x", block[3].(*scxml.Assign).Location)

	ifNode := block[4].(*scxml.If)
	require.Len(t, ifNode.Branches, 2)
	assert.Equal(t, "x == 1", ifNode.Branches[0].Cond)
	assert.Equal(t, "x == 2", ifNode.Branches[1].Cond)
	assert.Len(t, ifNode.Branches[0].Body, 1)
	assert.Len(t, ifNode.Else, 1)

	fe := block[5].(*scxml.Foreach)
	assert.Equal(t, "items", fe.Array)
	assert.Equal(t, "it", fe.Item)
	assert.Equal(t, "i", fe.Index)
	assert.Len(t, fe.Body, 1)

	assert.Equal(t, "x = x + 1", block[6].(*scxml.ScriptAction).Content)
}

func TestParseInvokeInlineContent(t *testing.T) {
	doc, err := ParseString(`
<scxml name="Outer" initial="s">
  <state id="s">
    <invoke id="kid" autoforward="true">
      <param name="seed" expr="1"/>
      <content>
        <scxml name="Inner" initial="i0">
          <final id="i0"/>
        </scxml>
      </content>
      <finalize><log expr="'bye'"/></finalize>
    </invoke>
  </state>
</scxml>`)
	require.NoError(t, err)

	s, _ := doc.StateByID("s")
	require.Len(t, s.Invokes, 1)
	inv := s.Invokes[0]
	assert.Equal(t, "kid", inv.ID)
	assert.True(t, inv.AutoForward)
	require.NotNil(t, inv.Content)
	require.NotNil(t, inv.Content.Document)
	assert.Equal(t, "Inner", inv.Content.Document.Name)
	assert.Len(t, inv.Finalize, 1)
}

func TestParseDiagnostics(t *testing.T) {
	cases := []struct {
		name string
		xml  string
		code string
	}{
		{"wrong root", `<statemachine/>`, "E001"},
		{"duplicate id", `<scxml><state id="a"/><state id="a"/></scxml>`, "E003"},
		{"unknown target", `<scxml><state id="a"><transition event="e" target="ghost"/></state></scxml>`, "E012"},
		{"empty transition", `<scxml><state id="a"><transition/></state></scxml>`, "E005"},
		{"history without default", `<scxml><state id="c"><history id="h"/><state id="x"/></state></scxml>`, "E015"},
		{"initial not descendant", `<scxml><state id="a" initial="b"/><state id="b"/></scxml>`, "E011"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseString(tc.xml)
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			found := false
			for _, d := range pe.Diagnostics {
				if d.Code == tc.code {
					found = true
				}
			}
			assert.True(t, found, "expected %s in %v", tc.code, pe.Diagnostics)
		})
	}
}

func TestParseReaderAndBinding(t *testing.T) {
	doc, err := ParseReader(strings.NewReader(`<scxml name="B" binding="late"><state id="a"/></scxml>`))
	require.NoError(t, err)
	assert.Equal(t, scxml.BindingLate, doc.Binding)
}
