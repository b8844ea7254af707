package scxml_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scxml "github.com/agentflare-ai/scxml-go"
	"github.com/agentflare-ai/scxml-go/exprmodel"
	"github.com/agentflare-ai/scxml-go/reader"
)

func init() {
	exprmodel.Register()
}

// recorder collects events and log lines from a session under test.
type recorder struct {
	mu     sync.Mutex
	events []string
	logs   []string
}

func (r *recorder) monitor(ev *scxml.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Name)
}

func (r *recorder) logHook(label, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if label != "" {
		r.logs = append(r.logs, label+": "+message)
	} else {
		r.logs = append(r.logs, message)
	}
}

func (r *recorder) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) logLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

func (r *recorder) sawEvent(name string) bool {
	for _, n := range r.eventNames() {
		if n == name {
			return true
		}
	}
	return false
}

func startDoc(t *testing.T, xml string, opts ...scxml.Option) *scxml.Session {
	t.Helper()
	doc, err := reader.ParseString(xml)
	require.NoError(t, err)
	session, err := scxml.Start(context.Background(), doc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Stop(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = session.Await(ctx)
	})
	return session
}

func awaitTermination(t *testing.T, s *scxml.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Await(ctx), "session did not terminate")
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// Eventless chain: a guarded targetless transition runs its content once,
// then the unguarded transition completes the chart.
func TestEventlessChain(t *testing.T) {
	rec := &recorder{}
	s := startDoc(t, `
<scxml name="Root" initial="A" datamodel="expression">
  <datamodel><data id="logged" expr="false"/></datamodel>
  <state id="A">
    <transition cond="!logged">
      <log expr="'in A'"/>
      <assign location="logged" expr="true"/>
    </transition>
    <transition cond="logged" target="B"/>
  </state>
  <final id="B"/>
</scxml>`,
		scxml.WithMonitor(rec.monitor), scxml.WithLogHook(rec.logHook))

	awaitTermination(t, s)
	assert.Equal(t, []string{"in A"}, rec.logLines(), "log must run exactly once")
	require.NotNil(t, s.DoneEvent())
	assert.Equal(t, "done.state.Root", s.DoneEvent().Name)
}

// Delayed send cancellation: the cancel lands before the scheduled
// instant, so "T" is never delivered.
func TestDelayedSendCancelled(t *testing.T) {
	clock := scxml.NewMockClock(time.Unix(0, 0))
	rec := &recorder{}
	s := startDoc(t, `
<scxml name="Timers" initial="S0">
  <state id="S0">
    <onentry>
      <send event="T" delay="50ms" id="t1"/>
      <cancel sendid="t1"/>
      <log expr="'armed'"/>
    </onentry>
    <transition event="T" target="Fired"/>
  </state>
  <state id="Fired"/>
</scxml>`,
		scxml.WithClock(clock), scxml.WithMonitor(rec.monitor), scxml.WithLogHook(rec.logHook))

	waitUntil(t, func() bool { return len(rec.logLines()) > 0 })
	clock.Advance(200 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.True(t, s.In("S0"), "session must still be in S0")
	assert.False(t, rec.sawEvent("T"), "cancelled event must not be observed")
}

// Delayed send without a cancel does arrive once the clock passes the
// scheduled instant.
func TestDelayedSendDelivers(t *testing.T) {
	clock := scxml.NewMockClock(time.Unix(0, 0))
	rec := &recorder{}
	s := startDoc(t, `
<scxml name="Timers" initial="S0">
  <state id="S0">
    <onentry><send event="T" delay="50ms"/></onentry>
    <transition event="T" target="Fired"/>
  </state>
  <final id="Fired"/>
</scxml>`,
		scxml.WithClock(clock), scxml.WithMonitor(rec.monitor))

	waitUntil(t, func() bool { return s.In("S0") })
	// Give the entry block time to hand the send to the scheduler.
	waitUntil(t, func() bool { return len(s.Configuration()) > 0 })
	time.Sleep(20 * time.Millisecond)
	clock.Advance(60 * time.Millisecond)

	awaitTermination(t, s)
	assert.True(t, rec.sawEvent("T"))
}

// Parallel synchronisation: done.state for each region in document order,
// then for the parallel state exactly once.
func TestParallelDoneEvents(t *testing.T) {
	rec := &recorder{}
	s := startDoc(t, `
<scxml name="Par" initial="P">
  <parallel id="P">
    <state id="P1" initial="a1">
      <state id="a1"><transition event="go" target="f1"/></state>
      <final id="f1"/>
    </state>
    <state id="P2" initial="a2">
      <state id="a2"><transition event="go" target="f2"/></state>
      <final id="f2"/>
    </state>
    <transition event="done.state.P" target="F"/>
  </parallel>
  <final id="F"/>
</scxml>`,
		scxml.WithMonitor(rec.monitor))

	waitUntil(t, func() bool { return s.In("a1") && s.In("a2") })
	require.NoError(t, s.Send(context.Background(), &scxml.Event{Name: "go"}))
	awaitTermination(t, s)

	var done []string
	for _, n := range rec.eventNames() {
		switch n {
		case "done.state.P1", "done.state.P2", "done.state.P":
			done = append(done, n)
		}
	}
	assert.Equal(t, []string{"done.state.P1", "done.state.P2", "done.state.P"}, done)
}

// Shallow history restores the last active child of its parent.
func TestShallowHistoryRestoration(t *testing.T) {
	s := startDoc(t, `
<scxml name="Hist" initial="C">
  <state id="C" initial="C1">
    <history id="H" type="shallow"><transition target="C1"/></history>
    <state id="C1"><transition event="go2" target="C2"/></state>
    <state id="C2"/>
    <transition event="x" target="Out"/>
  </state>
  <state id="Out"><transition event="back" target="H"/></state>
</scxml>`)

	ctx := context.Background()
	waitUntil(t, func() bool { return s.In("C1") })

	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "x"}))
	waitUntil(t, func() bool { return s.In("Out") })
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "back"}))
	waitUntil(t, func() bool { return s.In("C1") })

	// A second round after moving to C2: history replays C2 instead.
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "go2"}))
	waitUntil(t, func() bool { return s.In("C2") })
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "x"}))
	waitUntil(t, func() bool { return s.In("Out") })
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "back"}))
	waitUntil(t, func() bool { return s.In("C2") })
	assert.False(t, s.In("C1"))
}

// Expression data model counter: the guarded transition fires exactly
// after the third increment.
func TestExpressionCounter(t *testing.T) {
	s := startDoc(t, `
<scxml name="Counter" initial="S0" datamodel="expression">
  <datamodel><data id="count" expr="0"/></datamodel>
  <state id="S0">
    <transition event="inc">
      <assign location="count" expr="count + 1"/>
    </transition>
    <transition cond="count == 3" target="Done"/>
  </state>
  <final id="Done"/>
</scxml>`)

	ctx := context.Background()
	waitUntil(t, func() bool { return s.In("S0") })
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Send(ctx, &scxml.Event{Name: "inc"}))
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.In("S0"), "two increments must not complete the chart")
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "inc"}))
	awaitTermination(t, s)
	require.NotNil(t, s.DoneEvent())
}

// foreach over a non-array raises error.execution, skips the body, and
// execution continues with the next sibling (SCXML 4.6).
func TestForeachNonIterable(t *testing.T) {
	rec := &recorder{}
	s := startDoc(t, `
<scxml name="Loop" initial="S0">
  <state id="S0">
    <onentry>
      <foreach array="'not an array'" item="x">
        <log expr="'body'"/>
      </foreach>
      <log expr="'after'"/>
    </onentry>
  </state>
</scxml>`,
		scxml.WithMonitor(rec.monitor), scxml.WithLogHook(rec.logHook))

	waitUntil(t, func() bool { return len(rec.logLines()) > 0 })
	assert.Equal(t, []string{"after"}, rec.logLines(), "body skipped, sibling executed")
	assert.True(t, rec.sawEvent("error.execution"))
	assert.True(t, s.In("S0"))
}

// foreach over a real array binds item and index in a shadowing frame.
func TestForeachIteration(t *testing.T) {
	rec := &recorder{}
	startDoc(t, `
<scxml name="Loop" initial="S0" datamodel="expression">
  <datamodel>
    <data id="items" expr="['a', 'b', 'c']"/>
    <data id="joined" expr="''"/>
  </datamodel>
  <state id="S0">
    <onentry>
      <foreach array="items" item="x" index="i">
        <assign location="joined" expr="joined + x"/>
      </foreach>
      <log expr="joined"/>
    </onentry>
  </state>
</scxml>`,
		scxml.WithLogHook(rec.logHook))

	waitUntil(t, func() bool { return len(rec.logLines()) > 0 })
	assert.Equal(t, []string{"abc"}, rec.logLines())
}

// The internal queue drains before any external event is consumed.
func TestInternalBeforeExternal(t *testing.T) {
	s := startDoc(t, `
<scxml name="Order" initial="A">
  <state id="A">
    <onentry>
      <send event="ext"/>
      <raise event="int"/>
    </onentry>
    <transition event="int" target="B"/>
    <transition event="ext" target="Err"/>
  </state>
  <state id="B"><transition event="ext" target="F"/></state>
  <state id="Err"/>
  <final id="F"/>
</scxml>`)

	awaitTermination(t, s)
	assert.False(t, s.In("Err"))
}

// In() consults the live configuration of the session.
func TestInPredicate(t *testing.T) {
	s := startDoc(t, `
<scxml name="InTest" initial="P">
  <parallel id="P">
    <state id="L" initial="l0">
      <state id="l0"><transition event="check" cond="In('r0')" target="l1"/></state>
      <state id="l1"/>
    </state>
    <state id="R" initial="r0">
      <state id="r0"/>
    </state>
  </parallel>
</scxml>`)

	ctx := context.Background()
	waitUntil(t, func() bool { return s.In("l0") && s.In("r0") })
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "check"}))
	waitUntil(t, func() bool { return s.In("l1") })
}

// The configuration is hierarchy-consistent at stable rest.
func TestConfigurationInvariant(t *testing.T) {
	s := startDoc(t, `
<scxml name="Par" initial="P">
  <parallel id="P">
    <state id="P1" initial="a1"><state id="a1"/></state>
    <state id="P2" initial="a2"><state id="a2"/></state>
  </parallel>
</scxml>`)

	waitUntil(t, func() bool { return s.In("a1") && s.In("a2") })
	cfg := s.Configuration()
	// The <scxml> root itself is not part of the configuration; every
	// other ancestor of an active atomic state is.
	for _, id := range []string{"P", "P1", "a1", "P2", "a2"} {
		assert.Contains(t, cfg, id)
	}
	assert.NotContains(t, cfg, "Par")
}

// Unknown send targets raise error.communication in the originating
// session, which can drive transitions like any other event.
func TestUnknownTargetRaisesCommunicationError(t *testing.T) {
	s := startDoc(t, `
<scxml name="Comm" initial="S0">
  <state id="S0">
    <onentry><send event="x" target="#_scxml_no-such-session"/></onentry>
    <transition event="error.communication" target="F"/>
  </state>
  <final id="F"/>
</scxml>`)

	awaitTermination(t, s)
}

// An invoked inline child reports done.invoke.<id> to its parent, running
// <finalize> for events arriving from the child.
func TestInvokeInlineChild(t *testing.T) {
	rec := &recorder{}
	s := startDoc(t, `
<scxml name="Parent" initial="S">
  <state id="S">
    <invoke id="child">
      <content>
        <scxml name="Child" initial="c0">
          <final id="c0"/>
        </scxml>
      </content>
      <finalize><log expr="'finalized'"/></finalize>
    </invoke>
    <transition event="done.invoke.child" target="F"/>
  </state>
  <final id="F"/>
</scxml>`,
		scxml.WithRegistry(scxml.NewSessionRegistry()),
		scxml.WithLogHook(rec.logHook))

	awaitTermination(t, s)
	assert.Contains(t, rec.logLines(), "finalized")
}

// Exiting the invoking state cancels the child without a done.invoke.
func TestInvokeCancelledOnExit(t *testing.T) {
	rec := &recorder{}
	s := startDoc(t, `
<scxml name="Parent" initial="S">
  <state id="S">
    <invoke id="child">
      <content>
        <scxml name="Child" initial="c0">
          <state id="c0"/>
        </scxml>
      </content>
    </invoke>
    <transition event="leave" target="T"/>
  </state>
  <state id="T"/>
</scxml>`,
		scxml.WithRegistry(scxml.NewSessionRegistry()),
		scxml.WithMonitor(rec.monitor))

	ctx := context.Background()
	waitUntil(t, func() bool { return s.In("S") })
	// Let the invocation start at stable rest before leaving.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "leave"}))
	waitUntil(t, func() bool { return s.In("T") })
	time.Sleep(30 * time.Millisecond)
	assert.False(t, rec.sawEvent("done.invoke.child"))
}

// Late binding defers data declaration to state entry.
func TestLateBinding(t *testing.T) {
	s := startDoc(t, `
<scxml name="Late" initial="A" binding="late" datamodel="expression">
  <state id="A"><transition event="go" target="B"/></state>
  <state id="B">
    <datamodel><data id="x" expr="5"/></datamodel>
    <transition cond="x == 5" target="F"/>
  </state>
  <final id="F"/>
</scxml>`)

	ctx := context.Background()
	waitUntil(t, func() bool { return s.In("A") })
	require.NoError(t, s.Send(ctx, &scxml.Event{Name: "go"}))
	awaitTermination(t, s)
}

// A terminated session rejects further external events.
func TestStoppedSessionRejectsSend(t *testing.T) {
	s := startDoc(t, `
<scxml name="Quick" initial="F">
  <final id="F"/>
</scxml>`)

	awaitTermination(t, s)
	err := s.Send(context.Background(), &scxml.Event{Name: "late"})
	assert.ErrorIs(t, err, scxml.ErrQueueClosed)
}

// Top-level scripts run against the data model before the initial entry.
func TestTopLevelScript(t *testing.T) {
	s := startDoc(t, `
<scxml name="Scripted" initial="A" datamodel="expression">
  <script>seed ?= 41; seed = seed + 1</script>
  <state id="A">
    <transition cond="seed == 42" target="F"/>
  </state>
  <final id="F"/>
</scxml>`)

	awaitTermination(t, s)
}
