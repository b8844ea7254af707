// Package reader parses SCXML 1.0 documents into the interpreter's
// in-memory model. The reader trusts its input: it performs the structural
// checks needed to build a coherent model (duplicate ids, unresolved
// targets, misplaced history states) and leaves schema validation to
// external tooling.
package reader

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentflare-ai/go-xmldom"
	scxml "github.com/agentflare-ai/scxml-go"
)

// Load reads and parses the SCXML document at path.
func Load(path string) (*scxml.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// ParseReader reads all of r and parses it.
func ParseReader(r io.Reader) (*scxml.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return Parse(data)
}

// ParseString parses an SCXML document held in a string.
func ParseString(src string) (*scxml.Document, error) {
	return Parse([]byte(src))
}

// Parse parses an SCXML document from its raw bytes.
func Parse(data []byte) (*scxml.Document, error) {
	decoder := xmldom.NewDecoderFromBytes(data)
	dom, err := decoder.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	root := dom.DocumentElement()
	if root == nil || string(root.LocalName()) != "scxml" {
		return nil, &ParseError{Diagnostics: []Diagnostic{{
			Code:    "E001",
			Message: "document root must be <scxml>",
		}}}
	}
	return buildDocument(root)
}

// buildDocument runs the two construction passes over an <scxml> element.
// It is also used for inline <invoke> content documents.
func buildDocument(root xmldom.Element) (*scxml.Document, error) {
	b := &builder{
		doc: &scxml.Document{
			Name: string(root.GetAttribute("name")),
			IDs:  make(map[string]int),
		},
	}
	b.doc.DataModelName = string(root.GetAttribute("datamodel"))
	if string(root.GetAttribute("binding")) == "late" {
		b.doc.Binding = scxml.BindingLate
	}

	b.collectState(root, -1)
	b.resolve(root)
	if err := b.err(); err != nil {
		return nil, err
	}
	return b.doc, nil
}

type builder struct {
	doc   *scxml.Document
	diags []Diagnostic

	// Side tables holding unresolved id references, aligned with the
	// transitions they belong to, resolved in the second pass.
	transitions []*pendingTransition
	initials    []*pendingInitial
}

type pendingTransition struct {
	t       *scxml.Transition
	targets []string
	el      xmldom.Element
}

type pendingInitial struct {
	state   *scxml.State
	targets []string
	actions []scxml.Executable
	el      xmldom.Element
}

func (b *builder) err() error {
	if len(b.diags) == 0 {
		return nil
	}
	return &ParseError{Diagnostics: b.diags}
}

func (b *builder) addDiag(code, message string, el xmldom.Element) {
	d := Diagnostic{Code: code, Message: message}
	if el != nil {
		line, column, _ := el.Position()
		d.Line, d.Column = line, column
	}
	b.diags = append(b.diags, d)
}

// stateKindOf classifies a state-like element.
func stateKindOf(el xmldom.Element) (scxml.StateKind, bool) {
	switch string(el.LocalName()) {
	case "state":
		if hasChildState(el) {
			return scxml.StateCompound, true
		}
		return scxml.StateAtomic, true
	case "parallel":
		return scxml.StateParallel, true
	case "final":
		return scxml.StateFinal, true
	case "history":
		if string(el.GetAttribute("type")) == "deep" {
			return scxml.StateHistoryDeep, true
		}
		return scxml.StateHistoryShallow, true
	}
	return 0, false
}

func hasChildState(el xmldom.Element) bool {
	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil {
			continue
		}
		switch string(child.LocalName()) {
		case "state", "parallel", "final", "history":
			return true
		}
	}
	return false
}

// collectState appends the state for el to the arena in document order and
// recurses into its children. For the root <scxml> element it creates the
// root pseudo-state.
func (b *builder) collectState(el xmldom.Element, parent int) int {
	idx := len(b.doc.States)
	st := &scxml.State{
		Index:  idx,
		Parent: parent,
		DocID:  string(el.GetAttribute("id")),
	}
	if parent < 0 {
		st.Kind = scxml.StateCompound
		st.DocID = b.doc.Name
	} else {
		kind, ok := stateKindOf(el)
		if !ok {
			b.addDiag("E002", fmt.Sprintf("<%s> is not a state element", el.LocalName()), el)
			return -1
		}
		st.Kind = kind
	}
	if st.DocID == "" {
		st.DocID = fmt.Sprintf("$state%d", idx)
	} else if other, dup := b.doc.IDs[st.DocID]; dup {
		b.addDiag("E003", fmt.Sprintf("duplicate state id %q (already used by state %d)", st.DocID, other), el)
	}
	b.doc.States = append(b.doc.States, st)
	b.doc.IDs[st.DocID] = idx

	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil {
			continue
		}
		switch string(child.LocalName()) {
		case "state", "parallel", "final", "history":
			if childIdx := b.collectState(child, idx); childIdx >= 0 {
				st.Children = append(st.Children, childIdx)
			}
		case "transition":
			b.collectTransition(child, st)
		case "onentry":
			st.OnEntry = append(st.OnEntry, b.parseBlock(child))
		case "onexit":
			st.OnExit = append(st.OnExit, b.parseBlock(child))
		case "datamodel":
			b.collectData(child, st)
		case "invoke":
			st.Invokes = append(st.Invokes, b.parseInvoke(child))
		case "donedata":
			st.DoneData = b.parseDoneData(child)
		case "initial":
			b.collectInitialElement(child, st)
		case "script":
			if parent < 0 {
				b.doc.Scripts = append(b.doc.Scripts, scxml.Script{
					Src:     string(child.GetAttribute("src")),
					Content: strings.TrimSpace(string(child.TextContent())),
				})
			}
		}
	}

	// The initial attribute takes effect when no <initial> child was seen.
	if attr := strings.Fields(string(el.GetAttribute("initial"))); len(attr) > 0 {
		already := false
		for _, pi := range b.initials {
			if pi.state == st {
				already = true
				b.addDiag("E004", "state has both an initial attribute and an <initial> child", el)
				break
			}
		}
		if !already {
			b.initials = append(b.initials, &pendingInitial{state: st, targets: attr, el: el})
		}
	}
	return idx
}

func (b *builder) collectTransition(el xmldom.Element, st *scxml.State) {
	t := &scxml.Transition{
		Source: st.Index,
		Cond:   strings.TrimSpace(string(el.GetAttribute("cond"))),
	}
	if string(el.GetAttribute("type")) == "internal" {
		t.Kind = scxml.TransitionInternal
	}
	t.Descriptors = strings.Fields(string(el.GetAttribute("event")))
	t.Actions = b.parseBlock(el)
	targets := strings.Fields(string(el.GetAttribute("target")))
	if len(t.Descriptors) == 0 && t.Cond == "" && len(targets) == 0 {
		b.addDiag("E005", "transition needs at least one of event, cond or target", el)
	}
	st.Transitions = append(st.Transitions, t)
	b.transitions = append(b.transitions, &pendingTransition{t: t, targets: targets, el: el})
}

func (b *builder) collectInitialElement(el xmldom.Element, st *scxml.State) {
	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil || string(child.LocalName()) != "transition" {
			continue
		}
		b.initials = append(b.initials, &pendingInitial{
			state:   st,
			targets: strings.Fields(string(child.GetAttribute("target"))),
			actions: b.parseBlock(child),
			el:      child,
		})
		return
	}
	b.addDiag("E006", "<initial> requires a <transition> child", el)
}

func (b *builder) collectData(el xmldom.Element, st *scxml.State) {
	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil || string(child.LocalName()) != "data" {
			continue
		}
		d := scxml.Data{
			ID:   string(child.GetAttribute("id")),
			Expr: strings.TrimSpace(string(child.GetAttribute("expr"))),
			Src:  string(child.GetAttribute("src")),
		}
		if d.Expr == "" && d.Src == "" {
			d.Content = strings.TrimSpace(string(child.TextContent()))
		}
		if d.ID == "" {
			b.addDiag("E007", "<data> requires an id attribute", child)
			continue
		}
		st.Data = append(st.Data, d)
	}
}

func (b *builder) parseInvoke(el xmldom.Element) *scxml.Invoke {
	inv := &scxml.Invoke{
		ID:          string(el.GetAttribute("id")),
		IDLocation:  string(el.GetAttribute("idlocation")),
		TypeURI:     string(el.GetAttribute("type")),
		TypeExpr:    string(el.GetAttribute("typeexpr")),
		Src:         string(el.GetAttribute("src")),
		SrcExpr:     string(el.GetAttribute("srcexpr")),
		AutoForward: string(el.GetAttribute("autoforward")) == "true",
		NameList:    strings.Fields(string(el.GetAttribute("namelist"))),
	}
	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil {
			continue
		}
		switch string(child.LocalName()) {
		case "param":
			inv.Params = append(inv.Params, parseParam(child))
		case "content":
			inv.Content = b.parseContent(child)
		case "finalize":
			inv.Finalize = b.parseBlock(child)
		}
	}
	return inv
}

func (b *builder) parseDoneData(el xmldom.Element) *scxml.DoneData {
	dd := &scxml.DoneData{}
	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil {
			continue
		}
		switch string(child.LocalName()) {
		case "param":
			dd.Params = append(dd.Params, parseParam(child))
		case "content":
			dd.Content = b.parseContent(child)
		}
	}
	return dd
}

func parseParam(el xmldom.Element) scxml.Param {
	return scxml.Param{
		Name:     string(el.GetAttribute("name")),
		Expr:     strings.TrimSpace(string(el.GetAttribute("expr"))),
		Location: strings.TrimSpace(string(el.GetAttribute("location"))),
	}
}

// parseContent captures a <content> element. An inline <scxml> child turns
// into a nested document for <invoke>.
func (b *builder) parseContent(el xmldom.Element) *scxml.Content {
	c := &scxml.Content{
		Expr: strings.TrimSpace(string(el.GetAttribute("expr"))),
	}
	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil {
			continue
		}
		if string(child.LocalName()) == "scxml" {
			doc, err := buildDocument(child)
			if err != nil {
				b.addDiag("E008", fmt.Sprintf("inline invoke document: %v", err), child)
				return c
			}
			c.Document = doc
			return c
		}
	}
	c.Body = strings.TrimSpace(string(el.TextContent()))
	return c
}

// parseBlock converts the executable children of el into IR nodes.
func (b *builder) parseBlock(el xmldom.Element) []scxml.Executable {
	var block []scxml.Executable
	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil {
			continue
		}
		if item := b.parseExecutable(child); item != nil {
			block = append(block, item)
		}
	}
	return block
}

func (b *builder) parseExecutable(el xmldom.Element) scxml.Executable {
	switch string(el.LocalName()) {
	case "raise":
		return &scxml.Raise{Event: string(el.GetAttribute("event"))}

	case "send":
		send := &scxml.Send{
			Event:      string(el.GetAttribute("event")),
			EventExpr:  strings.TrimSpace(string(el.GetAttribute("eventexpr"))),
			Target:     string(el.GetAttribute("target")),
			TargetExpr: strings.TrimSpace(string(el.GetAttribute("targetexpr"))),
			TypeURI:    string(el.GetAttribute("type")),
			TypeExpr:   strings.TrimSpace(string(el.GetAttribute("typeexpr"))),
			SendID:     string(el.GetAttribute("id")),
			IDLocation: string(el.GetAttribute("idlocation")),
			Delay:      string(el.GetAttribute("delay")),
			DelayExpr:  strings.TrimSpace(string(el.GetAttribute("delayexpr"))),
			NameList:   strings.Fields(string(el.GetAttribute("namelist"))),
		}
		children := el.Children()
		for i := uint(0); i < children.Length(); i++ {
			child := children.Item(i)
			if child == nil {
				continue
			}
			switch string(child.LocalName()) {
			case "param":
				send.Params = append(send.Params, parseParam(child))
			case "content":
				send.Content = b.parseContent(child)
			}
		}
		return send

	case "cancel":
		return &scxml.Cancel{
			SendID:     string(el.GetAttribute("sendid")),
			SendIDExpr: strings.TrimSpace(string(el.GetAttribute("sendidexpr"))),
		}

	case "assign":
		a := &scxml.Assign{
			Location: strings.TrimSpace(string(el.GetAttribute("location"))),
			Expr:     strings.TrimSpace(string(el.GetAttribute("expr"))),
		}
		if a.Expr == "" {
			a.Content = strings.TrimSpace(string(el.TextContent()))
		}
		if a.Location == "" {
			b.addDiag("E009", "<assign> requires a location attribute", el)
			return nil
		}
		return a

	case "log":
		return &scxml.Log{
			Label: string(el.GetAttribute("label")),
			Expr:  strings.TrimSpace(string(el.GetAttribute("expr"))),
		}

	case "if":
		return b.parseIf(el)

	case "foreach":
		f := &scxml.Foreach{
			Array: strings.TrimSpace(string(el.GetAttribute("array"))),
			Item:  string(el.GetAttribute("item")),
			Index: string(el.GetAttribute("index")),
			Body:  b.parseBlock(el),
		}
		if f.Array == "" || f.Item == "" {
			b.addDiag("E010", "<foreach> requires array and item attributes", el)
			return nil
		}
		return f

	case "script":
		return &scxml.ScriptAction{Script: scxml.Script{
			Src:     string(el.GetAttribute("src")),
			Content: strings.TrimSpace(string(el.TextContent())),
		}}
	}
	// Unknown children (param, content, elseif handled elsewhere) are
	// skipped; the reader trusts its input.
	return nil
}

// parseIf splits the children of <if> into branches at each <elseif> and
// <else> marker.
func (b *builder) parseIf(el xmldom.Element) *scxml.If {
	out := &scxml.If{}
	current := &scxml.IfBranch{Cond: strings.TrimSpace(string(el.GetAttribute("cond")))}
	inElse := false

	children := el.Children()
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if child == nil {
			continue
		}
		switch string(child.LocalName()) {
		case "elseif":
			out.Branches = append(out.Branches, *current)
			current = &scxml.IfBranch{Cond: strings.TrimSpace(string(child.GetAttribute("cond")))}
		case "else":
			out.Branches = append(out.Branches, *current)
			current = nil
			inElse = true
		default:
			if item := b.parseExecutable(child); item != nil {
				if inElse {
					out.Else = append(out.Else, item)
				} else {
					current.Body = append(current.Body, item)
				}
			}
		}
	}
	if current != nil {
		out.Branches = append(out.Branches, *current)
	}
	return out
}
