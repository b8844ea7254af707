package reader

import (
	"fmt"
	"strings"

	"github.com/agentflare-ai/go-xmldom"
	scxml "github.com/agentflare-ai/scxml-go"
)

// Diagnostic describes a structural problem found while building the model.
type Diagnostic struct {
	Code    string
	Message string
	Line    int
	Column  int
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s at %d:%d: %s", d.Code, d.Line, d.Column, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// ParseError aggregates every diagnostic of a rejected document. Parse
// failures are startup failures: they surface to the caller, never to the
// state machine.
type ParseError struct {
	Diagnostics []Diagnostic
}

func (e *ParseError) Error() string {
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.String()
	}
	return "invalid scxml document: " + strings.Join(msgs, "; ")
}

// resolve is the second construction pass: id references become arena
// indices, matchers are compiled, initial transitions are completed and
// the structural rules are enforced.
func (b *builder) resolve(root xmldom.Element) {
	for _, pt := range b.transitions {
		pt.t.Targets = b.resolveTargets(pt.targets, pt.el)
	}

	for _, pi := range b.initials {
		targets := b.resolveTargets(pi.targets, pi.el)
		for _, target := range targets {
			if !b.doc.IsDescendant(target, pi.state.Index) {
				b.addDiag("E011", fmt.Sprintf("initial target %q is not a descendant of %q",
					b.doc.States[target].DocID, pi.state.DocID), pi.el)
			}
		}
		pi.state.Initial = &scxml.Transition{
			Source:  pi.state.Index,
			Targets: targets,
			Actions: pi.actions,
		}
	}

	// Compound states without an explicit initial default to their first
	// non-history child in document order.
	for _, st := range b.doc.States {
		if st.Initial != nil {
			continue
		}
		if st.Kind != scxml.StateCompound && st.Index != scxml.RootIndex {
			continue
		}
		for _, child := range st.Children {
			if b.doc.States[child].Kind.IsHistory() {
				continue
			}
			st.Initial = &scxml.Transition{Source: st.Index, Targets: []int{child}}
			break
		}
	}

	b.checkHistoryStates()
	b.numberAndCompile()
}

func (b *builder) resolveTargets(ids []string, el xmldom.Element) []int {
	var out []int
	for _, id := range ids {
		idx, ok := b.doc.IDs[id]
		if !ok {
			b.addDiag("E012", fmt.Sprintf("unknown transition target %q", id), el)
			continue
		}
		out = append(out, idx)
	}
	return out
}

// checkHistoryStates enforces SCXML 3.6: history states live directly
// under a compound or parallel state and need a default transition.
func (b *builder) checkHistoryStates() {
	for _, st := range b.doc.States {
		if !st.Kind.IsHistory() {
			continue
		}
		if st.Parent == scxml.RootIndex {
			b.addDiag("E013", "history state cannot be a child of <scxml>", nil)
			continue
		}
		parent := b.doc.States[st.Parent]
		if parent.Kind != scxml.StateCompound && parent.Kind != scxml.StateParallel {
			b.addDiag("E014", fmt.Sprintf("history %q must be a child of a compound or parallel state", st.DocID), nil)
		}
		if len(st.Transitions) == 0 {
			b.addDiag("E015", fmt.Sprintf("history %q requires a default transition", st.DocID), nil)
			continue
		}
		def := st.Transitions[0]
		if len(def.Targets) == 0 || len(def.Descriptors) > 0 || def.Cond != "" {
			b.addDiag("E016", fmt.Sprintf("history %q default transition must be unconditional with a target", st.DocID), nil)
		}
	}
}

// numberAndCompile assigns document-order transition indices and compiles
// the event matchers.
func (b *builder) numberAndCompile() {
	n := 0
	for _, st := range b.doc.States {
		for _, t := range st.Transitions {
			t.Index = n
			n++
			t.Matcher = scxml.CompileDescriptors(t.Descriptors)
		}
	}
}
