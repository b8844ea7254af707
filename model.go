package scxml

import "sort"

// StateKind classifies a state in the IR.
type StateKind uint8

const (
	StateCompound StateKind = iota
	StateParallel
	StateAtomic
	StateFinal
	StateHistoryShallow
	StateHistoryDeep
)

func (k StateKind) String() string {
	switch k {
	case StateCompound:
		return "compound"
	case StateParallel:
		return "parallel"
	case StateAtomic:
		return "atomic"
	case StateFinal:
		return "final"
	case StateHistoryShallow:
		return "history.shallow"
	case StateHistoryDeep:
		return "history.deep"
	}
	return "unknown"
}

// IsHistory reports whether the state is a history pseudo-state.
func (k StateKind) IsHistory() bool {
	return k == StateHistoryShallow || k == StateHistoryDeep
}

// TransitionKind distinguishes external from internal transitions.
type TransitionKind uint8

const (
	TransitionExternal TransitionKind = iota
	TransitionInternal
)

// Binding selects when <data> elements are initialized.
type Binding uint8

const (
	BindingEarly Binding = iota // all data bound at document start
	BindingLate                 // non-root data bound at state entry
)

// RootIndex is the arena index of the <scxml> root pseudo-state.
const RootIndex = 0

// State is one node of the immutable state-chart model. All references are
// arena indices in document order, which makes ancestor walks O(depth) with
// no ownership cycles.
type State struct {
	Index       int    // document-order arena index; Document.States[Index] == this
	DocID       string // the id attribute from the document; the reader generates one when absent
	Kind        StateKind
	Parent      int   // parent arena index; -1 for the root
	Children    []int // child state indices in document order
	Transitions []*Transition
	OnEntry     [][]Executable // one block per <onentry> element, document order
	OnExit      [][]Executable // one block per <onexit> element, document order
	Data        []Data
	Invokes     []*Invoke
	// Initial is the initial transition of a compound state: the target(s)
	// named by the initial attribute, the <initial> child, or the first
	// child state. Nil for non-compound states.
	Initial *Transition
	// DoneData is evaluated into done.state events for final states.
	DoneData *DoneData
}

// Transition is one edge of the model. Targets may be empty (targetless).
type Transition struct {
	Index       int   // document-order index among all transitions
	Source      int   // source state arena index
	Targets     []int // target state indices, document order of the target attribute
	Descriptors []string
	Matcher     *EventMatcher // precompiled from Descriptors; nil when eventless
	Cond        string
	Kind        TransitionKind
	Actions     []Executable
}

// Eventless reports whether the transition has no event descriptors.
func (t *Transition) Eventless() bool { return len(t.Descriptors) == 0 }

// Invoke is an <invoke> declaration on a state.
type Invoke struct {
	ID          string
	IDLocation  string
	TypeURI     string
	TypeExpr    string
	Src         string
	SrcExpr     string
	AutoForward bool
	NameList    []string
	Params      []Param
	Content     *Content
	Finalize    []Executable
}

// DoneData carries the payload of a <donedata> element.
type DoneData struct {
	Params  []Param
	Content *Content
}

// Document is the in-memory representation of one SCXML document, produced
// by the reader and treated as immutable by every session that runs it.
type Document struct {
	Name          string // the name attribute of <scxml>
	DataModelName string // the datamodel attribute ("" when absent; sessions then use "expression")
	Binding       Binding
	States        []*State       // arena; States[RootIndex] is the <scxml> root
	IDs           map[string]int // document id -> arena index
	Scripts       []Script       // top-level <script> elements, document order
}

// Root returns the <scxml> root pseudo-state.
func (d *Document) Root() *State { return d.States[RootIndex] }

// StateByID resolves a document id to its state.
func (d *Document) StateByID(id string) (*State, bool) {
	idx, ok := d.IDs[id]
	if !ok {
		return nil, false
	}
	return d.States[idx], true
}

// IsDescendant reports whether state is a proper descendant of ancestor.
func (d *Document) IsDescendant(state, ancestor int) bool {
	for p := d.States[state].Parent; p >= 0; p = d.States[p].Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// ProperAncestors returns the ancestors of state up to (excluding) upper,
// nearest first. With upper < 0 the walk runs to the root.
func (d *Document) ProperAncestors(state, upper int) []int {
	var out []int
	for p := d.States[state].Parent; p >= 0 && p != upper; p = d.States[p].Parent {
		out = append(out, p)
	}
	return out
}

// LCCA returns the least common compound ancestor of the given states: the
// innermost compound (or root) state that is a proper ancestor of all of them.
func (d *Document) LCCA(states []int) int {
	if len(states) == 0 {
		return RootIndex
	}
	for _, anc := range d.ProperAncestors(states[0], -1) {
		k := d.States[anc].Kind
		if k != StateCompound && anc != RootIndex {
			continue
		}
		all := true
		for _, s := range states[1:] {
			if !d.IsDescendant(s, anc) {
				all = false
				break
			}
		}
		if all {
			return anc
		}
	}
	return RootIndex
}

// IsCompoundLike reports whether the state can contain an active child:
// compound states and the root.
func (d *Document) IsCompoundLike(idx int) bool {
	s := d.States[idx]
	return s.Kind == StateCompound || idx == RootIndex
}

// SortDocumentOrder sorts state indices in document order.
func SortDocumentOrder(states []int) {
	sort.Ints(states)
}

// SortExitOrder sorts state indices in reverse document order, the order in
// which states are exited.
func SortExitOrder(states []int) {
	sort.Sort(sort.Reverse(sort.IntSlice(states)))
}
