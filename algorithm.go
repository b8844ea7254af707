package scxml

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// selectTransitions returns the conflict-resolved transition set enabled by
// the given event, or by no event when ev is nil (eventless selection).
// For each active atomic state, the first matching transition found while
// walking up the ancestor chain in document order is chosen (W3C D.4).
func (s *Session) selectTransitions(ctx context.Context, ev *Event) []*Transition {
	var enabled []*Transition
	seen := make(map[*Transition]bool)

	for _, atomic := range s.activeAtomicStatesDocOrder() {
		chain := append([]int{atomic}, s.doc.ProperAncestors(atomic, -1)...)
	perAtomic:
		for _, idx := range chain {
			for _, t := range s.doc.States[idx].Transitions {
				if ev == nil {
					if !t.Eventless() {
						continue
					}
				} else if t.Eventless() || !t.Matcher.Match(ev.Name) {
					continue
				}
				if !s.conditionHolds(ctx, t) {
					continue
				}
				if !seen[t] {
					seen[t] = true
					enabled = append(enabled, t)
				}
				break perAtomic
			}
		}
	}
	return s.removeConflicting(enabled)
}

func (s *Session) conditionHolds(ctx context.Context, t *Transition) bool {
	if t.Cond == "" {
		return true
	}
	ok, err := s.dm.EvaluateCondition(ctx, t.Cond)
	if err != nil {
		s.raiseError(err)
		return false
	}
	return ok
}

// activeAtomicStatesDocOrder lists the active states without active
// children: atomic and final leaves of the configuration.
func (s *Session) activeAtomicStatesDocOrder() []int {
	var out []int
	for idx := range s.configuration {
		k := s.doc.States[idx].Kind
		if k == StateAtomic || k == StateFinal {
			out = append(out, idx)
		}
	}
	SortDocumentOrder(out)
	return out
}

// removeConflicting filters a selected transition set so that no two
// members have intersecting exit sets. Within a conflicting pair the
// transition whose source is a descendant of the other's source wins;
// otherwise the one selected first (document order of its atomic state)
// is kept (W3C D.4 removeConflictingTransitions).
func (s *Session) removeConflicting(enabled []*Transition) []*Transition {
	var filtered []*Transition
	for _, t1 := range enabled {
		exit1 := s.computeExitSet([]*Transition{t1})
		preempted := false
		var toRemove []*Transition
		for _, t2 := range filtered {
			exit2 := s.computeExitSet([]*Transition{t2})
			if !intersects(exit1, exit2) {
				continue
			}
			if s.doc.IsDescendant(t1.Source, t2.Source) {
				toRemove = append(toRemove, t2)
			} else {
				preempted = true
				break
			}
		}
		if preempted {
			continue
		}
		if len(toRemove) > 0 {
			kept := filtered[:0]
			for _, t2 := range filtered {
				remove := false
				for _, r := range toRemove {
					if t2 == r {
						remove = true
						break
					}
				}
				if !remove {
					kept = append(kept, t2)
				}
			}
			filtered = kept
		}
		filtered = append(filtered, t1)
	}
	return filtered
}

func intersects(a, b []int) bool {
	set := make(map[int]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return true
		}
	}
	return false
}

// effectiveTargets resolves history targets through the recorded history
// value, or the history's default transition when nothing was recorded.
func (s *Session) effectiveTargets(t *Transition) []int {
	var out []int
	for _, target := range t.Targets {
		st := s.doc.States[target]
		if !st.Kind.IsHistory() {
			out = append(out, target)
			continue
		}
		if recorded, ok := s.historyValue[target]; ok {
			out = append(out, recorded...)
		} else if len(st.Transitions) > 0 {
			out = append(out, s.effectiveTargets(st.Transitions[0])...)
		}
	}
	return out
}

// transitionDomain computes the state within which a transition acts: the
// source itself for an internal transition from a compound state whose
// targets are all inside it, the LCCA of source and targets otherwise.
func (s *Session) transitionDomain(t *Transition) int {
	targets := s.effectiveTargets(t)
	if len(targets) == 0 {
		return t.Source
	}
	if t.Kind == TransitionInternal && s.doc.IsCompoundLike(t.Source) {
		all := true
		for _, target := range targets {
			if !s.doc.IsDescendant(target, t.Source) {
				all = false
				break
			}
		}
		if all {
			return t.Source
		}
	}
	return s.doc.LCCA(append([]int{t.Source}, targets...))
}

// computeExitSet returns the active states exited by the transition set:
// every active proper descendant of each transition's domain, in exit
// (reverse document) order. Targetless transitions exit nothing.
func (s *Session) computeExitSet(transitions []*Transition) []int {
	set := make(map[int]bool)
	for _, t := range transitions {
		if len(t.Targets) == 0 {
			continue
		}
		domain := s.transitionDomain(t)
		for idx := range s.configuration {
			if s.doc.IsDescendant(idx, domain) {
				set[idx] = true
			}
		}
	}
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	SortExitOrder(out)
	return out
}

// microstep executes one conflict-resolved transition set: exit, content,
// entry (W3C D.5).
func (s *Session) microstep(ctx context.Context, enabled []*Transition) {
	ctx, span := s.tracer.Start(ctx, "scxml.microstep",
		trace.WithAttributes(attribute.Int("scxml.transitions", len(enabled))))
	defer span.End()

	s.exitStates(ctx, enabled)
	for _, t := range enabled {
		s.executeBlock(ctx, t.Actions)
	}
	s.enterStates(ctx, enabled)
}

// exitStates leaves the exit set of the transition set: record history,
// run onexit blocks in exit order, cancel invocations, shrink the
// configuration (W3C D.6).
func (s *Session) exitStates(ctx context.Context, enabled []*Transition) {
	statesToExit := s.computeExitSet(enabled)

	exiting := make(map[int]bool, len(statesToExit))
	for _, idx := range statesToExit {
		exiting[idx] = true
	}
	kept := s.statesToInvoke[:0]
	for _, idx := range s.statesToInvoke {
		if !exiting[idx] {
			kept = append(kept, idx)
		}
	}
	s.statesToInvoke = kept

	// History is recorded against the configuration as it was at the
	// moment of exit, before any state is removed.
	for _, idx := range statesToExit {
		for _, child := range s.doc.States[idx].Children {
			h := s.doc.States[child]
			if !h.Kind.IsHistory() {
				continue
			}
			var record []int
			if h.Kind == StateHistoryDeep {
				for active := range s.configuration {
					k := s.doc.States[active].Kind
					if (k == StateAtomic || k == StateFinal) && s.doc.IsDescendant(active, idx) {
						record = append(record, active)
					}
				}
			} else {
				for active := range s.configuration {
					if s.doc.States[active].Parent == idx {
						record = append(record, active)
					}
				}
			}
			SortDocumentOrder(record)
			s.historyValue[child] = record
		}
	}

	for _, idx := range statesToExit {
		st := s.doc.States[idx]
		for _, block := range st.OnExit {
			s.executeBlock(ctx, block)
		}
		s.cancelInvokesOf(ctx, idx)
		s.removeFromConfiguration(idx)
	}
}

// enterStates enters the entry set of the transition set in document
// order, binding late data, raising done events, and queueing invocations
// (W3C D.7).
func (s *Session) enterStates(ctx context.Context, enabled []*Transition) {
	statesToEnter := make(map[int]bool)
	statesForDefaultEntry := make(map[int]bool)
	defaultHistoryContent := make(map[int][]Executable)

	for _, t := range enabled {
		for _, target := range t.Targets {
			s.addDescendantStatesToEnter(target, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
		}
		domain := s.transitionDomain(t)
		for _, target := range s.effectiveTargets(t) {
			s.addAncestorStatesToEnter(target, domain, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
		}
	}

	ordered := make([]int, 0, len(statesToEnter))
	for idx := range statesToEnter {
		ordered = append(ordered, idx)
	}
	SortDocumentOrder(ordered)

	for _, idx := range ordered {
		st := s.doc.States[idx]
		s.addToConfiguration(idx)
		if len(st.Invokes) > 0 {
			s.statesToInvoke = append(s.statesToInvoke, idx)
		}
		if s.doc.Binding == BindingLate {
			s.bindStateData(ctx, idx)
		}
		for _, block := range st.OnEntry {
			s.executeBlock(ctx, block)
		}
		if statesForDefaultEntry[idx] && st.Initial != nil {
			s.executeBlock(ctx, st.Initial.Actions)
		}
		if content, ok := defaultHistoryContent[idx]; ok {
			s.executeBlock(ctx, content)
		}
		if st.Kind == StateFinal {
			s.enterFinalState(ctx, st)
		}
	}
}

// enterFinalState raises the done.state events mandated by SCXML 3.7 and
// flips running off when a child of the root completes.
func (s *Session) enterFinalState(ctx context.Context, st *State) {
	if st.Parent == RootIndex {
		s.running = false
		done := &Event{
			Name:      "done.state." + s.rootID(),
			Type:      EventTypeExternal,
			Data:      s.evaluateDoneData(ctx, st.DoneData),
			Timestamp: s.clock.Now(),
		}
		s.doneMu.Lock()
		s.doneEvent = done
		s.doneMu.Unlock()
		if s.monitor != nil {
			s.monitor(done)
		}
		return
	}

	parent := s.doc.States[st.Parent]
	s.raiseFromWorker(&Event{
		Name: "done.state." + parent.DocID,
		Data: s.evaluateDoneData(ctx, st.DoneData),
	})

	if parent.Parent >= 0 {
		grandparent := s.doc.States[parent.Parent]
		if grandparent.Kind == StateParallel && s.allChildrenFinal(grandparent) {
			s.raiseFromWorker(&Event{Name: "done.state." + grandparent.DocID})
		}
	}
}

func (s *Session) allChildrenFinal(parallel *State) bool {
	for _, child := range parallel.Children {
		if s.doc.States[child].Kind.IsHistory() {
			continue
		}
		if !s.inFinalState(child) {
			return false
		}
	}
	return true
}

// inFinalState implements W3C isInFinalState over the arena.
func (s *Session) inFinalState(idx int) bool {
	st := s.doc.States[idx]
	switch st.Kind {
	case StateCompound:
		for _, child := range st.Children {
			c := s.doc.States[child]
			if c.Kind == StateFinal {
				if _, active := s.configuration[child]; active {
					return true
				}
			}
		}
		return false
	case StateParallel:
		return s.allChildrenFinal(st)
	default:
		return false
	}
}

func (s *Session) rootID() string {
	if s.doc.Name != "" {
		return s.doc.Name
	}
	return "scxml"
}

func (s *Session) addDescendantStatesToEnter(idx int, statesToEnter, statesForDefaultEntry map[int]bool, defaultHistoryContent map[int][]Executable) {
	st := s.doc.States[idx]
	if st.Kind.IsHistory() {
		if recorded, ok := s.historyValue[idx]; ok {
			for _, rec := range recorded {
				s.addDescendantStatesToEnter(rec, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
			}
			for _, rec := range recorded {
				s.addAncestorStatesToEnter(rec, st.Parent, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
			}
			return
		}
		if len(st.Transitions) == 0 {
			return
		}
		def := st.Transitions[0]
		defaultHistoryContent[st.Parent] = def.Actions
		for _, target := range def.Targets {
			s.addDescendantStatesToEnter(target, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
		}
		for _, target := range def.Targets {
			s.addAncestorStatesToEnter(target, st.Parent, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
		}
		return
	}

	statesToEnter[idx] = true
	switch st.Kind {
	case StateCompound:
		statesForDefaultEntry[idx] = true
		if st.Initial == nil {
			return
		}
		for _, target := range st.Initial.Targets {
			s.addDescendantStatesToEnter(target, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
		}
		for _, target := range st.Initial.Targets {
			s.addAncestorStatesToEnter(target, idx, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
		}
	case StateParallel:
		for _, child := range st.Children {
			if s.doc.States[child].Kind.IsHistory() {
				continue
			}
			if !anyDescendantIn(statesToEnter, s.doc, child) {
				s.addDescendantStatesToEnter(child, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
			}
		}
	}
}

func (s *Session) addAncestorStatesToEnter(idx, ancestor int, statesToEnter, statesForDefaultEntry map[int]bool, defaultHistoryContent map[int][]Executable) {
	for _, anc := range s.doc.ProperAncestors(idx, ancestor) {
		statesToEnter[anc] = true
		if s.doc.States[anc].Kind == StateParallel {
			for _, child := range s.doc.States[anc].Children {
				if s.doc.States[child].Kind.IsHistory() {
					continue
				}
				if !anyDescendantIn(statesToEnter, s.doc, child) {
					s.addDescendantStatesToEnter(child, statesToEnter, statesForDefaultEntry, defaultHistoryContent)
				}
			}
		}
	}
}

func anyDescendantIn(set map[int]bool, doc *Document, ancestor int) bool {
	for idx := range set {
		if idx == ancestor || doc.IsDescendant(idx, ancestor) {
			return true
		}
	}
	return false
}
