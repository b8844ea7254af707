package scxml

import "strings"

// EventMatcher is a precompiled set of SCXML event descriptors. Descriptors
// are compiled once at model construction into a trie over dotted segments
// with a wildcard bit, so matching during transition selection is a single
// segment walk with no string splitting of the descriptor.
type EventMatcher struct {
	root *matchNode
}

type matchNode struct {
	children map[string]*matchNode
	star     bool // set on the root only: a "*" descriptor, which matches every event
	terminal bool // a full descriptor ends here: matches this name and any suffix
}

// CompileDescriptors builds a matcher from the space-separated descriptor
// list of one transition. Returns nil for an empty list (eventless).
func CompileDescriptors(descriptors []string) *EventMatcher {
	if len(descriptors) == 0 {
		return nil
	}
	m := &EventMatcher{root: &matchNode{}}
	for _, desc := range descriptors {
		m.add(desc)
	}
	return m
}

func (m *EventMatcher) add(descriptor string) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return
	}
	// "foo.*" and "foo." both mean "foo" plus any suffix, same as "foo".
	descriptor = strings.TrimSuffix(descriptor, ".*")
	descriptor = strings.TrimSuffix(descriptor, ".")
	if descriptor == "*" || descriptor == "" {
		m.root.star = true
		return
	}
	node := m.root
	for _, seg := range strings.Split(descriptor, ".") {
		if node.children == nil {
			node.children = make(map[string]*matchNode)
		}
		next, ok := node.children[seg]
		if !ok {
			next = &matchNode{}
			node.children[seg] = next
		}
		node = next
	}
	node.terminal = true
}

// Match reports whether the event name matches any compiled descriptor:
// a descriptor matches the exact name and any dotted extension of it.
func (m *EventMatcher) Match(name string) bool {
	if m == nil {
		return false
	}
	node := m.root
	if node.star {
		return true
	}
	for len(name) > 0 {
		seg := name
		if i := strings.IndexByte(name, '.'); i >= 0 {
			seg = name[:i]
			name = name[i+1:]
		} else {
			name = ""
		}
		next, ok := node.children[seg]
		if !ok {
			return false
		}
		node = next
		if node.terminal {
			return true
		}
	}
	return false
}
