package scxml

import "sync"

// SessionRegistry is the process-wide store of live sessions, used to route
// #_scxml_<sessionid> and parent/child sends. It is the only process-wide
// mutable state in the module; the backing map is created on first use and
// released when the last session deregisters.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]Interpreter
}

// NewSessionRegistry returns an empty registry. Most hosts use the shared
// DefaultRegistry instead so that unrelated sessions can address each other.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

var defaultRegistry = NewSessionRegistry()

// DefaultRegistry returns the shared process-wide registry.
func DefaultRegistry() *SessionRegistry { return defaultRegistry }

// Register adds a session under its session id.
func (r *SessionRegistry) Register(s Interpreter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]Interpreter)
	}
	r.sessions[s.SessionID()] = s
}

// Lookup resolves a session id to its handle.
func (r *SessionRegistry) Lookup(sessionID string) (Interpreter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Deregister removes a terminated session.
func (r *SessionRegistry) Deregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	if len(r.sessions) == 0 {
		r.sessions = nil
	}
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
