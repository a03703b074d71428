package relay

import (
	"sort"
	"sync"
)

// Registry maps agent identifiers to their sessions. Entries are never
// evicted: an agent that goes quiet keeps its slot, and its backend
// channel, until the process exits.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint16]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint16]*Session),
	}
}

// Get returns the session for an agent id, or nil if none exists.
func (r *Registry) Get(id uint16) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessions[id]
}

// Put registers a session under its agent id.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.AgentID] = s
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Snapshot returns all sessions ordered by agent id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].AgentID < sessions[j].AgentID
	})
	return sessions
}
