package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the single source of truth for live sessions. No other
// component caches session state beyond one request.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create assigns the session a unique id and registers it. An id collision
// would be a correctness violation, not just bad luck, so the draw repeats
// until the id is free while the write lock is held.
func (r *Registry) Create(s *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := r.sessions[id]; taken {
			continue
		}
		s.ID = id
		r.sessions[id] = s
		return id
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ListActive returns every registered session that has not ended. Sessions
// never share roster entries, so callers may work on the result without
// any cross-session ordering.
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.Ended() {
			out = append(out, s)
		}
	}
	return out
}

// Remove drops a session from the registry. Later Get, evaluate, and
// manual-mark calls for the id fail with not-found from this point on.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports how many sessions are registered, for health reporting.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
