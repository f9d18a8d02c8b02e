package session

import (
	"sync"

	"draftgate/internal/domain"
)

// Registry holds at most one session handle per owner key. Sessions for
// different keys are fully independent; only a second generation for the
// same key while one is streaming is rejected.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Acquire installs a new session for the key, built by the factory, unless
// one is still streaming. The previous finished session for the key, if
// any, is replaced.
func (r *Registry) Acquire(key domain.OwnerKey, build func() *Session) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key.String()]; ok && s.State() == StateStreaming {
		return nil, ErrAlreadyStreaming
	}
	s := build()
	r.sessions[key.String()] = s
	return s, nil
}

// Get returns the current session for a key.
func (r *Registry) Get(key domain.OwnerKey) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key.String()]
	return s, ok
}

// CancelAll aborts every streaming session, for shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
	}
}
