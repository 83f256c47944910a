// Package session tracks the live sessions of authenticated connections.
package session

import (
	"sync"

	"github.com/BaudehloBiz/jobber-backend/internal/model"
)

// Registry is a concurrency-safe mapping from connection ID to session.
// Sessions are inserted only after successful authentication and removed
// unconditionally on disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*model.Session),
	}
}

// Add registers a session under a connection ID.
func (r *Registry) Add(connID string, s *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[connID] = s
}

// Get returns the session for a connection ID, if any.
func (r *Registry) Get(connID string) (*model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// Remove deletes and returns the session for a connection ID, or nil.
func (r *Registry) Remove(connID string) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[connID]
	delete(r.sessions, connID)
	return s
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach calls fn for every live session. fn must not block; it runs
// under the registry's read lock.
func (r *Registry) ForEach(fn func(connID string, s *model.Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID, s := range r.sessions {
		fn(connID, s)
	}
}
