package model

import (
	"sync"
	"time"

	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
)

// Canceler is anything whose work can be cancelled; satisfied by the
// engine's subscription handle.
type Canceler interface {
	Cancel()
}

// Session is the live, in-memory record of an authenticated connection.
// It is never persisted and is destroyed on disconnect.
type Session struct {
	ID          string
	TenantID    string
	ConnectedAt time.Time

	// Outbound is the connection's send channel, drained by its writer
	// goroutine. Sends must never block request handling.
	Outbound chan *protocol.Envelope

	mu      sync.Mutex
	workers map[string]struct{}
	subs    []Canceler
	closed  bool
}

// NewSession creates a session for an authenticated connection. outboundSize
// bounds the send channel; a full channel drops pushes rather than blocking.
func NewSession(id, tenantID string, outboundSize int) *Session {
	return &Session{
		ID:          id,
		TenantID:    tenantID,
		ConnectedAt: time.Now(),
		Outbound:    make(chan *protocol.Envelope, outboundSize),
		workers:     make(map[string]struct{}),
	}
}

// AddWorker records that the session registered a worker for jobName.
func (s *Session) AddWorker(jobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[jobName] = struct{}{}
}

// Workers returns the job names this session has registered workers for.
func (s *Session) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	return names
}

// AddSubscription records a subscription handle owned by this session so
// it can be cancelled on disconnect.
func (s *Session) AddSubscription(sub Canceler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// TrySend enqueues an envelope on the outbound channel without blocking.
// Returns false if the session is closed or the channel is full.
func (s *Session) TrySend(env *protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.Outbound <- env:
		return true
	default:
		return false
	}
}

// Close cancels all subscriptions owned by the session and closes the
// outbound channel. Safe to call once; the gateway calls it on disconnect.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	close(s.Outbound)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
