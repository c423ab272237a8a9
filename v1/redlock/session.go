package redlock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
)

// Session is a quorum lock held on a majority of nodes.
type Session struct {
	id       string
	resource string
	token    string
	ttl      time.Duration
	quorum   int
	clock    lock.Clock

	mu         sync.Mutex
	nodes      []int
	acquiredAt time.Time
	validity   time.Duration
	released   bool
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Resource returns the locked resource name.
func (s *Session) Resource() string { return s.resource }

// Token returns the ownership token shared by every node.
func (s *Session) Token() string { return s.token }

// TTL returns the lease set on each node.
func (s *Session) TTL() time.Duration { return s.ttl }

// Quorum returns the number of nodes the session needed.
func (s *Session) Quorum() int { return s.quorum }

// Nodes returns the indexes of the nodes that granted the lock.
func (s *Session) Nodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.nodes...)
}

// AcquiredAt returns when the last acquire or extend started.
func (s *Session) AcquiredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiredAt
}

// Validity returns the usable share of the ttl computed at acquisition.
func (s *Session) Validity() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validity
}

// ValidUntil returns the instant after which the lock must be assumed lost.
func (s *Session) ValidUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiredAt.Add(s.validity)
}

// Remaining returns the validity left, or zero once it ran out or the
// session was released.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0
	}
	if d := s.acquiredAt.Add(s.validity).Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Valid reports whether the session is still inside its validity window.
func (s *Session) Valid() bool { return s.Remaining() > 0 }

// Context returns a child of parent that is done when the validity window
// closes.
func (s *Session) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, s.ValidUntil())
}

func (s *Session) extended(at time.Time, validity time.Duration, nodes []int) {
	s.mu.Lock()
	s.acquiredAt, s.validity, s.nodes = at, validity, nodes
	s.mu.Unlock()
}

func (s *Session) release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}
