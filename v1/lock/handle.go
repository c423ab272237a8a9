package lock

import (
	"sync"
	"time"
)

// State is the lifecycle state of a Handle.
type State int

const (
	// Unacquired is the zero state of a Handle that never held a lock.
	Unacquired State = iota
	// Held means the last acquire or renew succeeded and the lease has not
	// run out yet.
	Held
	// Renewing means the lock is held and a watchdog is extending it.
	Renewing
	// Released means the owner released the lock.
	Released
	// Expired means the lease ran out before it was released or renewed.
	Expired
	// Failed means a renewal found another owner.
	Failed
)

func (s State) String() string {
	switch s {
	case Unacquired:
		return "unacquired"
	case Held:
		return "held"
	case Renewing:
		return "renewing"
	case Released:
		return "released"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Handle describes one acquisition of a lock. It is safe for concurrent use.
type Handle struct {
	resource string
	key      string
	token    string
	ttl      time.Duration
	clock    Clock

	mu         sync.Mutex
	state      State
	acquiredAt time.Time
	expiresAt  time.Time
	watchdog   *Watchdog
}

func newHandle(resource, key, token string, ttl time.Duration, clock Clock, at time.Time) *Handle {
	return &Handle{
		resource:   resource,
		key:        key,
		token:      token,
		ttl:        ttl,
		clock:      clock,
		state:      Held,
		acquiredAt: at,
		expiresAt:  at.Add(ttl),
	}
}

// Resource returns the locked resource name.
func (h *Handle) Resource() string { return h.resource }

// Key returns the store key backing the lock.
func (h *Handle) Key() string { return h.key }

// Token returns the ownership token.
func (h *Handle) Token() string { return h.token }

// TTL returns the lease duration used on acquire and renew.
func (h *Handle) TTL() time.Duration { return h.ttl }

// AcquiredAt returns the time the acquisition was issued.
func (h *Handle) AcquiredAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquiredAt
}

// ExpiresAt returns the local estimate of when the lease runs out.
func (h *Handle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// State returns the current state. A held lock whose lease has passed is
// reported as Expired.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Handle) stateLocked() State {
	if (h.state == Held || h.state == Renewing) && !h.clock.Now().Before(h.expiresAt) {
		return Expired
	}
	return h.state
}

// Remaining returns the time left on the lease, or zero when the lock is no
// longer held.
func (h *Handle) Remaining() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.stateLocked() {
	case Held, Renewing:
		return h.expiresAt.Sub(h.clock.Now())
	}
	return 0
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) renewed(at time.Time) {
	h.mu.Lock()
	h.expiresAt = at.Add(h.ttl)
	if h.state != Renewing {
		h.state = Held
	}
	h.mu.Unlock()
}

func (h *Handle) attach(w *Watchdog) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchdog != nil {
		return false
	}
	h.watchdog = w
	h.state = Renewing
	return true
}

func (h *Handle) detach(w *Watchdog) {
	h.mu.Lock()
	if h.watchdog == w {
		h.watchdog = nil
		if h.state == Renewing {
			h.state = Held
		}
	}
	h.mu.Unlock()
}

func (h *Handle) attached() *Watchdog {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watchdog
}
