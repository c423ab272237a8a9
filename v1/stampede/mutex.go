package stampede

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/redlock"
)

// Mutex is the distributed lock a Guard serializes rebuilds with.
//
// TryLock makes a single attempt. On success held is done when ownership can
// no longer be assumed, and unlock releases the lock. Contention is reported
// as errors.ErrAlreadyHeld or errors.ErrNoQuorum.
type Mutex interface {
	TryLock(ctx context.Context, resource string, ttl time.Duration) (held context.Context, unlock func(), err error)
}

type singleNode struct {
	l     *lock.Locker
	renew time.Duration
}

// SingleNode adapts a single-node Locker. With a positive renewInterval a
// watchdog keeps the lock alive during long loads and held is cancelled if
// it is lost; otherwise held expires with the lease.
func SingleNode(l *lock.Locker, renewInterval time.Duration) Mutex {
	return singleNode{l: l, renew: renewInterval}
}

func (m singleNode) TryLock(ctx context.Context, resource string, ttl time.Duration) (context.Context, func(), error) {
	h, err := m.l.Acquire(ctx, resource, ttl)
	if err != nil {
		return nil, nil, err
	}
	detached := context.WithoutCancel(ctx)
	if m.renew <= 0 {
		held, cancel := context.WithTimeout(ctx, ttl)
		return held, func() {
			cancel()
			_, _ = m.l.Release(detached, h)
		}, nil
	}
	w, err := m.l.StartWatchdog(ctx, h, m.renew)
	if err != nil {
		_, _ = m.l.Release(detached, h)
		return nil, nil, err
	}
	return w.Context(), func() { _, _ = m.l.Release(detached, h) }, nil
}

type quorum struct {
	r *redlock.Redlock
}

// Quorum adapts a Redlock. held is done when the session validity runs out.
func Quorum(r *redlock.Redlock) Mutex {
	return quorum{r: r}
}

func (m quorum) TryLock(ctx context.Context, resource string, ttl time.Duration) (context.Context, func(), error) {
	s, err := m.r.Acquire(ctx, resource, ttl)
	if err != nil {
		return nil, nil, err
	}
	held, cancel := s.Context(ctx)
	detached := context.WithoutCancel(ctx)
	return held, func() {
		cancel()
		_, _ = m.r.Release(detached, s)
	}, nil
}
