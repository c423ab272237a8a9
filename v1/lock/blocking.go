package lock

import (
	"context"
	"errors"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// AcquireBlocking retries Acquire under b until the lock is taken or
// b.Timeout passes. Contention and store failures are retried; invalid
// arguments are not. With a bus configured the wait between attempts ends
// early when the current holder releases.
func (l *Locker) AcquireBlocking(ctx context.Context, resource string, ttl time.Duration, b Backoff) (*Handle, error) {
	if err := validate(resource, ttl); err != nil {
		return nil, err
	}
	start := l.clock.Now()
	defer func() {
		metrics.AcquireWait.Observe(l.clock.Now().Sub(start).Seconds())
	}()

	var wake chan struct{}
	if l.bus != nil && b.Timeout > 0 {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		topic := syncbus.UnlockTopic(resource)
		ch, err := l.bus.Subscribe(subCtx, topic)
		if err != nil {
			l.logger.Warn("lock: subscribe release notifications", "resource", resource, "error", err)
		} else {
			wake = ch
			defer func() { _ = l.bus.Unsubscribe(context.Background(), topic, ch) }()
		}
	}

	var h *Handle
	err := Retry(ctx, l.clock, b, wake, func(ctx context.Context) error {
		var err error
		h, err = l.Acquire(ctx, resource, ttl)
		return err
	}, Retryable)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Retryable reports whether a failed acquisition is worth another attempt:
// contention and transport failures are, everything else is not.
func Retryable(err error) bool {
	return errors.Is(err, latcherrors.ErrAlreadyHeld) ||
		errors.Is(err, latcherrors.ErrNoQuorum) ||
		errors.Is(err, latcherrors.ErrStoreUnavailable)
}
