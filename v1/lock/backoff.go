package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// Clock abstracts time for lease bookkeeping and retry waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

const (
	DefaultRetryInterval  = 100 * time.Millisecond
	DefaultJitter         = 0.5
	DefaultAcquireTimeout = 10 * time.Second
)

// Backoff is the retry policy of blocking acquisition. Each wait lasts
// Interval plus a uniform random share of Jitter*Interval. A zero Jitter
// means DefaultJitter; a negative one disables jitter.
type Backoff struct {
	Interval time.Duration
	Jitter   float64
	// Timeout bounds the whole acquisition. Zero or negative means a single
	// attempt.
	Timeout time.Duration
	// Rand returns values in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoff retries every 100-150ms for up to ten seconds.
func DefaultBackoff() Backoff {
	return Backoff{Interval: DefaultRetryInterval, Jitter: DefaultJitter, Timeout: DefaultAcquireTimeout}
}

// Delay returns the next wait.
func (b Backoff) Delay() time.Duration {
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	jitter := b.Jitter
	if jitter == 0 {
		jitter = DefaultJitter
	}
	if jitter < 0 {
		return interval
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return interval + time.Duration(rnd()*jitter*float64(interval))
}

// Retry calls attempt until it succeeds, fails with an error retryable
// rejects, or the backoff deadline passes. Attempts are only made strictly
// before the deadline. A receive on wake cuts the current wait short.
//
// On deadline Retry returns ErrTimeout joined with the last
// ErrStoreUnavailable seen, if any. A cancelled ctx returns the ctx error; a
// ctx deadline is reported as ErrTimeout.
func Retry(ctx context.Context, clock Clock, b Backoff, wake <-chan struct{}, attempt func(context.Context) error, retryable func(error) bool) error {
	if clock == nil {
		clock = SystemClock
	}
	deadline := clock.Now().Add(b.Timeout)
	var lastStoreErr error
	timeout := func() error {
		if lastStoreErr != nil {
			return errors.Join(latcherrors.ErrTimeout, lastStoreErr)
		}
		return latcherrors.ErrTimeout
	}
	ctxErr := func() error {
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return timeout()
		}
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctxErr()
		}
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctxErr()
		}
		if !retryable(err) {
			return err
		}
		if b.Timeout <= 0 {
			return err
		}
		if errors.Is(err, latcherrors.ErrStoreUnavailable) {
			lastStoreErr = err
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return timeout()
		}
		select {
		case <-clock.After(min(b.Delay(), remaining)):
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ctx.Done():
			return ctxErr()
		}
		if !clock.Now().Before(deadline) {
			return timeout()
		}
	}
}
