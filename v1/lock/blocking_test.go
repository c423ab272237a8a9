package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// fakeClock moves forward only when waited on, dragging the store along.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	mr  *miniredis.Miniredis
}

func newFakeClock(mr *miniredis.Miniredis) *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0), mr: mr}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	if c.mr != nil {
		c.mr.FastForward(d)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Interval: 100 * time.Millisecond, Rand: func() float64 { return 0 }}
	if d := b.Delay(); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", d)
	}
	b.Rand = func() float64 { return 0.5 }
	if d := b.Delay(); d != 125*time.Millisecond {
		t.Fatalf("expected 125ms with default jitter, got %v", d)
	}
	b.Jitter = -1
	if d := b.Delay(); d != 100*time.Millisecond {
		t.Fatalf("expected jitter disabled, got %v", d)
	}
	b = DefaultBackoff()
	for i := 0; i < 100; i++ {
		if d := b.Delay(); d < 100*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("delay %v out of range", d)
		}
	}
}

func blockingPair(t *testing.T, opts ...Option) (holder, waiter *Locker, clock *fakeClock) {
	t.Helper()
	holder, mr := newRedisLocker(t, opts...)
	clock = newFakeClock(mr)
	waiter = New(holder.Node(), append(opts, WithClock(clock))...)
	return holder, waiter, clock
}

func TestAcquireBlockingTimesOut(t *testing.T) {
	holder, waiter, clock := blockingPair(t)
	ctx := context.Background()
	if _, err := holder.Acquire(ctx, "orders", 1500*time.Millisecond); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	start := clock.Now()
	b := Backoff{Interval: 100 * time.Millisecond, Jitter: -1, Timeout: time.Second}
	_, err := waiter.AcquireBlocking(ctx, "orders", time.Second, b)
	if !errors.Is(err, latcherrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := clock.Now().Sub(start); elapsed != time.Second {
		t.Fatalf("expected to give up exactly at the deadline, waited %v", elapsed)
	}
}

func TestAcquireBlockingSucceedsAfterExpiry(t *testing.T) {
	holder, waiter, clock := blockingPair(t)
	ctx := context.Background()
	if _, err := holder.Acquire(ctx, "orders", 500*time.Millisecond); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	start := clock.Now()
	b := Backoff{Interval: 100 * time.Millisecond, Jitter: 0.5, Timeout: time.Second, Rand: func() float64 { return 0 }}
	h, err := waiter.AcquireBlocking(ctx, "orders", time.Second, b)
	if err != nil {
		t.Fatalf("acquire blocking: %v", err)
	}
	if elapsed := clock.Now().Sub(start); elapsed < 500*time.Millisecond || elapsed >= time.Second {
		t.Fatalf("unexpected wait %v", elapsed)
	}
	if h.State() != Held {
		t.Fatalf("expected held, got %s", h.State())
	}
}

func TestAcquireBlockingSingleAttempt(t *testing.T) {
	holder, waiter, _ := blockingPair(t)
	ctx := context.Background()
	if _, err := holder.Acquire(ctx, "orders", time.Second); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	_, err := waiter.AcquireBlocking(ctx, "orders", time.Second, Backoff{})
	if !errors.Is(err, latcherrors.ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
}

func TestAcquireBlockingStoreDown(t *testing.T) {
	l, mr := newRedisLocker(t)
	l.clock = newFakeClock(nil)
	mr.Close()

	b := Backoff{Interval: 100 * time.Millisecond, Jitter: -1, Timeout: 250 * time.Millisecond}
	_, err := l.AcquireBlocking(context.Background(), "orders", time.Second, b)
	if !errors.Is(err, latcherrors.ErrTimeout) || !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrTimeout joined with ErrStoreUnavailable, got %v", err)
	}
}

func TestAcquireBlockingInvalidArguments(t *testing.T) {
	_, waiter, clock := blockingPair(t)
	start := clock.Now()
	_, err := waiter.AcquireBlocking(context.Background(), "bad resource", time.Second, DefaultBackoff())
	if !errors.Is(err, latcherrors.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
	if !clock.Now().Equal(start) {
		t.Fatal("invalid arguments must not wait")
	}
}

func TestAcquireBlockingCancelled(t *testing.T) {
	holder, _ := newRedisLocker(t)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := holder.Acquire(ctx, "orders", 10*time.Second); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := holder.AcquireBlocking(ctx, "orders", time.Second, Backoff{Interval: time.Second, Timeout: 10 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAcquireBlockingWakesOnRelease(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	l, _ := newRedisLocker(t, WithBus(bus))
	ctx := context.Background()

	h, err := l.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = l.Release(ctx, h)
	}()

	start := time.Now()
	b := Backoff{Interval: 5 * time.Second, Jitter: -1, Timeout: 10 * time.Second}
	if _, err := l.AcquireBlocking(ctx, "orders", time.Second, b); err != nil {
		t.Fatalf("acquire blocking: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("release notification did not wake the waiter, waited %v", elapsed)
	}
}
