package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

type flakyNode struct {
	fail  atomic.Bool
	calls atomic.Int64
}

func (n *flakyNode) err() error {
	n.calls.Add(1)
	if n.fail.Load() {
		return fmt.Errorf("%w: flaky: dial refused", latcherrors.ErrStoreUnavailable)
	}
	return nil
}

func (n *flakyNode) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := n.err(); err != nil {
		return false, err
	}
	return true, nil
}

func (n *flakyNode) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return int64(1), n.err()
}

func (n *flakyNode) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, n.err()
}

func (n *flakyNode) Del(ctx context.Context, key string) error { return n.err() }

func (n *flakyNode) PTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	return 0, false, n.err()
}

func (n *flakyNode) Addr() string { return "flaky" }

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	node := &flakyNode{}
	node.fail.Store(true)
	cb := NewCircuitBreaker(node, 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := cb.SetNX(ctx, "k", "v", time.Second); !errors.Is(err, latcherrors.ErrStoreUnavailable) {
			t.Fatalf("attempt %d: expected store error, got %v", i, err)
		}
	}
	if cb.IsHealthy() {
		t.Fatal("expected breaker to be open")
	}
	_, err := cb.SetNX(ctx, "k", "v", time.Second)
	if !errors.Is(err, latcherrors.ErrCircuitOpen) || !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("expected open circuit error, got %v", err)
	}
	if got := node.calls.Load(); got != 2 {
		t.Fatalf("open breaker must not reach the node, calls=%d", got)
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	node := &flakyNode{}
	node.fail.Store(true)
	cb := NewCircuitBreaker(node, 1, 10*time.Millisecond)
	ctx := context.Background()

	_ = cb.Del(ctx, "k")
	if _, _, err := cb.Get(ctx, "k"); !errors.Is(err, latcherrors.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	node.fail.Store(false)
	time.Sleep(20 * time.Millisecond)
	if !cb.IsHealthy() {
		t.Fatal("cooldown elapsed, breaker should allow a probe")
	}
	if _, _, err := cb.PTTL(ctx, "k"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, err := cb.Eval(ctx, nil, []string{"k"}); err != nil {
		t.Fatalf("closed breaker: %v", err)
	}
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	node := &flakyNode{}
	cb := NewCircuitBreaker(node, 1, time.Hour)
	cb.record(context.Canceled)
	if !cb.IsHealthy() {
		t.Fatal("cancellation must not open the breaker")
	}
}
