package redlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/store"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

func newNodes(t *testing.T, n int) ([]*miniredis.Miniredis, []store.Node) {
	t.Helper()
	var (
		mrs   []*miniredis.Miniredis
		nodes []store.Node
	)
	for i := 0; i < n; i++ {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() {
			_ = client.Close()
			mr.Close()
		})
		mrs = append(mrs, mr)
		nodes = append(nodes, store.NewRedisNode(client, store.WithTimeout(time.Second)))
	}
	return mrs, nodes
}

func newRedlock(t *testing.T, n int, opts ...Option) (*Redlock, []*miniredis.Miniredis) {
	t.Helper()
	mrs, nodes := newNodes(t, n)
	r, err := New(nodes, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return r, mrs
}

func TestAcquireRelease(t *testing.T) {
	r, mrs := newRedlock(t, 3)
	ctx := context.Background()

	s, err := r.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.Quorum() != 2 || len(s.Nodes()) != 3 || !s.Valid() {
		t.Fatalf("unexpected session quorum %d nodes %v valid %v", s.Quorum(), s.Nodes(), s.Valid())
	}
	for i, mr := range mrs {
		if got, _ := mr.Get("lock:orders"); got != s.Token() {
			t.Fatalf("node %d holds %q, want session token", i, got)
		}
	}
	if limit := 10*time.Second - 100*time.Millisecond - 2*time.Millisecond; s.Validity() > limit || s.Validity() <= 0 {
		t.Fatalf("validity %v must account for drift (max %v)", s.Validity(), limit)
	}

	n, err := r.Release(ctx, s)
	if err != nil || n != 3 {
		t.Fatalf("release: n %d err %v", n, err)
	}
	for i, mr := range mrs {
		if mr.Exists("lock:orders") {
			t.Fatalf("node %d still holds the lock", i)
		}
	}
	if s.Valid() {
		t.Fatal("released session must not be valid")
	}
}

func TestAcquireWithOneNodeDown(t *testing.T) {
	r, mrs := newRedlock(t, 3)
	mrs[2].Close()

	s, err := r.Acquire(context.Background(), "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := s.Nodes(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected granting nodes %v", got)
	}
	n, err := r.Release(context.Background(), s)
	if err != nil || n != 2 {
		t.Fatalf("release with a node down: n %d err %v", n, err)
	}
}

func TestAcquireWithTwoNodesDownRollsBack(t *testing.T) {
	r, mrs := newRedlock(t, 3)
	mrs[1].Close()
	mrs[2].Close()

	_, err := r.Acquire(context.Background(), "orders", 10*time.Second)
	if !errors.Is(err, latcherrors.ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	if !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("expected node errors to be joined, got %v", err)
	}
	if mrs[0].Exists("lock:orders") {
		t.Fatal("surviving node must be rolled back")
	}
}

func TestAcquireContended(t *testing.T) {
	r, mrs := newRedlock(t, 3)
	ctx := context.Background()

	first, err := r.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := r.Acquire(ctx, "orders", 10*time.Second); !errors.Is(err, latcherrors.ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	for i, mr := range mrs {
		if got, _ := mr.Get("lock:orders"); got != first.Token() {
			t.Fatalf("rollback touched the holder's key on node %d: %q", i, got)
		}
	}
}

func TestPartialGrantRollsBack(t *testing.T) {
	r, mrs := newRedlock(t, 3)
	for _, mr := range mrs[:2] {
		if err := mr.Set("lock:orders", "other"); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if _, err := r.Acquire(context.Background(), "orders", 10*time.Second); !errors.Is(err, latcherrors.ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	if mrs[2].Exists("lock:orders") {
		t.Fatal("minority grant must be rolled back")
	}
	for _, mr := range mrs[:2] {
		if got, _ := mr.Get("lock:orders"); got != "other" {
			t.Fatalf("foreign key disturbed: %q", got)
		}
	}
}

// slowClock advances by step on every reading.
type slowClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *slowClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *slowClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func TestAcquireFailsWhenValidityIsSpent(t *testing.T) {
	clock := &slowClock{now: time.Unix(1_700_000_000, 0), step: time.Second}
	r, mrs := newRedlock(t, 3, WithClock(clock))

	_, err := r.Acquire(context.Background(), "orders", time.Second)
	if !errors.Is(err, latcherrors.ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	for i, mr := range mrs {
		if mr.Exists("lock:orders") {
			t.Fatalf("node %d not rolled back", i)
		}
	}
}

func TestExtend(t *testing.T) {
	r, mrs := newRedlock(t, 3, WithSequential())
	ctx := context.Background()

	s, err := r.Acquire(ctx, "orders", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for _, mr := range mrs {
		mr.FastForward(800 * time.Millisecond)
	}
	ok, err := r.Extend(ctx, s)
	if err != nil || !ok {
		t.Fatalf("extend: ok %v err %v", ok, err)
	}
	for i, mr := range mrs {
		if ttl := mr.TTL("lock:orders"); ttl != time.Second {
			t.Fatalf("node %d ttl %v, want 1s", i, ttl)
		}
	}

	for _, mr := range mrs[:2] {
		_ = mr.Set("lock:orders", "other")
	}
	ok, err = r.Extend(ctx, s)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ok {
		t.Fatal("extend must fail without a quorum")
	}
}

func TestNodeTimeoutIsCapped(t *testing.T) {
	_, nodes := newNodes(t, 3)
	r, err := New(nodes, WithNodeTimeout(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d := r.timeoutFor(time.Second); d != 100*time.Millisecond {
		t.Fatalf("expected ttl/10, got %v", d)
	}
	r, _ = New(nodes, WithNodeTimeout(10*time.Millisecond))
	if d := r.timeoutFor(time.Second); d != 10*time.Millisecond {
		t.Fatalf("expected configured timeout, got %v", d)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for no nodes")
	}
	_, nodes := newNodes(t, 1)
	if _, err := New(nodes, WithDriftFactor(-1)); err == nil {
		t.Fatal("expected error for negative drift")
	}
	r, err := New(nodes)
	if err != nil {
		t.Fatalf("single node: %v", err)
	}
	if r.Quorum() != 1 {
		t.Fatalf("expected quorum 1, got %d", r.Quorum())
	}
	if _, err := r.Acquire(context.Background(), "", time.Second); !errors.Is(err, latcherrors.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
	if _, err := r.Acquire(context.Background(), "orders", 500*time.Microsecond); !errors.Is(err, latcherrors.ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	r, mrs := newRedlock(t, 3, WithCircuitBreaker(1, time.Minute))
	mrs[1].Close()
	mrs[2].Close()
	ctx := context.Background()

	if _, err := r.Acquire(ctx, "orders", time.Second); !errors.Is(err, latcherrors.ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	_, err := r.Acquire(ctx, "orders", time.Second)
	if !errors.Is(err, latcherrors.ErrCircuitOpen) {
		t.Fatalf("expected open breakers, got %v", err)
	}
}

// stepClock moves forward only when waited on, dragging every node along.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
	mrs []*miniredis.Miniredis
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for _, mr := range c.mrs {
		mr.FastForward(d)
	}
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func TestAcquireBlocking(t *testing.T) {
	mrs, nodes := newNodes(t, 3)
	clock := &stepClock{now: time.Unix(1_700_000_000, 0), mrs: mrs}
	r, err := New(nodes, WithClock(clock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := r.Acquire(ctx, "orders", 500*time.Millisecond); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	b := lock.Backoff{Interval: 100 * time.Millisecond, Jitter: -1, Timeout: time.Second}
	s, err := r.AcquireBlocking(ctx, "orders", time.Second, b)
	if err != nil {
		t.Fatalf("acquire blocking: %v", err)
	}
	if len(s.Nodes()) != 3 {
		t.Fatalf("expected all nodes, got %v", s.Nodes())
	}

	_, err = r.AcquireBlocking(ctx, "orders", time.Second, lock.Backoff{Interval: 100 * time.Millisecond, Jitter: -1, Timeout: 500 * time.Millisecond})
	if !errors.Is(err, latcherrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReleasePublishes(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	r, _ := newRedlock(t, 3, WithBus(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, syncbus.UnlockTopic("orders"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s, err := r.Acquire(ctx, "orders", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := r.Release(ctx, s); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no release notification")
	}
}
