package syncbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, UnlockTopic("orders"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, UnlockTopic("orders")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRedisBusCrossInstance(t *testing.T) {
	sub, client := newRedisBus(t)
	pub := NewRedisBus(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx, "unlock:r")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "unlock:r"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("notification did not cross bus instances")
	}
}

func TestRedisBusUnsubscribeClosesPubSub(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "unlock:r")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["unlock:r"]; ok {
		t.Fatal("pubsub still open after last subscriber left")
	}
}

func TestRedisBusConcurrentSubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 8
	chans := make([]chan struct{}, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chans[i], errs[i] = bus.Subscribe(ctx, "unlock:r")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	bus.mu.Lock()
	subs, pending := len(bus.subs), len(bus.pending)
	bus.mu.Unlock()
	if subs != 1 || pending != 0 {
		t.Fatalf("expected one live subscription, got subs=%d pending=%d", subs, pending)
	}

	if err := bus.Publish(ctx, "unlock:r"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range chans {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d not notified", i)
		}
	}
}

func TestRedisBusSubscribeAfterClose(t *testing.T) {
	bus, _ := newRedisBus(t)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "unlock:r"); err == nil {
		t.Fatal("expected error after close")
	}
}
