package adapter_test

import (
	"context"
	"testing"

	"github.com/mirkobrombin/go-latch/v1/adapter"
)

func TestInMemoryStoreGetSetKeys(t *testing.T) {
	s := adapter.NewInMemoryStore[string]()
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "foo"); err != nil || ok {
		t.Fatalf("Get: expected not found, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("Get: expected bar, got %v ok=%v err=%v", v, ok, err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "foo" {
		t.Fatalf("Keys: expected [foo], got %v", keys)
	}
}

func TestInMemoryStoreDelete(t *testing.T) {
	s := adapter.NewInMemoryStore[string]()
	ctx := context.Background()
	_ = s.Set(ctx, "keep", "a")
	_ = s.Set(ctx, "remove", "b")
	if err := s.Delete(ctx, "remove"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "remove"); ok {
		t.Fatal("Delete: key still present")
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "keep" {
		t.Fatalf("Keys: expected [keep], got %v", keys)
	}
}

func TestInMemoryStoreCancelledContext(t *testing.T) {
	s := adapter.NewInMemoryStore[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Get(ctx, "foo"); err == nil {
		t.Fatal("Get: expected context error")
	}
	if err := s.Set(ctx, "foo", "bar"); err == nil {
		t.Fatal("Set: expected context error")
	}
	if _, err := s.Keys(ctx); err == nil {
		t.Fatal("Keys: expected context error")
	}
}

func TestInMemoryStoreCountsReads(t *testing.T) {
	s := adapter.NewInMemoryStore[int]()
	ctx := context.Background()
	_ = s.Set(ctx, "b", 2)
	_ = s.Set(ctx, "a", 1)
	_, _, _ = s.Get(ctx, "a")
	_, _, _ = s.Get(ctx, "missing")
	if n := s.Reads(); n != 2 {
		t.Fatalf("expected 2 reads, got %d", n)
	}
	keys, _ := s.Keys(ctx)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
}
