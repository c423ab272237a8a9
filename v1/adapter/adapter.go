// Package adapter provides the source-of-truth stores a stampede guard loads
// from on a cache miss.
package adapter

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Store is the authoritative source a stampede guard rebuilds from. A
// rebuild reads it once per expiry, and the validator scans it to compare
// against cached entries.
type Store[T any] interface {
	// Get reads key. A missing key is ok=false with a nil error.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set writes key. Guards never call it; it is how the source is filled.
	Set(ctx context.Context, key string, value T) error
	// Keys lists every key the validator should check.
	Keys(ctx context.Context) ([]string, error)
}

// InMemoryStore keeps the source in a map and counts the reads, so a caller
// can tell how many times guards went past the cache.
type InMemoryStore[T any] struct {
	reads atomic.Int64

	mu     sync.RWMutex
	values map[string]T
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{values: make(map[string]T)}
}

// Get implements Store.Get. Every call counts as a read, hit or miss.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	s.reads.Add(1)
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements Store.Set.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

// Delete drops key from the source. A later rebuild of key fails with
// stampede.ErrNotFound.
func (s *InMemoryStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

// Keys implements Store.Keys, in sorted order.
func (s *InMemoryStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Reads returns how many times Get was called.
func (s *InMemoryStore[T]) Reads() int64 { return s.reads.Load() }
