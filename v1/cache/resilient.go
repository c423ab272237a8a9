package cache

import (
	"context"
	"log/slog"
	"time"
)

// ResilientCache wraps a Cache and turns its failures into misses and
// skipped writes, logging them instead. A guard in front of an unreachable
// cache then degrades to loading from the source every time.
type ResilientCache[T any] struct {
	inner  Cache[T]
	logger *slog.Logger
}

// NewResilient creates a new ResilientCache wrapper. A nil logger means
// slog.Default().
func NewResilient[T any](inner Cache[T], logger *slog.Logger) *ResilientCache[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientCache[T]{inner: inner, logger: logger}
}

// Get implements Cache.Get.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return val, false, ctx.Err()
		}
		r.logger.Warn("cache: get failed, treating as miss", "key", key, "error", err)
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.logger.Warn("cache: set failed, skipped", "key", key, "error", err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.inner.Invalidate(ctx, key); err != nil {
		r.logger.Warn("cache: invalidate failed, skipped", "key", key, "error", err)
	}
	return nil
}
