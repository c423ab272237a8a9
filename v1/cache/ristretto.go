package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache implements Cache using dgraph-io/ristretto. Admission is
// probabilistic: a Set may be dropped under pressure, which a read-through
// guard simply sees as a miss.
type RistrettoCache[T any] struct {
	c    *ristretto.Cache
	cost func(T) int64
}

// RistrettoOption configures a RistrettoCache.
type RistrettoOption[T any] func(*ristrettoOptions[T])

type ristrettoOptions[T any] struct {
	cfg  ristretto.Config
	cost func(T) int64
}

// WithRistretto replaces the ristretto configuration.
func WithRistretto[T any](cfg ristretto.Config) RistrettoOption[T] {
	return func(o *ristrettoOptions[T]) { o.cfg = cfg }
}

// WithCost sets the cost charged per entry against MaxCost. By default each
// entry costs 1, making MaxCost an entry count.
func WithCost[T any](cost func(T) int64) RistrettoOption[T] {
	return func(o *ristrettoOptions[T]) { o.cost = cost }
}

// NewRistretto returns a Cache backed by ristretto holding up to 10k
// entries by default.
func NewRistretto[T any](opts ...RistrettoOption[T]) (*RistrettoCache[T], error) {
	o := ristrettoOptions[T]{
		cfg: ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     1e4,
			BufferItems: 64,
		},
		cost: func(T) int64 { return 1 },
	}
	for _, opt := range opts {
		opt(&o)
	}
	rc, err := ristretto.NewCache(&o.cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: ristretto: %w", err)
	}
	return &RistrettoCache[T]{c: rc, cost: o.cost}, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	r.c.SetWithTTL(key, value, r.cost(value), ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	return nil
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
