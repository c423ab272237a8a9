package cache

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// RedisCache implements Cache on Redis, sharing entries between processes.
type RedisCache[T any] struct {
	client redis.UniversalClient
	codec  Codec
}

// NewRedis returns a new RedisCache using the provided Redis client.
// If codec is nil, JSONCodec is used by default.
func NewRedis[T any](client redis.UniversalClient, codec Codec) *RedisCache[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisCache[T]{client: client, codec: codec}
}

// Get implements Cache.Get. A value that fails to decode is reported as an
// error, not a miss.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, c.wrap(ctx, "get", key, err)
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return c.wrap(ctx, "set", key, err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *RedisCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return c.wrap(ctx, "del", key, err)
	}
	return nil
}

func (c *RedisCache[T]) wrap(ctx context.Context, op, key string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("%w: cache %s %s: %w", latcherrors.ErrStoreUnavailable, op, key, err)
}
