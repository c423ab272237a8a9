package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/cache"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store on Redis. Values are encoded with a
// cache.Codec, JSON by default.
type RedisStore[T any] struct {
	client  redis.UniversalClient
	timeout time.Duration
	prefix  string
	codec   cache.Codec
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
	codec   cache.Codec
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) { o.timeout = d }
}

// WithPrefix namespaces every key. Keys reports keys without the prefix.
func WithPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) { o.prefix = prefix }
}

// WithCodec replaces the JSON codec.
func WithCodec(c cache.Codec) RedisOption {
	return func(o *redisStoreOptions) { o.codec = c }
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client redis.UniversalClient, opts ...RedisOption) *RedisStore[T] {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, codec: cache.JSONCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[T]{client: client, timeout: o.timeout, prefix: o.prefix, codec: o.codec}
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, s.wrap(ctx, err)
	}
	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("adapter: decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, s.prefix+key, data, 0).Err(); err != nil {
		return s.wrap(ctx, err)
	}
	return nil
}

// Delete removes key from the source.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(cctx, s.prefix+key).Err(); err != nil {
		return s.wrap(ctx, err)
	}
	return nil
}

// Keys implements Store.Keys using SCAN.
func (s *RedisStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(cctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, s.wrap(ctx, err)
		}
		for _, k := range batch {
			keys = append(keys, k[len(s.prefix):])
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// wrap maps a Redis failure: the caller's own cancellation is returned as
// is, an expired operation timeout becomes ErrTimeout and the rest are
// transport failures.
func (s *RedisStore[T]) wrap(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(latcherrors.ErrTimeout, err)
	case errors.Is(err, redis.ErrClosed):
		return errors.Join(latcherrors.ErrConnectionClosed, err)
	}
	return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, err)
}
