package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisNode implements Node on top of a go-redis client.
type RedisNode struct {
	client  redis.UniversalClient
	addr    string
	timeout time.Duration
}

// RedisOption configures a RedisNode.
type RedisOption func(*redisNodeOptions)

type redisNodeOptions struct {
	timeout time.Duration
	addr    string
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisNodeOptions) {
		o.timeout = d
	}
}

// WithAddr overrides the address reported by Addr.
func WithAddr(addr string) RedisOption {
	return func(o *redisNodeOptions) {
		o.addr = addr
	}
}

// NewRedisNode returns a Node backed by client.
func NewRedisNode(client redis.UniversalClient, opts ...RedisOption) *RedisNode {
	o := redisNodeOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.addr == "" {
		if c, ok := client.(*redis.Client); ok {
			o.addr = c.Options().Addr
		}
	}
	return &RedisNode{client: client, addr: o.addr, timeout: o.timeout}
}

// Dial parses a redis:// URL (or a bare host:port) and returns a node
// connected to it.
func Dial(url string, opts ...RedisOption) (*RedisNode, error) {
	var ropts *redis.Options
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("store: parse %q: %w", url, err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: url}
	}
	return NewRedisNode(redis.NewClient(ropts), opts...), nil
}

// Addr implements Node.Addr.
func (n *RedisNode) Addr() string { return n.addr }

// Client exposes the underlying client, e.g. to share it with a cache.
func (n *RedisNode) Client() redis.UniversalClient { return n.client }

// Close closes the underlying client.
func (n *RedisNode) Close() error { return n.client.Close() }

// SetNX implements Node.SetNX.
func (n *RedisNode) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	ok, err := n.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, n.wrap(ctx, err)
	}
	return ok, nil
}

// Eval implements Node.Eval.
func (n *RedisNode) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	res, err := script.Run(cctx, n.client, keys, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, n.wrap(ctx, err)
	}
	return res, nil
}

// Get implements Node.Get.
func (n *RedisNode) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	v, err := n.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, n.wrap(ctx, err)
	}
	return v, true, nil
}

// Del implements Node.Del.
func (n *RedisNode) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.client.Del(cctx, key).Err(); err != nil {
		return n.wrap(ctx, err)
	}
	return nil
}

// PTTL implements Node.PTTL.
func (n *RedisNode) PTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	d, err := n.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, false, n.wrap(ctx, err)
	}
	// go-redis passes the -2/-1 sentinels through unscaled.
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return NoExpiry, true, nil
	}
	return d, true, nil
}

// wrap classifies err. A caller that cancelled its own context gets the
// context error back; anything else is a transport failure.
func (n *RedisNode) wrap(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		err = stdErrors.Join(latcherrors.ErrConnectionClosed, err)
	}
	return fmt.Errorf("%w: %s: %w", latcherrors.ErrStoreUnavailable, n.addr, err)
}
