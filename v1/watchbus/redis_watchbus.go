package watchbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// RedisChannelPrefix namespaces event channels on the Redis server.
const RedisChannelPrefix = "latch:events:"

// RedisWatchBus carries events over Redis pub/sub so that one observer sees
// the lockers of every process sharing the server. Like the in-memory bus
// it drops events for watchers that fall behind.
type RedisWatchBus struct {
	client redis.UniversalClient
	mu     sync.Mutex
	subs   map[chan []byte]*redisWatch
}

type redisWatch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client redis.UniversalClient) *RedisWatchBus {
	return &RedisWatchBus{client: client, subs: make(map[chan []byte]*redisWatch)}
}

// Publish implements WatchBus.Publish.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := b.client.Publish(ctx, RedisChannelPrefix+key, data).Err(); err != nil {
		return fmt.Errorf("%w: watchbus publish: %w", latcherrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Watch implements WatchBus.Watch.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.watch(ctx, b.client.Subscribe(ctx, RedisChannelPrefix+key))
}

// WatchPrefix implements WatchBus.WatchPrefix.
func (b *RedisWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.watch(ctx, b.client.PSubscribe(ctx, RedisChannelPrefix+escapeGlob(prefix)+"*"))
}

func (b *RedisWatchBus) watch(ctx context.Context, ps *redis.PubSub) (chan []byte, error) {
	// Wait for the subscription to be confirmed so no event published after
	// Watch returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: watchbus subscribe: %w", latcherrors.ErrStoreUnavailable, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, watcherBuffer)
	w := &redisWatch{cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[ch] = w
	b.mu.Unlock()

	go func() {
		defer close(w.done)
		defer close(ch)
		defer ps.Close()
		defer func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		}()
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch. It returns once ch is closed and is
// safe to call more than once.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	w, ok := b.subs[ch]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watchers returns the number of open subscriptions.
func (b *RedisWatchBus) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
