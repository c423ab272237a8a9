package watchbus

import (
	"context"
	"strings"
	"sync"
)

const watcherBuffer = 16

// InMemoryWatchBus is an in-memory implementation of WatchBus. Slow
// watchers lose events rather than blocking publishers.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish implements WatchBus.Publish.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- data:
		default:
		}
	}
	for prefix, chans := range b.prefixes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- data:
			default:
			}
		}
	}
	return nil
}

// Watch implements WatchBus.Watch.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.watch(ctx, b.subs, key)
}

// WatchPrefix implements WatchBus.WatchPrefix.
func (b *InMemoryWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.watch(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) watch(ctx context.Context, set map[string][]chan []byte, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, watcherBuffer)
	b.mu.Lock()
	set[key] = append(set[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch. It is safe to call more than once.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remove(b.subs, key, ch) {
		return nil
	}
	remove(b.prefixes, key, ch)
	return nil
}

func remove(set map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := set[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		close(c)
		if len(subs) == 0 {
			delete(set, key)
		} else {
			set[key] = subs
		}
		return true
	}
	return false
}

// Watchers returns the number of registered watchers, key and prefix alike.
func (b *InMemoryWatchBus) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		n += len(s)
	}
	for _, s := range b.prefixes {
		n += len(s)
	}
	return n
}
