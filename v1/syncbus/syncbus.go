// Package syncbus carries release notifications between processes so that
// callers blocked on a contended lock can retry as soon as the holder lets go
// instead of sleeping out their whole backoff interval.
//
// Notifications are hints: a missed or duplicated message only costs one
// backoff interval, so every implementation delivers best-effort.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// UnlockTopic is the topic a released resource is announced on.
func UnlockTopic(resource string) string {
	return "unlock:" + resource
}

// Metrics reports how many notifications went out and reached a subscriber.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout is the subscriber registry shared by every Bus implementation.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers a new buffered channel and reports whether it is the first
// one for topic.
func (f *fanout) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left. It
// returns found=false if ch was already removed.
func (f *fanout) remove(topic string, ch chan struct{}) (found, empty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default: // a wake-up is already pending
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, topic)
	}
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// InMemoryBus is a process-local Bus, used when every contender lives in the
// same process and in tests.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	b.f.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done
// or Unsubscribe is called.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns delivery counters.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
