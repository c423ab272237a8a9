package syncbus

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/syncbus")

// RedisBus implements Bus over Redis pub/sub. It is usually pointed at the
// same Redis that stores the locks.
type RedisBus struct {
	client redis.UniversalClient
	f      *fanout

	mu      sync.Mutex
	subs    map[string]*redis.PubSub
	pending map[string]*pendingSub
	closed  bool
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		f:       newFanout(),
		subs:    make(map[string]*redis.PubSub),
		pending: make(map[string]*pendingSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	ctx, span := tracer.Start(ctx, "syncbus.RedisBus.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("latch.topic", topic))
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: publish %s: %w", latcherrors.ErrStoreUnavailable, topic, err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber of a topic opens
// the Redis subscription; it is confirmed before Subscribe returns so no
// publish issued afterwards is missed. Subscribers arriving while it is
// being confirmed wait for the same confirmation.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, latcherrors.ErrConnectionClosed
	}
	ch, _ := b.f.add(topic)
	p, opening := b.pending[topic]
	_, live := b.subs[topic]
	if !opening && !live {
		p = &pendingSub{done: make(chan struct{})}
		b.pending[topic] = p
	}
	b.mu.Unlock()

	switch {
	case live:
	case opening:
		select {
		case <-p.done:
		case <-ctx.Done():
			_ = b.Unsubscribe(context.Background(), topic, ch)
			return nil, ctx.Err()
		}
	default:
		b.open(ctx, topic, p)
	}
	if p != nil && p.err != nil {
		b.mu.Lock()
		b.f.remove(topic, ch)
		b.mu.Unlock()
		return nil, p.err
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

type pendingSub struct {
	done chan struct{}
	err  error
}

// open subscribes to topic on Redis without holding b.mu and settles p.
func (b *RedisBus) open(ctx context.Context, topic string, p *pendingSub) {
	ps := b.client.Subscribe(context.Background(), topic)
	_, err := ps.Receive(ctx)

	b.mu.Lock()
	delete(b.pending, topic)
	switch {
	case err != nil:
		_ = ps.Close()
		p.err = fmt.Errorf("%w: subscribe %s: %w", latcherrors.ErrStoreUnavailable, topic, err)
	case b.closed:
		_ = ps.Close()
		p.err = latcherrors.ErrConnectionClosed
	default:
		b.subs[topic] = ps
		go b.dispatch(topic, ps)
	}
	b.mu.Unlock()
	close(p.done)
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.f.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, empty := b.f.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	if ps, ok := b.subs[topic]; ok {
		delete(b.subs, topic)
		return ps.Close()
	}
	return nil
}

// Close drops every subscription. The client itself is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for topic, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, topic)
	}
	b.f.closeAll()
	return nil
}

// Metrics returns delivery counters.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}
