package syncbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	nats "github.com/nats-io/nats.go"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// NATSBus implements Bus using a NATS connection. Topics are mapped to
// subjects under a configurable prefix.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	f      *fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection. Subjects
// are published under "latch.".
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:   conn,
		prefix: "latch.",
		f:      newFanout(),
		subs:   make(map[string]*nats.Subscription),
	}
}

// subject maps a topic to a NATS subject. Dots and wildcards carry meaning
// in NATS subjects, so they are replaced.
func (b *NATSBus) subject(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", ":", ".")
	return b.prefix + r.Replace(topic)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(topic), []byte("1")); err != nil {
		return fmt.Errorf("%w: nats publish %s: %w", latcherrors.ErrStoreUnavailable, topic, err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	ch, first := b.f.add(topic)
	if first {
		sub, err := b.conn.Subscribe(b.subject(topic), func(_ *nats.Msg) {
			b.f.deliver(topic)
		})
		if err == nil {
			// Make sure the server knows about the interest before we return.
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.f.remove(topic, ch)
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: nats subscribe %s: %w", latcherrors.ErrStoreUnavailable, topic, err)
		}
		b.subs[topic] = sub
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, empty := b.f.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	if sub, ok := b.subs[topic]; ok {
		delete(b.subs, topic)
		return sub.Unsubscribe()
	}
	return nil
}

// Metrics returns delivery counters.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
