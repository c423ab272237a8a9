// Package watchbus streams lock lifecycle events to observers. Lockers
// publish an Event per acquisition, renewal outcome and release; operators
// follow them per resource or per resource prefix over SSE or WebSocket.
package watchbus

import (
	"context"
	"encoding/json"
	"time"
)

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key and to every
	// prefix watcher whose prefix matches key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// WatchPrefix subscribes to messages for every key starting with prefix.
	// An empty prefix matches everything.
	WatchPrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages to ch. key is the key or prefix ch
	// was registered with.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// EventType names a lock lifecycle transition.
type EventType string

const (
	EventAcquired  EventType = "acquired"
	EventContended EventType = "contended"
	EventRenewed   EventType = "renewed"
	EventReleased  EventType = "released"
	EventLost      EventType = "lost"
)

// Event is the payload published for every lock transition. Owner is a short
// fingerprint of the ownership token, never the token itself, since the
// token is what authorizes a release.
type Event struct {
	Type     EventType     `json:"type"`
	Resource string        `json:"resource"`
	Owner    string        `json:"owner,omitempty"`
	Node     string        `json:"node,omitempty"`
	TTL      time.Duration `json:"ttl,omitempty"`
	At       time.Time     `json:"at"`
}

// Fingerprint shortens an ownership token for display.
func Fingerprint(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

// Emit publishes ev on bus under its resource. A nil bus is a no-op.
func Emit(ctx context.Context, bus WatchBus, ev Event) error {
	if bus == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, ev.Resource, data)
}

// Decode parses a payload produced by Emit.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
