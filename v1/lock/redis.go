package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

const (
	// DefaultKeyPrefix namespaces lock keys in the store.
	DefaultKeyPrefix = "lock:"
	// MaxResourceLen bounds resource names in bytes.
	MaxResourceLen = 512
)

// Locker acquires, renews and releases locks on a single store node.
type Locker struct {
	node   store.Node
	prefix string
	bus    syncbus.Bus
	events watchbus.WatchBus
	logger *slog.Logger
	clock  Clock
}

// Option configures a Locker.
type Option func(*Locker)

// WithKeyPrefix replaces the "lock:" key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithBus publishes release notifications on bus and lets AcquireBlocking
// wake up on them.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Locker) { l.bus = bus }
}

// WithEvents streams lifecycle events to bus.
func WithEvents(bus watchbus.WatchBus) Option {
	return func(l *Locker) { l.events = bus }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(l *Locker) { l.clock = c }
}

// New returns a Locker backed by node.
func New(node store.Node, opts ...Option) *Locker {
	l := &Locker{node: node, prefix: DefaultKeyPrefix, logger: slog.Default(), clock: SystemClock}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Node returns the underlying store node.
func (l *Locker) Node() store.Node { return l.node }

// Key returns the store key for resource.
func (l *Locker) Key(resource string) string { return l.prefix + resource }

// NewToken returns a fresh random ownership token (UUIDv4 from crypto/rand).
func NewToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("lock: generate token: %w", err)
	}
	return id.String(), nil
}

// ValidateResource checks that resource can be used as part of a store key:
// non-empty, at most MaxResourceLen bytes of valid UTF-8 with no whitespace
// or control characters.
func ValidateResource(resource string) error {
	if resource == "" {
		return fmt.Errorf("%w: empty", latcherrors.ErrInvalidResource)
	}
	if len(resource) > MaxResourceLen {
		return fmt.Errorf("%w: longer than %d bytes", latcherrors.ErrInvalidResource, MaxResourceLen)
	}
	if !utf8.ValidString(resource) {
		return fmt.Errorf("%w: not valid utf-8", latcherrors.ErrInvalidResource)
	}
	if i := strings.IndexFunc(resource, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}); i >= 0 {
		return fmt.Errorf("%w: whitespace or control character at byte %d", latcherrors.ErrInvalidResource, i)
	}
	return nil
}

func validate(resource string, ttl time.Duration) error {
	if err := ValidateResource(resource); err != nil {
		return err
	}
	// PX and PEXPIRE take whole milliseconds and PEXPIRE 0 deletes the key.
	if ttl < time.Millisecond {
		return latcherrors.ErrInvalidTTL
	}
	return nil
}

// Acquire makes a single attempt to take the lock on resource for ttl. It
// returns ErrAlreadyHeld when another owner holds it.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Handle, error) {
	if err := validate(resource, ttl); err != nil {
		return nil, err
	}
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	return l.AcquireWithToken(ctx, resource, token, ttl)
}

// AcquireWithToken is Acquire with a caller supplied ownership token.
func (l *Locker) AcquireWithToken(ctx context.Context, resource, token string, ttl time.Duration) (*Handle, error) {
	if err := validate(resource, ttl); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("lock: empty token")
	}
	ctx, span := l.start(ctx, "lock.Acquire", resource)
	defer span.End()

	key := l.Key(resource)
	at := l.clock.Now()
	ok, err := l.node.SetNX(ctx, key, token, ttl)
	if err != nil {
		metrics.AcquireCounter.WithLabelValues("error").Inc()
		fail(span, err)
		return nil, err
	}
	if !ok {
		metrics.AcquireCounter.WithLabelValues("contended").Inc()
		span.SetAttributes(attribute.Bool("latch.acquired", false))
		l.emit(ctx, watchbus.Event{Type: watchbus.EventContended, Resource: resource})
		return nil, latcherrors.ErrAlreadyHeld
	}
	metrics.AcquireCounter.WithLabelValues("acquired").Inc()
	span.SetAttributes(attribute.Bool("latch.acquired", true))
	l.emit(ctx, watchbus.Event{Type: watchbus.EventAcquired, Resource: resource, Owner: watchbus.Fingerprint(token), TTL: ttl})
	return newHandle(resource, key, token, ttl, l.clock, at), nil
}

// Renew extends the lease of h by its ttl if h still owns the lock. It
// reports false, and marks h Failed, when another owner holds it or the key
// is gone. Store errors leave h untouched.
func (l *Locker) Renew(ctx context.Context, h *Handle) (bool, error) {
	if h == nil || h.token == "" {
		return false, nil
	}
	ctx, span := l.start(ctx, "lock.Renew", h.resource)
	defer span.End()

	at := l.clock.Now()
	ok, err := l.renew(ctx, h.key, h.token, h.ttl)
	if err != nil {
		metrics.RenewCounter.WithLabelValues("error").Inc()
		fail(span, err)
		return false, err
	}
	if !ok {
		metrics.RenewCounter.WithLabelValues("lost").Inc()
		h.setState(Failed)
		l.emit(ctx, watchbus.Event{Type: watchbus.EventLost, Resource: h.resource, Owner: watchbus.Fingerprint(h.token)})
		return false, nil
	}
	metrics.RenewCounter.WithLabelValues("renewed").Inc()
	h.renewed(at)
	l.emit(ctx, watchbus.Event{Type: watchbus.EventRenewed, Resource: h.resource, Owner: watchbus.Fingerprint(h.token), TTL: h.ttl})
	return true, nil
}

// RenewToken extends the lease on resource to ttl if token still owns it.
func (l *Locker) RenewToken(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if err := validate(resource, ttl); err != nil {
		return false, err
	}
	return l.renew(ctx, l.Key(resource), token, ttl)
}

func (l *Locker) renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := l.node.Eval(ctx, renewScript, []string{key}, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return scriptOK(res), nil
}

// Release stops the watchdog attached to h, if any, and then deletes the
// lock if h still owns it. It reports false, and marks h Expired, when the
// lease had already passed to someone else or run out. A Failed handle stays
// Failed.
func (l *Locker) Release(ctx context.Context, h *Handle) (bool, error) {
	if h == nil || h.token == "" {
		return false, nil
	}
	if w := h.attached(); w != nil {
		w.Stop()
	}
	ctx, span := l.start(ctx, "lock.Release", h.resource)
	defer span.End()

	ok, err := l.release(ctx, h.resource, h.key, h.token)
	if err != nil {
		fail(span, err)
		return false, err
	}
	switch {
	case ok:
		h.setState(Released)
	case h.State() != Failed:
		h.setState(Expired)
	}
	return ok, nil
}

// ReleaseToken deletes the lock on resource if token owns it.
func (l *Locker) ReleaseToken(ctx context.Context, resource, token string) (bool, error) {
	if err := ValidateResource(resource); err != nil {
		return false, err
	}
	return l.release(ctx, resource, l.Key(resource), token)
}

func (l *Locker) release(ctx context.Context, resource, key, token string) (bool, error) {
	res, err := l.node.Eval(ctx, releaseScript, []string{key}, token)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		return false, err
	}
	if !scriptOK(res) {
		metrics.ReleaseCounter.WithLabelValues("not_owner").Inc()
		return false, nil
	}
	metrics.ReleaseCounter.WithLabelValues("released").Inc()
	if l.bus != nil {
		if err := l.bus.Publish(ctx, syncbus.UnlockTopic(resource)); err != nil {
			l.logger.Warn("lock: publish release", "resource", resource, "error", err)
		}
	}
	l.emit(ctx, watchbus.Event{Type: watchbus.EventReleased, Resource: resource, Owner: watchbus.Fingerprint(token)})
	return true, nil
}

// Status is a point-in-time view of a lock key.
type Status struct {
	Resource string
	Key      string
	Held     bool
	// Owner is the ownership token of the current holder.
	Owner string
	// TTL is the remaining lease, store.NoExpiry for a key without expiry.
	TTL time.Duration
}

// Inspect reports who holds resource and for how long.
func (l *Locker) Inspect(ctx context.Context, resource string) (Status, error) {
	if err := ValidateResource(resource); err != nil {
		return Status{}, err
	}
	st := Status{Resource: resource, Key: l.Key(resource)}
	owner, ok, err := l.node.Get(ctx, st.Key)
	if err != nil || !ok {
		return st, err
	}
	ttl, ok, err := l.node.PTTL(ctx, st.Key)
	if err != nil || !ok {
		// expired between the two reads
		return st, err
	}
	st.Held, st.Owner, st.TTL = true, owner, ttl
	return st, nil
}

func (l *Locker) emit(ctx context.Context, ev watchbus.Event) {
	if l.events == nil {
		return
	}
	ev.Node = l.node.Addr()
	ev.At = l.clock.Now()
	if err := watchbus.Emit(ctx, l.events, ev); err != nil {
		l.logger.Debug("lock: emit event", "type", ev.Type, "resource", ev.Resource, "error", err)
	}
}

func (l *Locker) start(ctx context.Context, name, resource string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("latch.resource", resource),
		attribute.String("latch.node", l.node.Addr()),
	)
	return ctx, span
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func scriptOK(res any) bool {
	n, ok := res.(int64)
	return ok && n == 1
}
