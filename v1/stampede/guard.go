// Package stampede protects a read-through cache from stampedes: when a key
// is missing or stale, only one caller across every process rebuilds it
// while the others wait for the result or keep serving the stale value.
package stampede

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	"github.com/mirkobrombin/go-latch/v1/cache"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/stampede")

const (
	CacheKeyPrefix   = "cache:"
	RebuildKeyPrefix = "rebuild:"

	DefaultLockTTL      = 5 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultWaitTimeout  = 1500 * time.Millisecond
)

// ErrNotFound is returned by a FromStore loader for keys the source lacks.
var ErrNotFound = errors.New("stampede: key not found in source")

// Entry is the cached envelope. SoftExpireAt is when the value turns stale;
// the cache keeps it until the stale-while-revalidate window also passed.
type Entry[T any] struct {
	Value        T         `json:"value"`
	SoftExpireAt time.Time `json:"soft_expire_at"`
}

// Loader produces the value of key from the source of truth. ctx is done
// once the rebuild lock can no longer be assumed held.
type Loader[T any] func(ctx context.Context, key string) (T, error)

// FromStore turns a source-of-truth store into a Loader.
func FromStore[T any](s adapter.Store[T]) Loader[T] {
	return func(ctx context.Context, key string) (T, error) {
		v, ok, err := s.Get(ctx, key)
		if err != nil {
			return v, err
		}
		if !ok {
			return v, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return v, nil
	}
}

// Option configures a Guard.
type Option func(*options)

type options struct {
	swr     time.Duration
	jitter  float64
	lockTTL time.Duration
	poll    time.Duration
	wait    time.Duration
	logger  *slog.Logger
	clock   lock.Clock
}

// WithStaleWhileRevalidate keeps serving a stale value for up to window
// after it turned stale while one caller refreshes it in the background.
func WithStaleWhileRevalidate(window time.Duration) Option {
	return func(o *options) { o.swr = window }
}

// WithTTLJitter spreads expiries by up to ±fraction of the ttl so that keys
// written together do not expire together.
func WithTTLJitter(fraction float64) Option {
	return func(o *options) { o.jitter = fraction }
}

// WithLockTTL sets the lease of the rebuild lock.
func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// WithPollInterval sets how often a waiting caller re-reads the cache.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.poll = d }
}

// WithWaitTimeout bounds how long a caller waits for someone else's rebuild.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) { o.wait = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the wall clock used for staleness and waits.
func WithClock(c lock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Guard is a read-through cache front that rebuilds each key at most once
// at a time across processes.
type Guard[T any] struct {
	cache cache.Cache[Entry[T]]
	mu    Mutex
	load  Loader[T]
	ttl   time.Duration
	options
	rand func() float64

	group      singleflight.Group
	refreshing sync.Map

	bgMu   sync.Mutex
	bgWG   sync.WaitGroup
	closed bool
}

// New returns a Guard caching values for ttl.
func New[T any](c cache.Cache[Entry[T]], m Mutex, load Loader[T], ttl time.Duration, opts ...Option) (*Guard[T], error) {
	if c == nil || m == nil || load == nil {
		return nil, errors.New("stampede: cache, mutex and loader are required")
	}
	if ttl < time.Millisecond {
		return nil, latcherrors.ErrInvalidTTL
	}
	o := options{
		lockTTL: DefaultLockTTL,
		poll:    DefaultPollInterval,
		wait:    DefaultWaitTimeout,
		logger:  slog.Default(),
		clock:   lock.SystemClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.jitter < 0 || o.jitter >= 1 {
		return nil, fmt.Errorf("stampede: ttl jitter %v must be in [0, 1)", o.jitter)
	}
	if o.swr < 0 || o.poll <= 0 || o.wait <= 0 {
		return nil, errors.New("stampede: durations must be positive")
	}
	if o.lockTTL < time.Millisecond {
		return nil, fmt.Errorf("stampede: lock ttl: %w", latcherrors.ErrInvalidTTL)
	}
	return &Guard[T]{cache: c, mu: m, load: load, ttl: ttl, options: o, rand: rand.Float64}, nil
}

// Get returns the value of key, from the cache when fresh, rebuilding it
// otherwise.
func (g *Guard[T]) Get(ctx context.Context, key string) (T, error) {
	ctx, span := tracer.Start(ctx, "stampede.Get")
	defer span.End()
	span.SetAttributes(attribute.String("latch.key", key))

	var zero T
	e, ok, err := g.cache.Get(ctx, CacheKeyPrefix+key)
	if err != nil {
		metrics.RebuildCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		return zero, err
	}
	if ok && g.fresh(e) {
		metrics.RebuildCounter.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.String("latch.result", "hit"))
		return e.Value, nil
	}
	if ok && g.swr > 0 {
		metrics.RebuildCounter.WithLabelValues("stale").Inc()
		span.SetAttributes(attribute.String("latch.result", "stale"))
		g.refresh(key)
		return e.Value, nil
	}

	ch := g.group.DoChan(key, func() (any, error) {
		return g.rebuild(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			return zero, res.Err
		}
		// A nil interface T comes back as an untyped nil.
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (g *Guard[T]) fresh(e Entry[T]) bool {
	return g.clock.Now().Before(e.SoftExpireAt)
}

// rebuild takes the rebuild lock and loads key, or waits for whoever holds
// the lock to fill the cache. A holder that gives up without writing frees
// the lock, and the next poll takes it over.
func (g *Guard[T]) rebuild(ctx context.Context, key string) (T, error) {
	var zero T
	deadline := g.clock.Now().Add(g.wait)
	waited := false
	for {
		v, done, err := g.tryRebuild(ctx, key)
		if done {
			if err != nil {
				metrics.RebuildCounter.WithLabelValues("error").Inc()
				return zero, err
			}
			if waited {
				metrics.RebuildCounter.WithLabelValues("waited").Inc()
			}
			return v, nil
		}
		remaining := deadline.Sub(g.clock.Now())
		if remaining <= 0 {
			metrics.RebuildCounter.WithLabelValues("timeout").Inc()
			return zero, fmt.Errorf("%w: waiting for rebuild of %s", latcherrors.ErrTimeout, key)
		}
		waited = true
		select {
		case <-g.clock.After(min(g.poll, remaining)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// tryRebuild reports done once it produced a value or a final error. It is
// not done when another owner holds the rebuild lock and the cache is still
// empty.
func (g *Guard[T]) tryRebuild(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if e, ok, err := g.cache.Get(ctx, CacheKeyPrefix+key); err != nil {
		return zero, true, err
	} else if ok && g.fresh(e) {
		return e.Value, true, nil
	}

	held, unlock, err := g.mu.TryLock(ctx, RebuildKeyPrefix+key, g.lockTTL)
	if errors.Is(err, latcherrors.ErrAlreadyHeld) || errors.Is(err, latcherrors.ErrNoQuorum) {
		return zero, false, nil
	}
	if err != nil {
		return zero, true, err
	}
	defer unlock()

	// The previous holder may have filled the cache between our read and
	// the lock.
	if e, ok, err := g.cache.Get(ctx, CacheKeyPrefix+key); err == nil && ok && g.fresh(e) {
		return e.Value, true, nil
	}
	v, err := g.load(held, key)
	if err != nil {
		return zero, true, err
	}
	g.store(ctx, key, v)
	metrics.RebuildCounter.WithLabelValues("rebuilt").Inc()
	return v, true, nil
}

// refresh rebuilds key in the background unless this process or another
// one already does.
func (g *Guard[T]) refresh(key string) {
	if _, busy := g.refreshing.LoadOrStore(key, struct{}{}); busy {
		return
	}
	g.bgMu.Lock()
	if g.closed {
		g.bgMu.Unlock()
		g.refreshing.Delete(key)
		return
	}
	g.bgWG.Add(1)
	g.bgMu.Unlock()

	go func() {
		defer g.bgWG.Done()
		defer g.refreshing.Delete(key)
		ctx, cancel := context.WithTimeout(context.Background(), g.lockTTL)
		defer cancel()
		held, unlock, err := g.mu.TryLock(ctx, RebuildKeyPrefix+key, g.lockTTL)
		if err != nil {
			if !errors.Is(err, latcherrors.ErrAlreadyHeld) && !errors.Is(err, latcherrors.ErrNoQuorum) {
				g.logger.Warn("stampede: refresh lock failed", "key", key, "error", err)
			}
			return
		}
		defer unlock()
		if e, ok, err := g.cache.Get(ctx, CacheKeyPrefix+key); err == nil && ok && g.fresh(e) {
			return
		}
		v, err := g.load(held, key)
		if err != nil {
			metrics.RebuildCounter.WithLabelValues("error").Inc()
			g.logger.Warn("stampede: background refresh failed", "key", key, "error", err)
			return
		}
		g.store(ctx, key, v)
		metrics.RebuildCounter.WithLabelValues("rebuilt").Inc()
	}()
}

func (g *Guard[T]) store(ctx context.Context, key string, v T) {
	soft := g.softTTL()
	e := Entry[T]{Value: v, SoftExpireAt: g.clock.Now().Add(soft)}
	if err := g.cache.Set(ctx, CacheKeyPrefix+key, e, soft+g.swr); err != nil {
		g.logger.Warn("stampede: cache write failed", "key", key, "error", err)
	}
}

func (g *Guard[T]) softTTL() time.Duration {
	if g.jitter == 0 {
		return g.ttl
	}
	spread := (2*g.rand() - 1) * g.jitter
	return time.Duration(float64(g.ttl) * (1 + spread))
}

// Invalidate drops key from the cache; the next Get rebuilds it.
func (g *Guard[T]) Invalidate(ctx context.Context, key string) error {
	return g.cache.Invalidate(ctx, CacheKeyPrefix+key)
}

// Close waits for background refreshes to finish. Stale reads after Close
// no longer trigger refreshes.
func (g *Guard[T]) Close() {
	g.bgMu.Lock()
	g.closed = true
	g.bgMu.Unlock()
	g.bgWG.Wait()
}
