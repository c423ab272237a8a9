package redlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/redlock")

const (
	DefaultDriftFactor = 0.01
	// driftFloor is added to the drift allowance to cover timer granularity.
	driftFloor = 2 * time.Millisecond
)

// Redlock acquires locks on a majority of independent nodes.
type Redlock struct {
	nodes   []store.Node
	lockers []*lock.Locker
	quorum  int

	drift       float64
	nodeTimeout time.Duration
	sequential  bool
	prefix      string
	threshold   int
	cooldown    time.Duration

	logger *slog.Logger
	bus    syncbus.Bus
	clock  lock.Clock
}

// Option configures a Redlock.
type Option func(*Redlock)

// WithDriftFactor sets the share of the ttl reserved for clock drift.
func WithDriftFactor(f float64) Option {
	return func(r *Redlock) { r.drift = f }
}

// WithNodeTimeout bounds each per-node call. The bound never exceeds a tenth
// of the lock ttl.
func WithNodeTimeout(d time.Duration) Option {
	return func(r *Redlock) { r.nodeTimeout = d }
}

// WithSequential contacts nodes one after another instead of concurrently.
func WithSequential() Option {
	return func(r *Redlock) { r.sequential = true }
}

// WithKeyPrefix replaces the "lock:" key prefix on every node.
func WithKeyPrefix(prefix string) Option {
	return func(r *Redlock) { r.prefix = prefix }
}

// WithCircuitBreaker wraps every node in a store.CircuitBreaker so that a
// node known to be down fails fast.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(r *Redlock) {
		r.threshold = threshold
		r.cooldown = cooldown
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Redlock) { r.logger = logger }
}

// WithBus publishes release notifications and lets AcquireBlocking wake up
// on them.
func WithBus(bus syncbus.Bus) Option {
	return func(r *Redlock) { r.bus = bus }
}

// WithClock replaces the wall clock.
func WithClock(c lock.Clock) Option {
	return func(r *Redlock) { r.clock = c }
}

// New returns a Redlock over nodes. Any N >= 1 is accepted, but only an odd
// N >= 3 tolerates node failures.
func New(nodes []store.Node, opts ...Option) (*Redlock, error) {
	if len(nodes) == 0 {
		return nil, errors.New("redlock: at least one node is required")
	}
	r := &Redlock{
		drift:  DefaultDriftFactor,
		prefix: lock.DefaultKeyPrefix,
		logger: slog.Default(),
		clock:  lock.SystemClock,
		quorum: len(nodes)/2 + 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.drift < 0 {
		return nil, fmt.Errorf("redlock: negative drift factor %v", r.drift)
	}
	for _, n := range nodes {
		if r.threshold > 0 {
			n = store.NewCircuitBreaker(n, r.threshold, r.cooldown)
		}
		r.nodes = append(r.nodes, n)
		r.lockers = append(r.lockers, lock.New(n,
			lock.WithKeyPrefix(r.prefix),
			lock.WithLogger(r.logger),
			lock.WithClock(r.clock),
		))
	}
	if len(nodes) < 3 || len(nodes)%2 == 0 {
		r.logger.Warn("redlock: node count does not tolerate failures well, use an odd number >= 3", "nodes", len(nodes))
	}
	return r, nil
}

// Quorum returns the number of nodes that must grant a lock.
func (r *Redlock) Quorum() int { return r.quorum }

// Nodes returns the configured nodes.
func (r *Redlock) Nodes() []store.Node { return r.nodes }

func (r *Redlock) timeoutFor(ttl time.Duration) time.Duration {
	limit := ttl / 10
	if limit <= 0 {
		limit = ttl
	}
	if r.nodeTimeout > 0 && r.nodeTimeout < limit {
		return r.nodeTimeout
	}
	return limit
}

func (r *Redlock) driftFor(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl)*r.drift) + driftFloor
}

// each runs fn against every node under the per-node timeout and returns
// the per-node errors by index.
func (r *Redlock) each(ctx context.Context, timeout time.Duration, fn func(context.Context, int, *lock.Locker) error) []error {
	errs := make([]error, len(r.lockers))
	run := func(i int) {
		nctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(nctx, i, r.lockers[i]); err != nil {
			errs[i] = fmt.Errorf("%s: %w", r.nodes[i].Addr(), err)
		}
	}
	if r.sequential {
		for i := range r.lockers {
			run(i)
		}
		return errs
	}
	var g errgroup.Group
	for i := range r.lockers {
		i := i
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Acquire takes resource on a majority of nodes for ttl. On failure every
// node that may have accepted the token is released again and ErrNoQuorum is
// returned, joined with the per-node errors.
func (r *Redlock) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Session, error) {
	if err := lock.ValidateResource(resource); err != nil {
		return nil, err
	}
	if ttl < time.Millisecond {
		return nil, latcherrors.ErrInvalidTTL
	}
	ctx, span := tracer.Start(ctx, "redlock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("latch.resource", resource), attribute.Int("latch.nodes", len(r.nodes)))

	token, err := lock.NewToken()
	if err != nil {
		return nil, err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	start := r.clock.Now()
	errs := r.each(ctx, r.timeoutFor(ttl), func(ctx context.Context, _ int, l *lock.Locker) error {
		_, err := l.AcquireWithToken(ctx, resource, token, ttl)
		return err
	})
	validity := ttl - r.clock.Now().Sub(start) - r.driftFor(ttl)

	var granted []int
	for i, err := range errs {
		if err == nil {
			granted = append(granted, i)
		}
	}
	span.SetAttributes(attribute.Int("latch.granted", len(granted)))

	if len(granted) >= r.quorum && validity > 0 {
		metrics.QuorumCounter.WithLabelValues("acquired").Inc()
		return &Session{
			id:         id,
			resource:   resource,
			token:      token,
			ttl:        ttl,
			quorum:     r.quorum,
			nodes:      granted,
			acquiredAt: start,
			validity:   validity,
			clock:      r.clock,
		}, nil
	}

	r.releaseAll(context.WithoutCancel(ctx), resource, token, r.timeoutFor(ttl))
	if cerr := ctx.Err(); cerr != nil {
		metrics.QuorumCounter.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, cerr.Error())
		return nil, cerr
	}
	metrics.QuorumCounter.WithLabelValues("no_quorum").Inc()
	err = fmt.Errorf("%w: %s granted by %d/%d nodes (need %d, validity %v)",
		latcherrors.ErrNoQuorum, resource, len(granted), len(r.nodes), r.quorum, validity)
	if nodeErr := errors.Join(errs...); nodeErr != nil {
		err = errors.Join(err, nodeErr)
	}
	span.SetStatus(codes.Error, "no quorum")
	return nil, err
}

func (r *Redlock) releaseAll(ctx context.Context, resource, token string, timeout time.Duration) (int, []error) {
	var (
		mu      sync.Mutex
		deleted int
	)
	errs := r.each(ctx, timeout, func(ctx context.Context, _ int, l *lock.Locker) error {
		ok, err := l.ReleaseToken(ctx, resource, token)
		if ok {
			mu.Lock()
			deleted++
			mu.Unlock()
		}
		return err
	})
	var failed []error
	for _, err := range errs {
		if err != nil {
			r.logger.Warn("redlock: release on node failed", "resource", resource, "error", err)
			failed = append(failed, err)
		}
	}
	return deleted, failed
}

// Release deletes the lock on every node that still holds the session token
// and returns how many keys were removed. Unreachable nodes are tolerated;
// an error is returned only if no node could be reached.
func (r *Redlock) Release(ctx context.Context, s *Session) (int, error) {
	if s == nil {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "redlock.Release")
	defer span.End()
	span.SetAttributes(attribute.String("latch.resource", s.resource))

	deleted, failed := r.releaseAll(ctx, s.resource, s.token, r.timeoutFor(s.ttl))
	s.release()
	if len(failed) == len(r.nodes) {
		err := errors.Join(failed...)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if deleted > 0 && r.bus != nil {
		if err := r.bus.Publish(ctx, syncbus.UnlockTopic(s.resource)); err != nil {
			r.logger.Warn("redlock: publish release", "resource", s.resource, "error", err)
		}
	}
	return deleted, nil
}

// Extend pushes the lease of s back to its full ttl on every node that still
// holds the token. It reports false when fewer than a quorum could be
// extended in time; the session should then be considered lost.
func (r *Redlock) Extend(ctx context.Context, s *Session) (bool, error) {
	if s == nil {
		return false, nil
	}
	ctx, span := tracer.Start(ctx, "redlock.Extend")
	defer span.End()
	span.SetAttributes(attribute.String("latch.resource", s.resource))

	extended := make([]bool, len(r.nodes))
	start := r.clock.Now()
	errs := r.each(ctx, r.timeoutFor(s.ttl), func(ctx context.Context, i int, l *lock.Locker) error {
		ok, err := l.RenewToken(ctx, s.resource, s.token, s.ttl)
		extended[i] = ok
		return err
	})
	validity := s.ttl - r.clock.Now().Sub(start) - r.driftFor(s.ttl)

	var granted []int
	for i, ok := range extended {
		if ok {
			granted = append(granted, i)
		}
	}
	if len(granted) >= r.quorum && validity > 0 {
		s.extended(start, validity, granted)
		return true, nil
	}
	nodeErr := errors.Join(errs...)
	if nodeErr != nil {
		r.logger.Warn("redlock: extend failed on some nodes", "resource", s.resource, "error", nodeErr)
	}
	if len(granted) == 0 && nodeErr != nil {
		return false, nodeErr
	}
	return false, nil
}

// AcquireBlocking retries Acquire under b, with the same deadline and
// jitter rules as lock.Locker.AcquireBlocking.
func (r *Redlock) AcquireBlocking(ctx context.Context, resource string, ttl time.Duration, b lock.Backoff) (*Session, error) {
	if err := lock.ValidateResource(resource); err != nil {
		return nil, err
	}
	if ttl < time.Millisecond {
		return nil, latcherrors.ErrInvalidTTL
	}
	start := r.clock.Now()
	defer func() {
		metrics.AcquireWait.Observe(r.clock.Now().Sub(start).Seconds())
	}()

	var wake chan struct{}
	if r.bus != nil && b.Timeout > 0 {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		topic := syncbus.UnlockTopic(resource)
		if ch, err := r.bus.Subscribe(subCtx, topic); err == nil {
			wake = ch
			defer func() { _ = r.bus.Unsubscribe(context.Background(), topic, ch) }()
		} else {
			r.logger.Warn("redlock: subscribe release notifications", "resource", resource, "error", err)
		}
	}

	var s *Session
	err := lock.Retry(ctx, r.clock, b, wake, func(ctx context.Context) error {
		var err error
		s, err = r.Acquire(ctx, resource, ttl)
		return err
	}, lock.Retryable)
	if err != nil {
		return nil, err
	}
	return s, nil
}
