// Package presets wires the lock packages from one flat configuration, the
// way the latch command line configures them.
package presets

import (
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/redlock"
	"github.com/mirkobrombin/go-latch/v1/store"
)

const (
	DefaultTTL         = 30 * time.Second
	DefaultNodeTimeout = 50 * time.Millisecond

	breakerThreshold = 3
	breakerCooldown  = 5 * time.Second
)

// Options is the recognized configuration surface.
type Options struct {
	// TTL is the lease of every acquired lock.
	TTL time.Duration
	// AcquireTimeout bounds blocking acquisition. Zero means a single attempt.
	AcquireTimeout time.Duration
	// RetryInterval is the base delay between blocking attempts.
	RetryInterval time.Duration
	// RenewInterval is the watchdog period. Zero means TTL/3.
	RenewInterval time.Duration
	// NodeTimeout caps each per-node call of a quorum lock.
	NodeTimeout time.Duration
	// Nodes lists redis:// URLs or host:port addresses.
	Nodes []string
	// DriftFactor is the clock drift allowance of a quorum lock.
	DriftFactor float64
}

// Defaults returns Options with every field but Nodes set.
func Defaults() Options {
	return Options{
		TTL:            DefaultTTL,
		AcquireTimeout: lock.DefaultAcquireTimeout,
		RetryInterval:  lock.DefaultRetryInterval,
		NodeTimeout:    DefaultNodeTimeout,
		DriftFactor:    redlock.DefaultDriftFactor,
	}
}

// Validate checks o for single-node use, or for quorum use when quorum is
// set, which needs an odd number of at least three nodes.
func (o Options) Validate(quorum bool) error {
	var errs []error
	if o.TTL <= 0 {
		errs = append(errs, fmt.Errorf("ttl %v must be positive", o.TTL))
	}
	if o.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("acquire timeout %v is negative", o.AcquireTimeout))
	}
	if o.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry interval %v must be positive", o.RetryInterval))
	}
	if o.RenewInterval < 0 || (o.TTL > 0 && o.RenewInterval >= o.TTL) {
		errs = append(errs, fmt.Errorf("renew interval %v must be in [0, ttl)", o.RenewInterval))
	}
	if o.NodeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("node timeout %v must be positive", o.NodeTimeout))
	}
	if o.DriftFactor < 0 || o.DriftFactor >= 1 {
		errs = append(errs, fmt.Errorf("drift factor %v must be in [0, 1)", o.DriftFactor))
	}
	switch {
	case len(o.Nodes) == 0:
		errs = append(errs, errors.New("no redis nodes configured"))
	case quorum && (len(o.Nodes) < 3 || len(o.Nodes)%2 == 0):
		errs = append(errs, fmt.Errorf("quorum mode needs an odd number of at least 3 nodes, got %d", len(o.Nodes)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("presets: invalid options: %w", errors.Join(errs...))
	}
	return nil
}

// Backoff returns the blocking acquisition policy of o.
func (o Options) Backoff() lock.Backoff {
	b := lock.DefaultBackoff()
	b.Interval = o.RetryInterval
	b.Timeout = o.AcquireTimeout
	return b
}

// Single is a single-node locker and the connection behind it.
type Single struct {
	Locker *lock.Locker
	Node   *store.RedisNode
}

// Close closes the connection.
func (s *Single) Close() error { return s.Node.Close() }

// NewSingle connects to the first node of o.
func NewSingle(o Options, opts ...lock.Option) (*Single, error) {
	if err := o.Validate(false); err != nil {
		return nil, err
	}
	node, err := store.Dial(o.Nodes[0])
	if err != nil {
		return nil, err
	}
	return &Single{Locker: lock.New(node, opts...), Node: node}, nil
}

// Quorum is a quorum lock and the connections behind it.
type Quorum struct {
	Redlock *redlock.Redlock
	Nodes   []*store.RedisNode
}

// Close closes every connection.
func (q *Quorum) Close() error {
	var errs []error
	for _, n := range q.Nodes {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewQuorum connects to every node of o. Each node sits behind a circuit
// breaker so a dead node fails fast once detected.
func NewQuorum(o Options, opts ...redlock.Option) (*Quorum, error) {
	if err := o.Validate(true); err != nil {
		return nil, err
	}
	q := &Quorum{}
	nodes := make([]store.Node, 0, len(o.Nodes))
	for _, url := range o.Nodes {
		n, err := store.Dial(url, store.WithTimeout(o.NodeTimeout))
		if err != nil {
			_ = q.Close()
			return nil, err
		}
		q.Nodes = append(q.Nodes, n)
		nodes = append(nodes, n)
	}
	opts = append([]redlock.Option{
		redlock.WithDriftFactor(o.DriftFactor),
		redlock.WithNodeTimeout(o.NodeTimeout),
		redlock.WithCircuitBreaker(breakerThreshold, breakerCooldown),
	}, opts...)
	rl, err := redlock.New(nodes, opts...)
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	q.Redlock = rl
	return q, nil
}
