package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Node with circuit breaker logic. After threshold
// consecutive transport failures every call fails fast until cooldown has
// elapsed, at which point a single probe is let through.
type CircuitBreaker struct {
	node      Node
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around node.
func NewCircuitBreaker(node Node, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		node:      node,
		threshold: threshold,
		cooldown:  cooldown,
		state:     stateClosed,
	}
}

// IsHealthy returns true if calls would currently be let through.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.cooldown
	}
	return cb.state == stateClosed
}

// allow handles the transition from open to half-open based on cooldown.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	if !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		// A cancelled caller says nothing about the node. Hand the probe
		// slot back without touching the failure count.
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

func (cb *CircuitBreaker) open() error {
	return fmt.Errorf("%w: %s: %w", latcherrors.ErrStoreUnavailable, cb.node.Addr(), latcherrors.ErrCircuitOpen)
}

// Addr implements Node.Addr.
func (cb *CircuitBreaker) Addr() string { return cb.node.Addr() }

// SetNX implements Node.SetNX.
func (cb *CircuitBreaker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, cb.open()
	}
	ok, err := cb.node.SetNX(ctx, key, value, ttl)
	cb.record(err)
	return ok, err
}

// Eval implements Node.Eval.
func (cb *CircuitBreaker) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	if !cb.allow() {
		return nil, cb.open()
	}
	res, err := cb.node.Eval(ctx, script, keys, args...)
	cb.record(err)
	return res, err
}

// Get implements Node.Get.
func (cb *CircuitBreaker) Get(ctx context.Context, key string) (string, bool, error) {
	if !cb.allow() {
		return "", false, cb.open()
	}
	v, ok, err := cb.node.Get(ctx, key)
	cb.record(err)
	return v, ok, err
}

// Del implements Node.Del.
func (cb *CircuitBreaker) Del(ctx context.Context, key string) error {
	if !cb.allow() {
		return cb.open()
	}
	err := cb.node.Del(ctx, key)
	cb.record(err)
	return err
}

// PTTL implements Node.PTTL.
func (cb *CircuitBreaker) PTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if !cb.allow() {
		return 0, false, cb.open()
	}
	d, ok, err := cb.node.PTTL(ctx, key)
	cb.record(err)
	return d, ok, err
}
