// Package validator audits a stampede guard's cache against the source of
// truth and reports or drops entries that drifted from it.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	"github.com/mirkobrombin/go-latch/v1/cache"
	"github.com/mirkobrombin/go-latch/v1/stampede"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	// ModeAutoHeal invalidates drifted entries so the next read rebuilds
	// them under the rebuild lock.
	ModeAutoHeal
)

// Validator periodically compares cached entries with the store.
type Validator[T any] struct {
	cache      cache.Cache[stampede.Entry[T]]
	store      adapter.Store[T]
	mode       Mode
	interval   time.Duration
	logger     *slog.Logger
	mismatches atomic.Uint64
}

// New creates a new Validator. A nil logger means slog.Default().
func New[T any](c cache.Cache[stampede.Entry[T]], s adapter.Store[T], mode Mode, interval time.Duration, logger *slog.Logger) *Validator[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator[T]{cache: c, store: s, mode: mode, interval: interval, logger: logger}
}

// Run scans every interval until ctx is done.
func (v *Validator[T]) Run(ctx context.Context) {
	if v.store == nil {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil {
				v.logger.Warn("validator: scan failed", "error", err)
			}
		}
	}
}

// Scan runs one pass over the store keys and returns the number of drifted
// entries it found.
func (v *Validator[T]) Scan(ctx context.Context) (int, error) {
	keys, err := v.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	found := 0
	for _, k := range keys {
		e, ok, err := v.cache.Get(ctx, stampede.CacheKeyPrefix+k)
		if err != nil || !ok {
			continue
		}
		sv, ok, err := v.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		if digest(e.Value) == digest(sv) {
			continue
		}
		found++
		v.mismatches.Add(1)
		switch v.mode {
		case ModeAlert:
			v.logger.Warn("validator: cached value drifted from store", "key", k)
		case ModeAutoHeal:
			if err := v.cache.Invalidate(ctx, stampede.CacheKeyPrefix+k); err != nil {
				v.logger.Warn("validator: invalidate failed", "key", k, "error", err)
			}
		}
	}
	return found, nil
}

// Metrics returns number of mismatches detected.
func (v *Validator[T]) Metrics() uint64 {
	return v.mismatches.Load()
}

func digest(v any) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(h[:])
}
