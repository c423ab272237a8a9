package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// Watchdog renews a held lock in the background until stopped or until
// ownership is lost.
type Watchdog struct {
	id       string
	l        *Locker
	h        *Handle
	interval time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc

	lost     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// StartWatchdog renews h every renewInterval. A zero interval means ttl/3;
// an interval not shorter than the ttl is rejected.
//
// The returned watchdog is attached to h: Release stops it before deleting
// the key. Run protected work under Context, which is cancelled with cause
// ErrLockLost as soon as a renewal fails.
func (l *Locker) StartWatchdog(ctx context.Context, h *Handle, renewInterval time.Duration) (*Watchdog, error) {
	if h == nil {
		return nil, latcherrors.ErrLockLost
	}
	if renewInterval == 0 {
		renewInterval = h.ttl / 3
	}
	if renewInterval <= 0 || renewInterval >= h.ttl {
		return nil, latcherrors.ErrInvalidRenewInterval
	}
	if s := h.State(); s != Held {
		return nil, fmt.Errorf("%w: handle is %s", latcherrors.ErrLockLost, s)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancelCause(ctx)
	w := &Watchdog{
		id:       id,
		l:        l,
		h:        h,
		interval: renewInterval,
		ctx:      wctx,
		cancel:   cancel,
		lost:     make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !h.attach(w) {
		cancel(nil)
		return nil, fmt.Errorf("lock: watchdog already running for %s", h.resource)
	}
	metrics.WatchdogGauge.Inc()
	go w.run()
	return w, nil
}

func (w *Watchdog) run() {
	defer close(w.done)
	defer metrics.WatchdogGauge.Dec()
	log := w.l.logger.With("resource", w.h.resource, "watchdog", w.id)
	for {
		select {
		case <-w.stop:
			return
		case <-w.ctx.Done():
			return
		case <-w.l.clock.After(w.interval):
		}

		rctx, cancel := context.WithTimeout(w.ctx, w.interval)
		ok, err := w.l.Renew(rctx, w.h)
		cancel()
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			if !w.l.clock.Now().Before(w.h.ExpiresAt()) {
				log.Error("lock: lease ran out while store was unreachable", "error", err)
				w.h.setState(Expired)
				w.lose()
				return
			}
			log.Warn("lock: renew failed, retrying", "error", err)
			continue
		}
		if !ok {
			log.Error("lock: ownership lost")
			w.lose()
			return
		}
	}
}

func (w *Watchdog) lose() {
	w.mu.Lock()
	w.err = latcherrors.ErrLockLost
	w.mu.Unlock()
	metrics.LockLostCounter.Inc()
	close(w.lost)
	w.cancel(latcherrors.ErrLockLost)
}

// ID identifies the watchdog in logs.
func (w *Watchdog) ID() string { return w.id }

// Context is cancelled when the lock is lost or the watchdog stops. After a
// loss context.Cause reports ErrLockLost.
func (w *Watchdog) Context() context.Context { return w.ctx }

// Lost is closed when the watchdog detects that the lock is no longer held.
func (w *Watchdog) Lost() <-chan struct{} { return w.lost }

// Err returns ErrLockLost after a loss and nil otherwise.
func (w *Watchdog) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop halts renewal and waits for the background loop to exit. It is safe
// to call more than once and after the watchdog ended on its own.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.cancel(nil)
	})
	<-w.done
	w.h.detach(w)
}
