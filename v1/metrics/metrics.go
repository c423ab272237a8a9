package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks single-node acquisition attempts by result:
	// acquired, contended or error.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter tracks releases by result: released, not_owner or error.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_release_total",
		Help: "Total number of lock releases",
	}, []string{"result"})
	// RenewCounter tracks renewals by result: renewed, lost or error.
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_renew_total",
		Help: "Total number of lock renewals",
	}, []string{"result"})
	// LockLostCounter counts watchdogs that detected a lost lock.
	LockLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lock_lost_total",
		Help: "Total number of locks lost while held",
	})
	// QuorumCounter tracks quorum acquisitions by result: acquired, no_quorum
	// or error.
	QuorumCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_quorum_acquire_total",
		Help: "Total number of quorum lock acquisition attempts",
	}, []string{"result"})
	// AcquireWait observes the time spent in blocking acquisition.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_acquire_wait_seconds",
		Help:    "Time spent waiting in blocking lock acquisition",
		Buckets: prometheus.DefBuckets,
	})
	// RebuildCounter tracks stampede guard outcomes: hit, rebuilt, waited,
	// stale, timeout or error.
	RebuildCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_rebuild_total",
		Help: "Total number of stampede guard lookups by outcome",
	}, []string{"result"})
	// WatchdogGauge reports the number of running watchdogs.
	WatchdogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_watchdogs",
		Help: "Current number of running lock watchdogs",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers latch metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ReleaseCounter,
		RenewCounter,
		LockLostCounter,
		QuorumCounter,
		AcquireWait,
		RebuildCounter,
		WatchdogGauge,
	)
}
