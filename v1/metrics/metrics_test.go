package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	AcquireCounter.WithLabelValues("acquired").Inc()
	ReleaseCounter.WithLabelValues("released").Inc()
	RenewCounter.WithLabelValues("renewed").Inc()
	LockLostCounter.Inc()
	QuorumCounter.WithLabelValues("acquired").Inc()
	AcquireWait.Observe(0.1)
	RebuildCounter.WithLabelValues("rebuilt").Inc()
	WatchdogGauge.Set(2)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 8 {
		t.Fatalf("expected metrics registered, got %d", len(mfs))
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
