package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreMetrics(reg)
	LockAcquireCounter.WithLabelValues("acquired").Inc()
	LockReleaseCounter.WithLabelValues("released").Inc()
	QueuePutCounter.Inc()
	QueueGetCounter.WithLabelValues("item").Inc()
	EventSetCounter.Inc()
	EventClearCounter.Inc()
	EventWaitCounter.Inc()
	WaiterGauge.Set(5)
	CounterIncrementCounter.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 9 {
		t.Fatalf("expected 9 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(WaiterGauge); v != 5 {
		t.Fatalf("expected waiter gauge 5, got %v", v)
	}
	WaiterGauge.Set(0)
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
