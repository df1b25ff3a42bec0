package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter tracks lock acquisition attempts by result
	// (acquired, reclaimed, busy, error).
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distributed_lock_acquire_total",
		Help: "Total number of lock acquisitions by result",
	}, []string{"result"})
	// LockReleaseCounter tracks lock releases by result (released, expired,
	// error).
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distributed_lock_release_total",
		Help: "Total number of lock releases by result",
	}, []string{"result"})
	// QueuePutCounter tracks the number of queue Put operations.
	QueuePutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "distributed_queue_put_total",
		Help: "Total number of queue Put operations",
	})
	// QueueGetCounter tracks queue Get operations by result (item, empty,
	// error).
	QueueGetCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distributed_queue_get_total",
		Help: "Total number of queue Get operations by result",
	}, []string{"result"})
	// EventSetCounter tracks the number of event Set operations.
	EventSetCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "distributed_event_set_total",
		Help: "Total number of event Set operations",
	})
	// EventClearCounter tracks the number of event Clear operations.
	EventClearCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "distributed_event_clear_total",
		Help: "Total number of event Clear operations",
	})
	// EventWaitCounter tracks completed event waits.
	EventWaitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "distributed_event_wait_total",
		Help: "Total number of completed event Wait operations",
	})
	// WaiterGauge reports the number of goroutines parked in Event.Wait.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "distributed_event_waiters",
		Help: "Current number of blocked event waiters",
	})
	// CounterIncrementCounter tracks the number of Counter increments.
	CounterIncrementCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "distributed_counter_increment_total",
		Help: "Total number of counter increments",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the primitive metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockReleaseCounter,
		QueuePutCounter,
		QueueGetCounter,
		EventSetCounter,
		EventClearCounter,
		EventWaitCounter,
		WaiterGauge,
		CounterIncrementCounter,
	)
}
