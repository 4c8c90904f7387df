package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all relay Prometheus metrics.
type Metrics struct {
	UpdatesTotal       *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	ReorderBufferDepth *prometheus.GaugeVec
	SkippedTotal       *prometheus.CounterVec
	SchedulerPending   prometheus.GaugeFunc
	SchedulerFired     prometheus.Counter
	DLQTotal           *prometheus.CounterVec
}

// NewMetrics creates and registers all relay metrics. pendingFn
// reports the scheduler's pending-event count; pass nil when no
// scheduler is attached.
func NewMetrics(reg prometheus.Registerer, pendingFn func() float64) *Metrics {
	factory := promauto.With(reg)

	if pendingFn == nil {
		pendingFn = func() float64 { return 0 }
	}

	return &Metrics{
		UpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_updates_total",
			Help: "Updates handled, by outcome (delivered, duplicate, malformed).",
		}, []string{"gateway", "status"}),

		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Time spent dispatching one update through the router.",
			Buckets: prometheus.DefBuckets,
		}, []string{"gateway", "kind"}),

		ReorderBufferDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_reorder_buffer_depth",
			Help: "Sequence ids currently held waiting for smaller ids.",
		}, []string{"gateway"}),

		SkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_skipped_updates_total",
			Help: "Sequence ids permanently skipped after the hold expired.",
		}, []string{"gateway"}),

		SchedulerPending: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_scheduler_pending_events",
			Help: "Scheduled events awaiting their due time.",
		}, pendingFn),

		SchedulerFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_scheduler_fired_events_total",
			Help: "Scheduled events fired into the dispatch path.",
		}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dlq_total",
			Help: "Envelopes sent to the dead-letter queue.",
		}, []string{"gateway"}),
	}
}
