package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels delivery attempts accepted by the aggregator.
	OutcomeSuccess = "success"
	// OutcomeError labels delivery attempts that failed and were requeued.
	OutcomeError = "error"
)

var (
	reportsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "render_sentinel",
			Name:      "reports_enqueued_total",
			Help:      "Total number of classified reports accepted by the queue.",
		},
	)

	reportsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "render_sentinel",
			Name:      "reports_dropped_total",
			Help:      "Total number of queue entries evicted under overflow pressure.",
		},
	)

	reportsShippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "render_sentinel",
			Name:      "reports_shipped_total",
			Help:      "Total fault occurrences acknowledged by the aggregator.",
		},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "render_sentinel",
			Name:      "deliveries_total",
			Help:      "Total delivery attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	deliveryBatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "render_sentinel",
			Name:      "delivery_batch_seconds",
			Help:      "Aggregator round-trip latency per batch in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	circuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "render_sentinel",
			Name:      "delivery_circuit_open",
			Help:      "1 while the delivery circuit is open, 0 while closed.",
		},
	)

	boundaryFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "render_sentinel",
			Name:      "boundary_faults_total",
			Help:      "Faults intercepted, partitioned by boundary identifier.",
		},
		[]string{"boundary"},
	)
)

// Register attaches render-sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		reportsEnqueuedTotal,
		reportsDroppedTotal,
		reportsShippedTotal,
		deliveriesTotal,
		deliveryBatchSeconds,
		circuitState,
		boundaryFaultsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// IncEnqueued records a report accepted by the queue.
func IncEnqueued() { reportsEnqueuedTotal.Inc() }

// IncDropped records a queue entry evicted under overflow pressure.
func IncDropped() { reportsDroppedTotal.Inc() }

// AddShipped records fault occurrences acknowledged by the aggregator.
func AddShipped(count int) {
	if count > 0 {
		reportsShippedTotal.Add(float64(count))
	}
}

// ObserveDelivery records one delivery attempt's latency and outcome label.
func ObserveDelivery(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	deliveriesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	deliveryBatchSeconds.Observe(duration.Seconds())
}

// SetCircuitOpen reflects the delivery circuit state.
func SetCircuitOpen(open bool) {
	if open {
		circuitState.Set(1)
		return
	}
	circuitState.Set(0)
}

// IncBoundaryFault records a fault intercepted by the named boundary.
func IncBoundaryFault(boundary string) {
	boundaryFaultsTotal.WithLabelValues(boundary).Inc()
}
