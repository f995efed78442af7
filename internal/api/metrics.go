package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the sync surface.
type Metrics struct {
	batchesTotal      prometheus.Counter
	operationsTotal   *prometheus.CounterVec
	batchSize         prometheus.Histogram
	idempotentReplays prometheus.Counter
	idempotencyPurged prometheus.Counter
}

// NewMetrics registers the sync metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so registration never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		batchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_batches_total",
			Help: "Total number of offline-queue batches processed",
		}),
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_operations_total",
			Help: "Total number of batch operations by verdict",
		}, []string{"verdict"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_batch_operations",
			Help:    "Number of operations per submitted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		idempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "idempotent_replays_total",
			Help: "Total number of mutating requests answered from the idempotency cache",
		}),
		idempotencyPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_records_purged_total",
			Help: "Total number of expired idempotency records removed by the sweeper",
		}),
	}
}

func (m *Metrics) observeBatch(total, success, conflicts, errs int) {
	if m == nil {
		return
	}
	m.batchesTotal.Inc()
	m.batchSize.Observe(float64(total))
	m.operationsTotal.WithLabelValues("success").Add(float64(success))
	m.operationsTotal.WithLabelValues("conflict").Add(float64(conflicts))
	m.operationsTotal.WithLabelValues("error").Add(float64(errs))
}

func (m *Metrics) observeReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}

func (m *Metrics) observePurged(n int64) {
	if m == nil {
		return
	}
	m.idempotencyPurged.Add(float64(n))
}
