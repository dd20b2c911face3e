// Package metrics registers qdbd's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector qdbd registers.
type Metrics struct {
	OperationsTotal      *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	ConnectionsActive    prometheus.Gauge
	NotificationsDropped prometheus.Counter
}

// New registers every collector against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across package-level New() calls.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdb",
			Name:      "operations_total",
			Help:      "Total executor operations, by verb and outcome.",
		}, []string{"verb", "outcome"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qdb",
			Name:      "operation_duration_seconds",
			Help:      "Executor operation latency, by verb.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "qdb",
			Name:      "connections_active",
			Help:      "Currently open wire connections.",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "qdb",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped due to full subscriber queues.",
		}),
	}
}

// ObserveOp records one completed operation's outcome and latency.
func (m *Metrics) ObserveOp(verb string, failed bool, seconds float64) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.OperationsTotal.WithLabelValues(verb, outcome).Inc()
	m.OperationDuration.WithLabelValues(verb).Observe(seconds)
}
