// Package monitoring exposes reveal run metrics in Prometheus format.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/contact-reveal/internal/model"
)

// Metrics holds the collectors for one reveal process. It satisfies the
// orchestrator's Recorder interface.
type Metrics struct {
	registry *prometheus.Registry

	outcomes       *prometheus.CounterVec
	calls          *prometheus.CounterVec
	quotaRemaining prometheus.Gauge
	quotaConsumed  prometheus.Gauge
	batchDuration  prometheus.Histogram
}

// NewMetrics registers the reveal collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reveal",
			Name:      "outcomes_total",
			Help:      "Worklist entries settled by resulting status.",
		},
		[]string{"status"},
	)
	calls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reveal",
			Name:      "calls_total",
			Help:      "Upstream reveal calls by result.",
		},
		[]string{"result"},
	)
	quotaRemaining := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reveal",
		Name:      "quota_remaining",
		Help:      "Reveals left in the current quota window.",
	})
	quotaConsumed := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reveal",
		Name:      "quota_consumed",
		Help:      "Reveals consumed in the current quota window.",
	})
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reveal",
		Name:      "batch_duration_seconds",
		Help:      "Wall time per reveal batch including the checkpoint write.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	registry.MustRegister(outcomes, calls, quotaRemaining, quotaConsumed, batchDuration)

	return &Metrics{
		registry:       registry,
		outcomes:       outcomes,
		calls:          calls,
		quotaRemaining: quotaRemaining,
		quotaConsumed:  quotaConsumed,
		batchDuration:  batchDuration,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome counts one settled entry.
func (m *Metrics) ObserveOutcome(status model.EntryStatus) {
	m.outcomes.WithLabelValues(string(status)).Inc()
}

// ObserveCall counts one upstream call.
func (m *Metrics) ObserveCall(result string) {
	m.calls.WithLabelValues(result).Inc()
}

// SetQuota publishes the ledger position.
func (m *Metrics) SetQuota(remaining, consumed int) {
	m.quotaRemaining.Set(float64(remaining))
	m.quotaConsumed.Set(float64(consumed))
}

// ObserveBatch records the duration of one batch.
func (m *Metrics) ObserveBatch(d time.Duration) {
	m.batchDuration.Observe(d.Seconds())
}
