package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram
	PostsTotal  *prometheus.CounterVec

	// Provider metrics
	ProviderCalls   *prometheus.CounterVec
	ProviderRetries prometheus.Counter

	// Store metrics
	StoreWrites  *prometheus.CounterVec
	StoreRetries *prometheus.CounterVec
}

// NewMetrics creates metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "post_metrics_runs_total",
				Help: "Total number of reconciliation runs by outcome",
			},
			[]string{"outcome"},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "post_metrics_run_duration_seconds",
				Help:    "Duration of reconciliation runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),

		PostsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "post_metrics_posts_total",
				Help: "Posts processed by result",
			},
			[]string{"result"},
		),

		ProviderCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "post_metrics_provider_calls_total",
				Help: "Provider batch calls by outcome",
			},
			[]string{"outcome"},
		),

		ProviderRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "post_metrics_provider_retries_total",
				Help: "Provider calls retried after a rate limit",
			},
		),

		StoreWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "post_metrics_store_writes_total",
				Help: "Metrics store writes by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		StoreRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "post_metrics_store_retries_total",
				Help: "Metrics store writes retried",
			},
			[]string{"operation"},
		),
	}
}

// RunFinished records a run outcome and its duration
func (m *Metrics) RunFinished(outcome string, d time.Duration, updated, inserted, failed int) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.PostsTotal.WithLabelValues("updated").Add(float64(updated))
	m.PostsTotal.WithLabelValues("inserted").Add(float64(inserted))
	m.PostsTotal.WithLabelValues("failed").Add(float64(failed))
}

// ProviderCall records one provider batch call
func (m *Metrics) ProviderCall(outcome string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(outcome).Inc()
}

// ProviderRetry records a rate-limited provider call that will be retried
func (m *Metrics) ProviderRetry() {
	if m == nil {
		return
	}
	m.ProviderRetries.Inc()
}

// StoreWrite records one store write
func (m *Metrics) StoreWrite(operation, outcome string) {
	if m == nil {
		return
	}
	m.StoreWrites.WithLabelValues(operation, outcome).Inc()
}

// StoreRetry records a store write that will be retried
func (m *Metrics) StoreRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(operation).Inc()
}
