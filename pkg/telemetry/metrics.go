package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides the Prometheus instruments for plan execution.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   prometheus.Counter

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrane",
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terrane",
			Name:      "runs_completed_total",
			Help:      "Total number of runs completed, by final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "terrane",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock run duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "terrane",
			Name:      "steps_executed_total",
			Help:      "Total plan steps executed, by kind and outcome",
		}, []string{"kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "terrane",
			Name:      "step_duration_seconds",
			Help:      "Per-step execution duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "terrane",
			Name:      "step_retries_total",
			Help:      "Total transient-failure retries across all steps",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "terrane",
			Name:      "active_runs",
			Help:      "Number of runs currently executing",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.stepsExecuted, m.stepDuration, m.stepRetries,
		m.activeRuns,
	)
	return m
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunCompleted records a finished run.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// StepExecuted records one terminal step outcome.
func (m *Metrics) StepExecuted(kind, outcome string, duration time.Duration) {
	m.stepsExecuted.WithLabelValues(kind, outcome).Inc()
	if duration > 0 {
		m.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// StepRetried records one retry.
func (m *Metrics) StepRetried() {
	m.stepRetries.Inc()
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr. It blocks until the server stops.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
