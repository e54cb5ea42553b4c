// Package metrics exposes Prometheus instrumentation for pipeline runs.
//
// Each Metrics value owns its registry, so tests and multiple servers in one
// process do not collide on the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vanna"

// Metrics holds the collectors recorded by the server. It implements
// pipeline.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// StageDuration labels: stage, outcome.
	StageDuration *prometheus.HistogramVec
	// StageOutcomes labels: stage, outcome.
	StageOutcomes *prometheus.CounterVec
	// RunDuration labels: outcome.
	RunDuration *prometheus.HistogramVec
	// RunsTotal labels: outcome.
	RunsTotal *prometheus.CounterVec
	// ActiveRuns counts runs currently streaming.
	ActiveRuns prometheus.Gauge
	// RateLimited counts requests rejected by the run limiter.
	RateLimited prometheus.Counter
	// CacheEvictions counts records removed by the sweeper.
	CacheEvictions prometheus.Counter
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		StageOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_outcomes_total",
			Help:      "Pipeline stage completions by outcome.",
		}, []string{"stage", "outcome"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline run duration.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "active_runs",
			Help:      "Runs currently in progress.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the run limiter.",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cache records removed by the sweeper.",
		}),
	}
}

// StageFinished records one stage completion.
func (m *Metrics) StageFinished(stage, outcome string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
	m.StageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// RunFinished records one run completion.
func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// Evicted adds n to the eviction counter.
func (m *Metrics) Evicted(n int) {
	if n > 0 {
		m.CacheEvictions.Add(float64(n))
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
