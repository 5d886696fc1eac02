// Package monitoring exposes Prometheus instrumentation for the scoring
// pipeline and the HTTP API.
package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the service records. All instruments live on
// a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	runs       *prometheus.CounterVec
	runSeconds prometheus.Histogram
	population prometheus.Gauge
	anomalies  prometheus.Gauge
	dropped    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpSeconds  *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taxrisk",
				Name:      "pipeline_runs_total",
				Help:      "Completed pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		runSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "taxrisk",
				Name:      "pipeline_run_duration_seconds",
				Help:      "Wall time of one full pipeline run",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		population: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taxrisk",
				Name:      "scored_taxpayers",
				Help:      "Taxpayers scored by the current model snapshot",
			},
		),
		anomalies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taxrisk",
				Name:      "flagged_anomalies",
				Help:      "Taxpayers flagged anomalous by the current snapshot",
			},
		),
		dropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taxrisk",
				Name:      "integrity_dropped_records",
				Help:      "Records excluded by integrity screening in the last run",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taxrisk",
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taxrisk",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		m.runs,
		m.runSeconds,
		m.population,
		m.anomalies,
		m.dropped,
		m.httpRequests,
		m.httpSeconds,
	)

	return m
}

// ObserveRun records one pipeline run.
func (m *Metrics) ObserveRun(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runSeconds.Observe(seconds)
}

// SetSnapshotStats publishes the population gauges for the current snapshot.
func (m *Metrics) SetSnapshotStats(scored, flagged, dropped int) {
	if m == nil {
		return
	}
	m.population.Set(float64(scored))
	m.anomalies.Set(float64(flagged))
	m.dropped.Set(float64(dropped))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpSeconds.WithLabelValues(method, route).Observe(seconds)
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
