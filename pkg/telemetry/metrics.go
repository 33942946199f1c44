package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for agent runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	// Catalog retrieval metrics
	catalogRetrievals *prometheus.CounterVec
	retrievalFailures prometheus.Counter

	// Report persistence metrics
	reportSaveFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, the returned instance is a safe no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of agent runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of agent runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of agent runs in seconds",
				Buckets:   buckets,
			},
		),
		catalogRetrievals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_retrievals_total",
				Help:      "Total number of successful catalog retrievals by source",
			},
			[]string{"source"},
		),
		retrievalFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_retrieval_failures_total",
				Help:      "Total number of runs that could not obtain a catalog",
			},
		),
		reportSaveFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_save_failures_total",
				Help:      "Total number of report persistence failures",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.catalogRetrievals,
		m.retrievalFailures,
		m.reportSaveFailures,
	)

	return m, nil
}

// RunStarted records the start of an agent run.
func (m *Metrics) RunStarted() {
	if m == nil || m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunCompleted records a completed run with its final status and duration.
func (m *Metrics) RunCompleted(status string, d time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// CatalogRetrieved records a successful catalog retrieval. Source is
// "remote" or "cache".
func (m *Metrics) CatalogRetrieved(source string) {
	if m == nil || m.registry == nil {
		return
	}
	m.catalogRetrievals.WithLabelValues(source).Inc()
}

// RetrievalFailed records a run that ended without a catalog.
func (m *Metrics) RetrievalFailed() {
	if m == nil || m.registry == nil {
		return
	}
	m.retrievalFailures.Inc()
}

// ReportSaveFailed records a best-effort report persistence failure.
func (m *Metrics) ReportSaveFailed() {
	if m == nil || m.registry == nil {
		return
	}
	m.reportSaveFailures.Inc()
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
