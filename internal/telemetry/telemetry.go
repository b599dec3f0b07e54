// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for geoquery
type Metrics struct {
	// Query cache metrics
	Observations    *prometheus.CounterVec // Observe calls by outcome (idle, hit, joined, started)
	AttemptsTotal   *prometheus.CounterVec // Pipeline attempts by result
	RetriesTotal    *prometheus.CounterVec // Retries scheduled by error kind
	Discarded       prometheus.Counter     // Results dropped by the superseding check
	CacheEntries    prometheus.Gauge
	AttemptsPending prometheus.Gauge

	// Pipeline metrics
	StageLatency *prometheus.HistogramVec // Latency by stage (resolve, analyze, validate)
	StageErrors  *prometheus.CounterVec   // Failures by stage and error kind
	StoreLookups *prometheus.CounterVec   // Shared result store lookups by result

	// Proxy metrics
	ProxyFetches *prometheus.CounterVec
	ProxyLatency prometheus.Histogram
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		Observations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoquery_observations_total",
				Help: "Total query observations by outcome",
			},
			[]string{"outcome"},
		),

		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoquery_attempts_total",
				Help: "Total pipeline attempts by result",
			},
			[]string{"result"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoquery_retries_total",
				Help: "Total retries scheduled by error kind",
			},
			[]string{"kind"},
		),

		Discarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "geoquery_discarded_results_total",
				Help: "Attempt results discarded because the attempt was superseded",
			},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "geoquery_cache_entries",
				Help: "Number of entries in the query cache",
			},
		),

		AttemptsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "geoquery_attempts_in_flight",
				Help: "Number of pipeline attempts currently running",
			},
		),

		StageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoquery_stage_latency_seconds",
				Help:    "Pipeline stage latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		StageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoquery_stage_errors_total",
				Help: "Pipeline stage failures by stage and error kind",
			},
			[]string{"stage", "kind"},
		),

		StoreLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoquery_store_lookups_total",
				Help: "Shared result store lookups by result",
			},
			[]string{"result"},
		),

		ProxyFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoquery_proxy_fetches_total",
				Help: "Fetch-content proxy requests by status class",
			},
			[]string{"status"},
		),

		ProxyLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geoquery_proxy_fetch_seconds",
				Help:    "Fetch-content proxy upstream latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
	}
}

// HandlerFor returns a metrics handler for a specific registry
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ============================================================================
// Recording Methods (nil-safe)
// ============================================================================

// RecordObservation records an Observe call outcome
func (m *Metrics) RecordObservation(outcome string) {
	if m == nil {
		return
	}
	m.Observations.WithLabelValues(outcome).Inc()
}

// RecordAttempt records the end of a pipeline attempt
func (m *Metrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRetry records a scheduled retry
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(kind).Inc()
}

// RecordDiscarded records a superseded attempt result
func (m *Metrics) RecordDiscarded() {
	if m == nil {
		return
	}
	m.Discarded.Inc()
}

// SetCacheEntries updates the cache entries gauge
func (m *Metrics) SetCacheEntries(count int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(count))
}

// AttemptStarted increments the in-flight gauge
func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.AttemptsPending.Inc()
}

// AttemptFinished decrements the in-flight gauge
func (m *Metrics) AttemptFinished() {
	if m == nil {
		return
	}
	m.AttemptsPending.Dec()
}

// RecordStage records a pipeline stage duration and failure kind, if any
func (m *Metrics) RecordStage(stage string, duration time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(duration.Seconds())
	if errKind != "" {
		m.StageErrors.WithLabelValues(stage, errKind).Inc()
	}
}

// RecordStoreLookup records a shared result store lookup
func (m *Metrics) RecordStoreLookup(result string) {
	if m == nil {
		return
	}
	m.StoreLookups.WithLabelValues(result).Inc()
}

// RecordProxyFetch records a proxy fetch outcome
func (m *Metrics) RecordProxyFetch(status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProxyFetches.WithLabelValues(statusClass(status)).Inc()
	m.ProxyLatency.Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
