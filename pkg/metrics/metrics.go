// Package metrics exposes the Prometheus counters and histograms the HTTP
// surface and resolver update as requests flow through, served at /metrics
// via promhttp.Handler over a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram this service emits.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	resolverOutcome *prometheus.CounterVec
	archiveReads    prometheus.Counter
	archiveErrors   prometheus.Counter
}

// New builds a Metrics with its own private registry, so this service's
// counters are never polluted by whatever else might register against the
// default global registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neardata",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests served, labeled by route and status class.",
		}, []string{"route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "neardata",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds, labeled by route.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"route"}),

		resolverOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neardata",
			Name:      "resolver_outcomes_total",
			Help:      "Resolver loop outcomes, labeled by kind (done, redirect, not_found, cache_error).",
		}, []string{"kind"}),

		archiveReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "neardata",
			Name:      "archive_reads_total",
			Help:      "Archive bundle extractions performed by this node.",
		}),

		archiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "neardata",
			Name:      "archive_read_errors_total",
			Help:      "Archive bundle extractions that failed (corrupt or unreadable file).",
		}),
	}
}

// Handler returns the /metrics endpoint's http.Handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request's route, status class
// and latency.
func (m *Metrics) ObserveRequest(route, statusClass string, seconds float64) {
	m.requestsTotal.WithLabelValues(route, statusClass).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

// ResolverOutcome records one resolver loop terminating with the given
// outcome kind ("done", "redirect", "not_found" or "cache_error"). It
// satisfies resolver.MetricsRecorder without pkg/resolver importing
// Prometheus types directly.
func (m *Metrics) ResolverOutcome(kind string) {
	m.resolverOutcome.WithLabelValues(kind).Inc()
}

// ArchiveRead records one archive extraction attempt, ok=false for a
// failed read (a corrupt or unreadable file).
func (m *Metrics) ArchiveRead(ok bool) {
	if ok {
		m.archiveReads.Inc()

		return
	}

	m.archiveErrors.Inc()
}
