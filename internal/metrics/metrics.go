// Package metrics exposes Prometheus collectors for the discovery engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors. A nil *Metrics is valid and
// records nothing, so subsystems never need to branch on observability
// being configured.
type Metrics struct {
	registry *prometheus.Registry

	fetchesTotal         *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec
	fetchErrorsTotal     *prometheus.CounterVec
	pagesDiscoveredTotal *prometheus.CounterVec
	newPagesTotal        *prometheus.CounterVec
	sessionsTotal        *prometheus.CounterVec
}

// New builds the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_fetches_total",
			Help: "HTTP fetches issued, labeled by host and status.",
		}, []string{"host", "status"}),
		fetchDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insight_fetch_duration_seconds",
			Help:    "Fetch latency, labeled by host.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"host"}),
		fetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_fetch_errors_total",
			Help: "Fetch failures after retries, labeled by class.",
		}, []string{"class"}),
		pagesDiscoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_pages_discovered_total",
			Help: "URLs produced by discovery strategies, labeled by site.",
		}, []string{"site"}),
		newPagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_new_pages_total",
			Help: "URLs classified as new by reconciliation, labeled by site.",
		}, []string{"site"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_sessions_total",
			Help: "Crawl sessions finished, labeled by terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.fetchesTotal,
		m.fetchDurationSeconds,
		m.fetchErrorsTotal,
		m.pagesDiscoveredTotal,
		m.newPagesTotal,
		m.sessionsTotal,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one issued HTTP fetch.
func (m *Metrics) ObserveFetch(host, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(host, status).Inc()
	m.fetchDurationSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveFetchError records a fetch failure after retries exhausted.
func (m *Metrics) ObserveFetchError(class string) {
	if m == nil {
		return
	}
	m.fetchErrorsTotal.WithLabelValues(class).Inc()
}

// ObserveDiscovery records strategy output and reconciliation results for
// one session.
func (m *Metrics) ObserveDiscovery(site string, discovered, newPages int) {
	if m == nil {
		return
	}
	m.pagesDiscoveredTotal.WithLabelValues(site).Add(float64(discovered))
	m.newPagesTotal.WithLabelValues(site).Add(float64(newPages))
}

// ObserveSession records a finished session's terminal status.
func (m *Metrics) ObserveSession(status string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(status).Inc()
}
