package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the bot's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	FetchAttempts *prometheus.CounterVec
	Scrapes       *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec
	Downloads     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flibusta",
			Name:      "fetch_attempts_total",
			Help:      "HTTP GET attempts against the site, by outcome.",
		}, []string{"outcome"}),
		Scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flibusta",
			Name:      "scrapes_total",
			Help:      "Extractor runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flibusta",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flibusta",
			Name:      "downloads_total",
			Help:      "Book file downloads by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.FetchAttempts, m.Scrapes, m.CacheLookups, m.Downloads)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nil-safe helpers so components can run without metrics in tests.

func (m *Metrics) FetchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Scrape(kind, outcome string) {
	if m == nil {
		return
	}
	m.Scrapes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) Download(outcome string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(outcome).Inc()
}
