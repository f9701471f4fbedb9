package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks cache effectiveness per namespace.
type Metrics struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
	errors *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_cache_hits_total",
			Help: "Cache hits by namespace.",
		}, []string{"namespace"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_cache_misses_total",
			Help: "Cache misses by namespace.",
		}, []string{"namespace"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_cache_errors_total",
			Help: "Cache backend errors by namespace and operation.",
		}, []string{"namespace", "operation"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.hits.Describe(ch)
	m.misses.Describe(ch)
	m.errors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.hits.Collect(ch)
	m.misses.Collect(ch)
	m.errors.Collect(ch)
}

// Metrics exposes the cache collectors for registration on the daemon's
// registry.
func (c *Cache) Metrics() prometheus.Collector {
	return c.metrics
}
