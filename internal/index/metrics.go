package index

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks indexing job outcomes.
type Metrics struct {
	jobs          *prometheus.CounterVec
	batchesFailed prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexd_jobs_total",
			Help: "Indexing runs by outcome.",
		}, []string{"outcome"}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexd_batches_failed_total",
			Help: "Embedding batches that exhausted their retries.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.jobs.Describe(ch)
	ch <- m.batchesFailed.Desc()
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.jobs.Collect(ch)
	ch <- m.batchesFailed
}

// Metrics exposes the job collectors for registration on the daemon's
// registry.
func (c *Coordinator) Metrics() prometheus.Collector {
	return c.metrics
}
