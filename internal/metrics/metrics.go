// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors hang off a single Collector so tests can build an isolated
// registry instead of sharing global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayq"

// Collector bundles every metric the engine emits.
type Collector struct {
	registry *prometheus.Registry

	JobsEnqueued   *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	StalledJobs    prometheus.Counter
	DLQCount       prometheus.Gauge
	ProcessingTime *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	ErrorRate      prometheus.Gauge
	ActiveWorkers  *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted into the queue, by class.",
		}, []string{"class"}),

		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs that finished successfully, by class.",
		}, []string{"class"}),

		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Job attempts that failed, by class and error kind.",
		}, []string{"class", "error_type"}),

		StalledJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalled_jobs_total",
			Help:      "Jobs detected as stalled in the active set.",
		}),

		DLQCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_current_count",
			Help:      "Terminally failed jobs currently retained.",
		}),

		ProcessingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_processing_duration_ms",
			Help:      "Handler invocation duration in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 45000},
		}, []string{"class", "success"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs per class and state.",
		}, []string{"class", "state"}),

		ErrorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_error_rate_percent",
			Help:      "Failure percentage over the trailing completion window.",
		}),

		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently executing a handler, by class.",
		}, []string{"class"}),
	}

	c.registry.MustRegister(
		c.JobsEnqueued,
		c.JobsCompleted,
		c.JobsFailed,
		c.StalledJobs,
		c.DLQCount,
		c.ProcessingTime,
		c.QueueDepth,
		c.ErrorRate,
		c.ActiveWorkers,
	)

	return c
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRemoval counts a job the polling loop removed as
// undispatchable, as a failure with its own error type.
func (c *Collector) ObserveRemoval(class string, errType string) {
	c.JobsFailed.WithLabelValues(class, errType).Inc()
}

// ObserveProcessing records one handler invocation.
func (c *Collector) ObserveProcessing(class string, success bool, durationMs float64) {
	label := "false"
	if success {
		label = "true"
	}
	c.ProcessingTime.WithLabelValues(class, label).Observe(durationMs)
}
