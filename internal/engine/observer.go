package engine

import (
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/metrics"
)

// metricsObserver bridges queue lifecycle events into the Prometheus
// collectors.
type metricsObserver struct {
	collector *metrics.Collector
}

func (o *metricsObserver) OnEnqueued(j *job.Job) {
	o.collector.JobsEnqueued.WithLabelValues(string(j.Class)).Inc()
}

func (o *metricsObserver) OnCompleted(j *job.Job) {
	o.collector.JobsCompleted.WithLabelValues(string(j.Class)).Inc()
}

func (o *metricsObserver) OnFailed(j *job.Job, errKind string, terminal bool) {
	o.collector.JobsFailed.WithLabelValues(string(j.Class), errKind).Inc()
}

func (o *metricsObserver) OnStalled(class job.Class, id string) {}
