package queue

import "github.com/sendable-ai/relayq/internal/job"

// Observer receives lifecycle notifications from the queue. The metrics
// sink and the result backend subscribe through this interface so the
// queue core stays free of observability imports.
type Observer interface {
	OnEnqueued(j *job.Job)
	OnCompleted(j *job.Job)
	OnFailed(j *job.Job, errKind string, terminal bool)
	OnStalled(class job.Class, id string)
}

// NoOpObserver ignores all notifications. Embed it to implement only a
// subset of Observer.
type NoOpObserver struct{}

func (NoOpObserver) OnEnqueued(j *job.Job)                              {}
func (NoOpObserver) OnCompleted(j *job.Job)                             {}
func (NoOpObserver) OnFailed(j *job.Job, errKind string, terminal bool) {}
func (NoOpObserver) OnStalled(class job.Class, id string)               {}
