package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sendable-ai/relayq/internal/async"
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/relayerr"
	"github.com/sendable-ai/relayq/internal/result"
	"github.com/sendable-ai/relayq/internal/tenant"
)

// DurationObserver receives per-invocation timing. The metrics sink
// implements it.
type DurationObserver interface {
	ObserveProcessing(class string, success bool, durationMs float64)
}

// Processor is the shared execution pipeline. The dispatch pools and
// the polling fallback both hand jobs here, so claiming, tenancy,
// timeouts, and outcome recording behave identically on either path.
type Processor struct {
	queue     *queue.Queue
	reg       *Registry
	tenants   tenant.Provider
	results   *result.Backend
	durations DurationObserver
	log       logger.Logger
}

// NewProcessor wires the pipeline. The result backend is optional.
func NewProcessor(q *queue.Queue, reg *Registry, tenants tenant.Provider, results *result.Backend, log logger.Logger) *Processor {
	return &Processor{
		queue:   q,
		reg:     reg,
		tenants: tenants,
		results: results,
		log:     log.WithComponent(logger.ComponentWorker),
	}
}

// SetDurationObserver installs the timing sink. Call before dispatch
// starts.
func (p *Processor) SetDurationObserver(obs DurationObserver) {
	p.durations = obs
}

// Process claims and executes one job. Returns true when this caller
// won the claim and ran the handler, false when another dispatcher got
// there first.
func (p *Processor) Process(ctx context.Context, j *job.Job, workerID string) (bool, error) {
	entry := p.reg.Lookup(j.Class)
	if entry == nil {
		// No handler: claim it so it can be failed terminally instead
		// of spinning in the waiting set
		_, won, err := p.queue.Acquire(ctx, j)
		if err != nil || !won {
			return false, err
		}
		cause := relayerr.New(relayerr.KindUnknownJobClass, "worker.process",
			fmt.Sprintf("no handler registered for class %q", j.Class))
		_, err = p.queue.MarkFailed(ctx, j, cause)
		return true, err
	}

	// A closed admission gate means the class's collaborator breaker is
	// open; leave the job waiting so no attempt is consumed.
	if entry.Gate != nil && !entry.Gate() {
		return false, nil
	}

	attempt, won, err := p.queue.Acquire(ctx, j)
	if err != nil || !won {
		return false, err
	}
	j.AttemptsMade = attempt

	ctx = context.WithValue(ctx, logger.CtxJobID, j.ID)
	ctx = context.WithValue(ctx, logger.CtxWorkerID, workerID)

	p.log.InfoContext(ctx, "Job started",
		"class", string(j.Class),
		"attempt", attempt,
		"max_attempts", j.MaxAttempts)

	started := time.Now()
	output, handlerErr := p.invoke(ctx, entry, j)
	duration := time.Since(started)

	if p.durations != nil {
		p.durations.ObserveProcessing(string(j.Class), handlerErr == nil, float64(duration.Milliseconds()))
	}

	if handlerErr != nil {
		return true, p.recordFailure(ctx, j, handlerErr, duration)
	}
	return true, p.recordSuccess(ctx, j, output, duration)
}

// invoke runs the handler inside a tenant session with the class
// timeout and panic containment.
func (p *Processor) invoke(ctx context.Context, entry *Entry, j *job.Job) (output []byte, err error) {
	kind := entry.Defaults.SessionKind
	timeout := entry.Defaults.Timeout

	sessionErr := p.tenants.WithTenantSession(ctx, kind, j.MerchantID, func(sctx context.Context) error {
		out, invokeErr := async.WithTimeout(sctx, timeout, fmt.Sprintf("handler.%s", j.Class),
			func(hctx context.Context) (result []byte, err error) {
				defer func() {
					if r := recover(); r != nil {
						pe := relayerr.NewPanicError(r)
						p.log.ErrorContext(hctx, "Handler panicked",
							"class", string(j.Class),
							"panic", relayerr.FormatPanicForLog(pe))
						err = relayerr.Retryable("handler.panic", pe)
					}
				}()
				return entry.Handler.Handle(hctx, j)
			})
		output = out
		return invokeErr
	})

	return output, sessionErr
}

func (p *Processor) recordSuccess(ctx context.Context, j *job.Job, output []byte, duration time.Duration) error {
	if err := p.queue.MarkCompleted(ctx, j); err != nil {
		return err
	}

	if p.results != nil {
		res := job.Succeeded(j, output, duration)
		if err := p.results.Store(ctx, res); err != nil {
			p.log.WarnContext(ctx, "Failed to store job result", "error", err)
		}
	}

	p.log.InfoContext(ctx, "Job completed",
		"class", string(j.Class),
		"duration_ms", duration.Milliseconds())
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, j *job.Job, cause error, duration time.Duration) error {
	kind := relayerr.KindOf(cause)

	retryScheduled, err := p.queue.MarkFailed(ctx, j, cause)
	if err != nil {
		return err
	}

	if !retryScheduled && p.results != nil {
		res := job.Failed(j, cause.Error(), string(kind), duration)
		if storeErr := p.results.Store(ctx, res); storeErr != nil {
			p.log.WarnContext(ctx, "Failed to store job result", "error", storeErr)
		}
	}

	if retryScheduled {
		p.log.WarnContext(ctx, "Job attempt failed, retry scheduled",
			"class", string(j.Class),
			"attempt", j.AttemptsMade,
			"error_kind", string(kind),
			"error", cause.Error())
	}
	return nil
}
