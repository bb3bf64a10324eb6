package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

const (
	// idleSleep is how long a worker sleeps when its class has no
	// waiting jobs.
	idleSleep = 100 * time.Millisecond

	// maxFetchBackoff caps the sleep after consecutive Redis failures.
	maxFetchBackoff = 5 * time.Second
)

// Pool runs the dispatch workers for one job class.
type Pool struct {
	class       job.Class
	concurrency int
	processor   *Processor
	queue       *queue.Queue
	log         logger.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	active   atomic.Int64
	alive    atomic.Int64
	started  atomic.Bool
}

// NewPool creates a dispatch pool for one class at the class's default
// concurrency.
func NewPool(class job.Class, processor *Processor, q *queue.Queue, log logger.Logger) *Pool {
	defaults := job.DefaultsFor(class, job.PriorityNormal)
	return &Pool{
		class:       class,
		concurrency: defaults.Concurrency,
		processor:   processor,
		queue:       q,
		log:         log.WithComponent(logger.ComponentWorker),
		stopChan:    make(chan struct{}),
	}
}

// Start launches the pool's workers.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s", p.class, uuid.New().String()[:8])
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}

	p.log.Info("Dispatch pool started",
		"class", string(p.class),
		"concurrency", p.concurrency)
}

// Active returns how many workers are currently executing a handler.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Alive returns how many worker goroutines are still running. Below
// Concurrency outside shutdown means a worker died to a loop panic.
func (p *Pool) Alive() int64 {
	return p.alive.Load()
}

// Concurrency returns the pool's worker count.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Class returns the class this pool serves.
func (p *Pool) Class() job.Class {
	return p.class
}

func (p *Pool) run(ctx context.Context, workerID string) {
	p.alive.Add(1)
	defer p.alive.Add(-1)
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			pe := relayerr.NewPanicError(r)
			p.log.Error("Worker loop panicked, worker exiting",
				"worker_id", workerID,
				"panic", relayerr.FormatPanicForLog(pe))
		}
	}()

	backoff := idleSleep

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.queue.FetchWaiting(ctx, p.class, 1)
		if err != nil {
			p.log.Warn("Fetch failed, backing off",
				"class", string(p.class),
				"worker_id", workerID,
				"backoff", backoff.String(),
				"error", err)
			p.sleep(backoff)
			backoff *= 2
			if backoff > maxFetchBackoff {
				backoff = maxFetchBackoff
			}
			continue
		}
		backoff = idleSleep

		if len(jobs) == 0 {
			p.sleep(idleSleep)
			continue
		}

		p.active.Add(1)
		won, err := p.processor.Process(ctx, jobs[0], workerID)
		p.active.Add(-1)

		if err != nil {
			p.log.Warn("Processing error",
				"class", string(p.class),
				"worker_id", workerID,
				"job_id", jobs[0].ID,
				"error", err)
		}
		if !won {
			// Lost race or closed admission gate; back off briefly
			// instead of refetching the same job in a hot loop
			p.sleep(idleSleep)
		}
	}
}

// sleep waits without delaying shutdown.
func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopChan:
	case <-time.After(d):
	}
}

// Drain stops accepting new jobs and waits for in-flight handlers up to
// the deadline. Returns false when the deadline expired with handlers
// still running.
func (p *Pool) Drain(deadline time.Duration) bool {
	close(p.stopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(deadline):
		p.log.Warn("Drain deadline expired",
			"class", string(p.class),
			"still_active", p.active.Load())
		return false
	}
}
