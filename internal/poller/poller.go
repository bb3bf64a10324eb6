// Package poller runs the fallback dispatch loop. The dispatch pools
// carry normal load; the poller sweeps behind them on a slow tick,
// promoting due delayed jobs, removing corrupt or unclassifiable
// records, and picking up work a pool missed. When the Redis provider
// signals a rate limit the poller halts itself and resumes after a
// backoff so it never amplifies the overage.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sendable-ai/relayq/internal/alerts"
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/relayerr"
	"github.com/sendable-ai/relayq/internal/serialization"
	"github.com/sendable-ai/relayq/internal/worker"
)

const (
	// waitingBatch and delayedBatch bound how much one tick inspects
	// per class.
	waitingBatch = 3
	delayedBatch = 2

	// rateLimitBackoff is how long polling stays halted after the
	// provider signals a rate limit.
	rateLimitBackoff = 5 * time.Minute
)

// RemovalObserver counts jobs the poller drops as undispatchable. The
// metrics sink implements it.
type RemovalObserver interface {
	ObserveRemoval(class string, errType string)
}

// Poller is the fallback dispatch loop.
type Poller struct {
	queue     *queue.Queue
	processor *worker.Processor
	registry  *worker.Registry
	notifier  alerts.Notifier
	removals  RemovalObserver
	log       logger.Logger

	baseInterval time.Duration
	interval     atomic.Int64

	mu           sync.Mutex
	halted       bool
	haltedAt     time.Time
	alertSent    bool
	resumeSignal chan struct{}
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New creates a poller ticking at interval.
func New(q *queue.Queue, processor *worker.Processor, registry *worker.Registry, notifier alerts.Notifier, interval time.Duration, log logger.Logger) *Poller {
	p := &Poller{
		queue:        q,
		processor:    processor,
		registry:     registry,
		notifier:     notifier,
		log:          log.WithComponent(logger.ComponentPoller),
		baseInterval: interval,
		resumeSignal: make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
	}
	p.interval.Store(int64(interval))
	return p
}

// SetRemovalObserver installs the counter sink for undispatchable-job
// removals. Call before Start.
func (p *Poller) SetRemovalObserver(obs RemovalObserver) {
	p.removals = obs
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
	p.log.Info("Polling fallback started", "interval", p.baseInterval.String())
}

// Stop halts the loop and waits for the current tick to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// AdjustInterval scales the tick interval by multiplier. Health
// monitoring slows the poller when queues run hot on provider limits.
func (p *Poller) AdjustInterval(multiplier float64) {
	if multiplier <= 0 {
		return
	}
	next := time.Duration(float64(p.baseInterval) * multiplier)
	if next < time.Second {
		next = time.Second
	}
	p.interval.Store(int64(next))
	p.log.Info("Poll interval adjusted",
		"base", p.baseInterval.String(),
		"effective", next.String())
}

// ResumeNow clears a rate-limit halt immediately.
func (p *Poller) ResumeNow() {
	p.mu.Lock()
	wasHalted := p.halted
	p.halted = false
	p.alertSent = false
	p.mu.Unlock()

	if wasHalted {
		select {
		case p.resumeSignal <- struct{}{}:
		default:
		}
		p.log.Info("Polling resumed by operator")
	}
}

// Halted reports whether the loop is currently rate-limit halted.
func (p *Poller) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		interval := time.Duration(p.interval.Load())

		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if p.waitIfHalted(ctx) {
			return
		}

		p.tick(ctx)
	}
}

// waitIfHalted blocks through a rate-limit halt. Returns true when the
// poller should exit.
func (p *Poller) waitIfHalted(ctx context.Context) bool {
	p.mu.Lock()
	if !p.halted {
		p.mu.Unlock()
		return false
	}
	remaining := rateLimitBackoff - time.Since(p.haltedAt)
	p.mu.Unlock()

	if remaining <= 0 {
		p.clearHalt()
		return false
	}

	select {
	case <-time.After(remaining):
		p.clearHalt()
		return false
	case <-p.resumeSignal:
		return false
	case <-p.stopChan:
		return true
	case <-ctx.Done():
		return true
	}
}

func (p *Poller) clearHalt() {
	p.mu.Lock()
	p.halted = false
	p.alertSent = false
	p.mu.Unlock()
	p.log.Info("Polling resumed after rate-limit backoff")
}

// tick runs one sweep over every class.
func (p *Poller) tick(ctx context.Context) {
	for _, class := range job.AllClasses() {
		if err := p.sweepClass(ctx, class); err != nil {
			if relayerr.IsRateLimit(err) {
				p.haltForRateLimit(err)
				return
			}
			p.log.Warn("Sweep failed", "class", string(class), "error", err)
		}
	}
}

func (p *Poller) sweepClass(ctx context.Context, class job.Class) error {
	due, err := p.queue.FetchDue(ctx, class, time.Now(), delayedBatch)
	if err != nil {
		return err
	}
	for _, j := range due {
		promoted, err := p.queue.Promote(ctx, j)
		if err != nil {
			return err
		}
		if promoted {
			p.log.Debug("Delayed job promoted", "job_id", j.ID, "class", string(class))
		}
	}

	waiting, err := p.queue.FetchWaiting(ctx, class, waitingBatch)
	if err != nil {
		return err
	}

	for _, j := range waiting {
		if removed := p.removeIfUndispatchable(ctx, j); removed {
			continue
		}

		if _, err := p.processor.Process(ctx, j, "poller"); err != nil {
			if relayerr.IsRateLimit(err) {
				return err
			}
			p.log.Warn("Fallback processing failed", "job_id", j.ID, "error", err)
		}
	}

	return nil
}

// removeIfUndispatchable drops jobs no handler could ever run: unknown
// classes and undecodable payloads. Every removal counts as a failure.
func (p *Poller) removeIfUndispatchable(ctx context.Context, j *job.Job) bool {
	if !job.IsKnownClass(j.Class) || p.registry.Lookup(j.Class) == nil {
		p.log.Warn("Removing job with unregistered class",
			"job_id", j.ID,
			"class", string(j.Class))
		p.removeAndCount(ctx, j, "unknown_job_class")
		return true
	}

	if !serialization.Valid(j.Payload) {
		p.log.Warn("Removing job with corrupt payload", "job_id", j.ID, "class", string(j.Class))
		p.removeAndCount(ctx, j, "payload_corrupt")
		return true
	}

	return false
}

func (p *Poller) removeAndCount(ctx context.Context, j *job.Job, errType string) {
	if _, err := p.queue.Remove(ctx, j.Class, j.ID); err != nil {
		p.log.Warn("Failed to remove job", "job_id", j.ID, "error", err)
		return
	}
	if p.removals != nil {
		p.removals.ObserveRemoval(string(j.Class), errType)
	}
}

// haltForRateLimit stops polling for the backoff window and sends one
// ops alert per halt.
func (p *Poller) haltForRateLimit(cause error) {
	p.mu.Lock()
	alreadyHalted := p.halted
	p.halted = true
	p.haltedAt = time.Now()
	sendAlert := !p.alertSent
	p.alertSent = true
	p.mu.Unlock()

	// Discard any resume token left over from a ResumeNow that raced an
	// earlier halt, so this halt observes the full backoff
	select {
	case <-p.resumeSignal:
	default:
	}

	if alreadyHalted {
		return
	}

	p.log.Error("Redis rate limit hit, polling halted",
		"backoff", rateLimitBackoff.String(),
		"error", cause)

	if sendAlert {
		p.notifier.Notify(alerts.Alert{
			Severity: alerts.SeverityCritical,
			Source:   "poller",
			Message:  "Redis provider rate limit exceeded; polling halted",
			Details: map[string]interface{}{
				"backoff": rateLimitBackoff.String(),
				"error":   cause.Error(),
			},
		})
	}
}
