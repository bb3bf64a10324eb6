// Package engine assembles and supervises the queue system: ordered
// initialization with a diagnostics bundle, producer-facing enqueue
// APIs, health reporting, and drain-aware shutdown.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sendable-ai/relayq/internal/alerts"
	"github.com/sendable-ai/relayq/internal/breaker"
	"github.com/sendable-ai/relayq/internal/config"
	"github.com/sendable-ai/relayq/internal/health"
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/maintenance"
	"github.com/sendable-ai/relayq/internal/metrics"
	"github.com/sendable-ai/relayq/internal/poller"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/redisconn"
	"github.com/sendable-ai/relayq/internal/relayerr"
	"github.com/sendable-ai/relayq/internal/result"
	"github.com/sendable-ai/relayq/internal/tenant"
	"github.com/sendable-ai/relayq/internal/worker"
)

// enqueueRetries bounds the internal retry on transient enqueue
// failures before the error surfaces to the producer.
const enqueueRetries = 3

// Collaborators are the external services job handlers call.
type Collaborators struct {
	AI           worker.AIClient
	Sender       worker.MessageSender
	Notification worker.NotificationSender
}

// StepStatus records one initialization step for the diagnostics bundle.
type StepStatus struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Diagnostics is the initialization report.
type Diagnostics struct {
	Steps     []StepStatus `json:"steps"`
	OK        bool         `json:"ok"`
	StartedAt int64        `json:"started_at"`
}

// EnqueueResult is the producer-facing outcome of an enqueue call.
// Error strings are sanitized; full detail goes to the log only.
type EnqueueResult struct {
	OK       bool   `json:"ok"`
	JobID    string `json:"job_id,omitempty"`
	Position int64  `json:"position,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Engine owns every component and their lifecycle ordering.
type Engine struct {
	cfg      *config.Config
	log      logger.Logger
	notifier alerts.Notifier

	redis     *redisconn.Manager
	queue     *queue.Queue
	results   *result.Backend
	registry  *worker.Registry
	breakers  *breaker.Registry
	tenants   tenant.Provider
	processor *worker.Processor
	pools     []*worker.Pool
	poller    *poller.Poller
	monitor   *health.Monitor
	cleaner   *maintenance.Cleaner
	collector *metrics.Collector

	collabs     Collaborators
	initialized atomic.Bool
}

// New creates an unstarted engine.
func New(cfg *config.Config, collabs Collaborators, log logger.Logger) *Engine {
	notifier := alerts.Notifier(alerts.NoOpNotifier{})
	if cfg.AlertWebhookURL != "" {
		notifier = alerts.NewWebhookNotifier(cfg.AlertWebhookURL)
	}

	return &Engine{
		cfg:       cfg,
		log:       log.WithComponent(logger.ComponentEngine),
		notifier:  notifier,
		collabs:   collabs,
		collector: metrics.NewCollector(),
	}
}

// Metrics returns the engine's Prometheus collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.collector
}

// Queue exposes the queue core for the producer client and tests.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Results exposes the result backend.
func (e *Engine) Results() *result.Backend {
	return e.results
}

// Initialize brings every component up in dependency order and returns
// the diagnostics bundle. The engine accepts jobs only after this
// returns with OK.
func (e *Engine) Initialize(ctx context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{StartedAt: time.Now().UnixMilli()}

	job.SetDefaults(e.cfg.DefaultMaxAttempts, e.cfg.DefaultBackoffBaseMs)

	step := func(name string, fn func() error) bool {
		started := time.Now()
		err := fn()
		status := StepStatus{
			Name:     name,
			OK:       err == nil,
			Duration: time.Since(started).String(),
		}
		if err != nil {
			status.Error = err.Error()
			e.log.Error("Initialization step failed", "step", name, "error", err)
		}
		diag.Steps = append(diag.Steps, status)
		return err == nil
	}

	ok := step("redis", func() error {
		e.redis = redisconn.NewManager(e.cfg.Redis, e.log)
		return e.redis.HealthCheck(ctx, redisconn.UsageQueueBackend)
	})
	if !ok {
		return diag, fmt.Errorf("initialization failed at step redis")
	}

	ok = step("queue", func() error {
		client, err := e.redis.Get(redisconn.UsageQueueBackend)
		if err != nil {
			return err
		}
		e.queue = queue.New(client, e.cfg.QueueName, e.log)
		e.queue.SetLeaseDuration(e.cfg.StalledThreshold)
		e.queue.Subscribe(&metricsObserver{collector: e.collector})

		e.results = result.New(client, e.cfg.QueueName, e.cfg.ResultSuccessTTL, e.cfg.ResultFailureTTL, e.log)
		return nil
	})
	if !ok {
		return diag, fmt.Errorf("initialization failed at step queue")
	}

	ok = step("handlers", func() error {
		e.registry = worker.NewRegistry()
		e.breakers = breaker.NewRegistry(
			e.cfg.CircuitBreakerFailureThreshold,
			e.cfg.CircuitBreakerResetTimeout,
			e.log)
		e.tenants = tenant.NewContextProvider(e.log)

		handlers := worker.NewHandlers(e.queue, e.breakers, e.collabs.AI, e.collabs.Sender, e.collabs.Notification, e.log)
		return handlers.RegisterAll(e.registry)
	})
	if !ok {
		return diag, fmt.Errorf("initialization failed at step handlers")
	}

	ok = step("dispatch", func() error {
		e.processor = worker.NewProcessor(e.queue, e.registry, e.tenants, e.results, e.log)
		e.processor.SetDurationObserver(e.collector)

		for _, class := range job.AllClasses() {
			pool := worker.NewPool(class, e.processor, e.queue, e.log)
			pool.Start(ctx)
			e.pools = append(e.pools, pool)
		}
		return nil
	})
	if !ok {
		return diag, fmt.Errorf("initialization failed at step dispatch")
	}

	ok = step("poller", func() error {
		e.poller = poller.New(e.queue, e.processor, e.registry, e.notifier, e.cfg.PollInterval, e.log)
		e.poller.SetRemovalObserver(e.collector)
		e.poller.Start(ctx)
		return nil
	})
	if !ok {
		return diag, fmt.Errorf("initialization failed at step poller")
	}

	ok = step("health", func() error {
		e.monitor = health.NewMonitor(e.queue, e.redis, e.pools, e.poller, e.collector, e.notifier,
			e.cfg.QueueHealthInterval, e.cfg.WorkerHealthInterval, e.log)
		e.monitor.Start(ctx)
		return nil
	})
	if !ok {
		return diag, fmt.Errorf("initialization failed at step health")
	}

	ok = step("maintenance", func() error {
		client, err := e.redis.Get(redisconn.UsageQueueBackend)
		if err != nil {
			return err
		}
		e.cleaner = maintenance.NewCleaner(client, e.queue, e.cfg.QueueName, e.cfg.CleanupSchedule, e.log)
		return e.cleaner.Start()
	})
	if !ok {
		return diag, fmt.Errorf("initialization failed at step maintenance")
	}

	e.initialized.Store(true)
	diag.OK = true

	if e.cfg.EnableQueueTests && !e.cfg.IsProduction() {
		step("probe", func() error { return e.runProbe(ctx) })
	}

	e.log.Info("Engine initialized",
		"queue", e.cfg.QueueName,
		"environment", e.cfg.Environment,
		"classes", len(e.pools))
	return diag, nil
}

// runProbe enqueues a harmless cleanup job one second after startup
// and waits for its result to verify the full
// enqueue-dispatch-complete path. Never runs in production.
func (e *Engine) runProbe(ctx context.Context) error {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	payload, err := job.EncodePayload(job.CleanupPayload{
		Scope:     "completed",
		OlderThan: (365 * 24 * time.Hour).Milliseconds(),
	})
	if err != nil {
		return err
	}

	probe := job.New(job.ClassCleanup, payload, "", job.Options{Priority: job.PriorityLow})
	if _, err := e.queue.Enqueue(ctx, probe); err != nil {
		return err
	}

	res, err := e.results.WaitForResult(ctx, probe.ID, 10*time.Second)
	if err != nil {
		return fmt.Errorf("probe job did not complete: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("probe job failed: %s", res.Error)
	}

	e.log.Info("Queue probe succeeded", "job_id", probe.ID)
	return nil
}

// EnqueueWebhookEvent accepts an inbound platform webhook event.
func (e *Engine) EnqueueWebhookEvent(ctx context.Context, p job.WebhookInboundPayload, opts job.Options) EnqueueResult {
	return e.enqueuePayload(ctx, job.ClassWebhookInbound, p, p.MerchantID, opts)
}

// EnqueueAIResponse accepts a direct AI reply request.
func (e *Engine) EnqueueAIResponse(ctx context.Context, p job.AIResponsePayload, opts job.Options) EnqueueResult {
	return e.enqueuePayload(ctx, job.ClassAIResponse, p, p.MerchantID, opts)
}

// EnqueueChatRelay accepts an event relayed from the chat automation
// platform.
func (e *Engine) EnqueueChatRelay(ctx context.Context, p job.ChatRelayPayload, opts job.Options) EnqueueResult {
	return e.enqueuePayload(ctx, job.ClassChatRelay, p, p.MerchantID, opts)
}

// EnqueueNotification accepts an internal notification.
func (e *Engine) EnqueueNotification(ctx context.Context, p job.NotificationPayload, opts job.Options) EnqueueResult {
	return e.enqueuePayload(ctx, job.ClassNotification, p, p.MerchantID, opts)
}

func (e *Engine) enqueuePayload(ctx context.Context, class job.Class, payload interface{}, merchantID string, opts job.Options) EnqueueResult {
	if !e.initialized.Load() {
		return EnqueueResult{OK: false, Error: "queue engine is not initialized"}
	}

	data, err := job.EncodePayload(payload)
	if err != nil {
		e.log.Error("Payload encoding failed", "class", string(class), "error", err)
		return EnqueueResult{OK: false, Error: "invalid payload"}
	}

	j := job.New(class, data, merchantID, opts)

	var position int64
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		position, err = e.queue.Enqueue(ctx, j)
		if err == nil {
			break
		}
		if attempt >= enqueueRetries || !relayerr.IsConnection(err) {
			e.log.Error("Enqueue failed",
				"class", string(class),
				"attempts", attempt,
				"error", err)
			return EnqueueResult{OK: false, Error: "failed to enqueue job"}
		}
		e.redis.Refresh(redisconn.UsageQueueBackend)
		time.Sleep(backoff)
		backoff *= 2
	}

	return EnqueueResult{OK: true, JobID: j.ID, Position: position}
}

// Health returns the current health report.
func (e *Engine) Health(ctx context.Context) (*health.Report, error) {
	if !e.initialized.Load() {
		return nil, fmt.Errorf("queue engine is not initialized")
	}
	return e.monitor.GetHealth(ctx)
}

// Stats returns the queue-wide statistics snapshot.
func (e *Engine) Stats(ctx context.Context) (*queue.Stats, error) {
	if !e.initialized.Load() {
		return nil, fmt.Errorf("queue engine is not initialized")
	}
	return e.queue.GetStats(ctx)
}

// ResumePolling clears a rate-limit halt immediately.
func (e *Engine) ResumePolling() {
	if e.poller != nil {
		e.poller.ResumeNow()
	}
}

// Shutdown stops intake, drains in-flight jobs until the deadline, and
// releases every resource. Active jobs are polled once per second; on
// deadline expiry remaining leases are left for stalled recovery on the
// next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.initialized.CompareAndSwap(true, false) {
		return nil
	}

	deadline := e.cfg.ShutdownDeadline
	e.log.Info("Shutdown started", "deadline", deadline.String())
	started := time.Now()

	if e.cleaner != nil {
		e.cleaner.Stop()
	}
	if e.poller != nil {
		e.poller.Stop()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}

	perPool := deadline / time.Duration(len(e.pools)+1)
	for _, p := range e.pools {
		p.Drain(perPool)
	}

	// Wait for the active sets to empty
	for time.Since(started) < deadline {
		remaining := e.activeCount(ctx)
		if remaining == 0 {
			break
		}
		e.log.Info("Waiting for active jobs", "remaining", remaining)
		time.Sleep(time.Second)
	}

	if n := e.activeCount(ctx); n > 0 {
		e.log.Warn("Shutdown deadline reached with jobs still active",
			"remaining", n)
	}

	if err := e.notifier.Close(); err != nil {
		e.log.Warn("Notifier close failed", "error", err)
	}
	if err := e.redis.CloseAll(); err != nil {
		e.log.Warn("Redis close failed", "error", err)
	}

	e.log.Info("Shutdown complete", "took", time.Since(started).String())
	return nil
}

func (e *Engine) activeCount(ctx context.Context) int {
	total := 0
	for _, class := range job.AllClasses() {
		active, err := e.queue.ActiveLeases(ctx, class)
		if err != nil {
			continue
		}
		total += len(active)
	}
	return total
}
