// Package health runs the periodic queue and worker health checks,
// reclaims stalled jobs, and produces the operator-facing health report
// with fixed recommendation rules.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/alerts"
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/metrics"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/redisconn"
	"github.com/sendable-ai/relayq/internal/worker"
)

// Status grades overall engine health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds for the queue-check warnings and recommendation rules.
const (
	warnBacklogDepth     = 1000
	warnErrorRatePercent = 20.0
	highErrorRatePercent = 10.0
	deadWorkerIdleAge    = 120 * time.Second
	stalledLogSample     = 5
)

// Report is the operator-facing health snapshot.
type Report struct {
	Status          Status              `json:"status"`
	Stats           *queue.Stats        `json:"stats"`
	StalledJobs     int                 `json:"stalled_jobs"`
	DeadWorkers     map[job.Class]int64 `json:"dead_workers,omitempty"`
	PollerHalted    bool                `json:"poller_halted"`
	Recommendations []string            `json:"recommendations"`
	CheckedAt       int64               `json:"checked_at"`
}

// PollerState is the slice of poller status the monitor reads.
type PollerState interface {
	Halted() bool
}

// ConnectionChecker is the slice of the connection manager the queue
// health check pings and refreshes.
type ConnectionChecker interface {
	HealthCheck(ctx context.Context, usage redisconn.Usage) error
	Refresh(usage redisconn.Usage)
	Get(usage redisconn.Usage) (*redis.Client, error)
}

// Monitor runs the periodic checks.
type Monitor struct {
	queue     *queue.Queue
	conns     ConnectionChecker
	pools     []*worker.Pool
	poller    PollerState
	collector *metrics.Collector
	notifier  alerts.Notifier
	log       logger.Logger

	queueInterval  time.Duration
	workerInterval time.Duration

	mu          sync.Mutex
	lastReport  *Report
	stalledSeen int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor.
func NewMonitor(q *queue.Queue, conns ConnectionChecker, pools []*worker.Pool, poller PollerState, collector *metrics.Collector, notifier alerts.Notifier, queueInterval, workerInterval time.Duration, log logger.Logger) *Monitor {
	return &Monitor{
		queue:          q,
		conns:          conns,
		pools:          pools,
		poller:         poller,
		collector:      collector,
		notifier:       notifier,
		log:            log.WithComponent(logger.ComponentHealth),
		queueInterval:  queueInterval,
		workerInterval: workerInterval,
		stopChan:       make(chan struct{}),
	}
}

// Start launches the queue and worker check timers.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.runQueueChecks(ctx)
	go m.runWorkerChecks(ctx)
	m.log.Info("Health monitoring started",
		"queue_interval", m.queueInterval.String(),
		"worker_interval", m.workerInterval.String())
}

// Stop halts both timers.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) runQueueChecks(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkQueues(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) runWorkerChecks(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.workerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkWorkers()
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkQueues pings Redis, reclaims stalled jobs, and refreshes depth
// gauges. An unhealthy ping gets the queue a fresh connection before
// the stats pass.
func (m *Monitor) checkQueues(ctx context.Context) {
	m.checkConnection(ctx)

	now := time.Now().UnixMilli()
	stalled := 0

	for _, class := range job.AllClasses() {
		active, err := m.queue.ActiveLeases(ctx, class)
		if err != nil {
			m.log.Warn("Active fetch failed during health check", "class", string(class), "error", err)
			continue
		}

		var sample []string
		for id, leaseExpiry := range active {
			if leaseExpiry >= now {
				continue
			}
			stalled++
			if len(sample) < stalledLogSample {
				sample = append(sample, id)
			}

			requeued, err := m.queue.RequeueStalled(ctx, class, id)
			if err != nil {
				m.log.Warn("Failed to requeue stalled job", "job_id", id, "error", err)
				continue
			}
			if requeued && m.collector != nil {
				m.collector.StalledJobs.Inc()
			}
		}

		if len(sample) > 0 {
			m.log.Warn("Stalled jobs reclaimed",
				"class", string(class),
				"count", stalled,
				"sample_ids", sample)
		}
	}

	m.mu.Lock()
	m.stalledSeen = stalled
	m.mu.Unlock()

	m.refreshGauges(ctx)
}

// checkConnection pings the queue backend and rebinds the queue to a
// fresh client when the ping fails.
func (m *Monitor) checkConnection(ctx context.Context) {
	if m.conns == nil {
		return
	}

	err := m.conns.HealthCheck(ctx, redisconn.UsageQueueBackend)
	if err == nil {
		return
	}

	m.log.Warn("Redis ping failed, refreshing queue connection", "error", err)
	m.conns.Refresh(redisconn.UsageQueueBackend)

	client, err := m.conns.Get(redisconn.UsageQueueBackend)
	if err != nil {
		m.log.Error("Could not obtain a fresh queue connection", "error", err)
		return
	}
	m.queue.Rebind(client)
}

func (m *Monitor) refreshGauges(ctx context.Context) {
	stats, err := m.queue.GetStats(ctx)
	if err != nil {
		m.log.Warn("Stats fetch failed during health check", "error", err)
		return
	}

	var dlq int64
	for class, counts := range stats.Classes {
		if counts.Waiting > warnBacklogDepth {
			m.log.Warn("Waiting depth exceeds threshold",
				"class", string(class),
				"waiting", counts.Waiting)
		}
		if m.collector != nil {
			m.collector.QueueDepth.WithLabelValues(string(class), "waiting").Set(float64(counts.Waiting))
			m.collector.QueueDepth.WithLabelValues(string(class), "delayed").Set(float64(counts.Delayed))
			m.collector.QueueDepth.WithLabelValues(string(class), "active").Set(float64(counts.Active))
		}
		dlq += counts.Failed
	}

	if stats.ErrorRatePercent > warnErrorRatePercent {
		m.log.Warn("Queue error rate elevated",
			"error_rate_percent", stats.ErrorRatePercent)
	}

	if m.collector == nil {
		return
	}
	m.collector.DLQCount.Set(float64(dlq))
	m.collector.ErrorRate.Set(stats.ErrorRatePercent)

	for _, p := range m.pools {
		m.collector.ActiveWorkers.WithLabelValues(string(p.Class())).Set(float64(p.Active()))
	}
}

// checkWorkers detects pools that lost worker goroutines to panics.
func (m *Monitor) checkWorkers() {
	for _, p := range m.pools {
		dead := int64(p.Concurrency()) - p.Alive()
		if dead <= 0 {
			continue
		}

		m.log.Error("Dead workers detected",
			"class", string(p.Class()),
			"expected", p.Concurrency(),
			"alive", p.Alive())

		m.notifier.Notify(alerts.Alert{
			Severity: alerts.SeverityCritical,
			Source:   "health.worker",
			Message:  "Dispatch pool lost worker goroutines",
			Details: map[string]interface{}{
				"class":    string(p.Class()),
				"expected": p.Concurrency(),
				"alive":    p.Alive(),
			},
		})
	}
}

// GetHealth builds the current health report.
func (m *Monitor) GetHealth(ctx context.Context) (*Report, error) {
	stats, err := m.queue.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	stalled := m.stalledSeen
	m.mu.Unlock()

	report := &Report{
		Status:      StatusHealthy,
		Stats:       stats,
		StalledJobs: stalled,
		DeadWorkers: make(map[job.Class]int64),
		CheckedAt:   time.Now().UnixMilli(),
	}

	if m.poller != nil {
		report.PollerHalted = m.poller.Halted()
	}

	for _, p := range m.pools {
		if dead := int64(p.Concurrency()) - p.Alive(); dead > 0 {
			report.DeadWorkers[p.Class()] = dead
		}
	}

	report.Recommendations = m.recommend(report)
	healthyRecs := len(report.Recommendations) == 1 && report.Recommendations[0] == "system healthy"

	switch {
	case len(report.DeadWorkers) > 0 || containsRec(report.Recommendations, "workers dead"):
		report.Status = StatusUnhealthy
	case stalled > 0 || report.PollerHalted || !healthyRecs:
		report.Status = StatusDegraded
	}

	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()

	return report, nil
}

// recommend applies the fixed rule set over the aggregate snapshot.
// The same snapshot always yields the same advice.
func (m *Monitor) recommend(r *Report) []string {
	var waiting, delayed, active, completed, failed int64
	for _, counts := range r.Stats.Classes {
		waiting += counts.Waiting
		delayed += counts.Delayed
		active += counts.Active
		completed += counts.Completed
		failed += counts.Failed
	}

	var processing int64
	for _, p := range m.pools {
		processing += p.Active()
	}

	lastProcessedStale := r.Stats.LastProcessedAt == 0 ||
		time.Since(time.UnixMilli(r.Stats.LastProcessedAt)) > deadWorkerIdleAge

	var recs []string
	if delayed > 0 && processing == 0 && active == 0 {
		recs = append(recs, "restart workers required")
	}
	if waiting > 10 && active == 0 && lastProcessedStale {
		recs = append(recs, "workers dead")
	}
	if waiting > 100 && active == 0 {
		recs = append(recs, "backlog accumulating")
	}
	if r.Stats.ErrorRatePercent > highErrorRatePercent {
		recs = append(recs, "high error rate")
	}
	if failed > completed {
		recs = append(recs, "more failures than successes")
	}
	if len(recs) == 0 {
		recs = append(recs, "system healthy")
	}
	return recs
}

func containsRec(recs []string, want string) bool {
	for _, r := range recs {
		if r == want {
			return true
		}
	}
	return false
}
