package maintenance

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/queue"
)

// lockTTL covers one full cleanup pass with headroom.
const lockTTL = 10 * time.Minute

// Cleaner schedules periodic retention cleanup. Each pass enqueues a
// cleanup job rather than scanning inline, so the work runs through the
// normal dispatch pipeline with its metrics and retry handling.
type Cleaner struct {
	queue    *queue.Queue
	lock     *Lock
	cron     *cron.Cron
	schedule string
	log      logger.Logger
}

// NewCleaner creates a cleaner on the given cron schedule.
func NewCleaner(client *redis.Client, q *queue.Queue, queueName, schedule string, log logger.Logger) *Cleaner {
	return &Cleaner{
		queue:    q,
		lock:     NewLock(client, queueName, "cleanup", lockTTL),
		cron:     cron.New(),
		schedule: schedule,
		log:      log.WithComponent(logger.ComponentMaintenance),
	}
}

// Start registers the schedule and starts the cron runner.
func (c *Cleaner) Start() error {
	_, err := c.cron.AddFunc(c.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		c.runPass(ctx)
	})
	if err != nil {
		return err
	}

	c.cron.Start()
	c.log.Info("Cleanup schedule registered", "schedule", c.schedule)
	return nil
}

// Stop halts the cron runner, waiting for a running pass.
func (c *Cleaner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// runPass enqueues one cleanup job under the distributed lock so only
// one engine instance schedules it per tick.
func (c *Cleaner) runPass(ctx context.Context) {
	acquired, err := c.lock.Acquire(ctx)
	if err != nil {
		c.log.Warn("Cleanup lock acquisition failed", "error", err)
		return
	}
	if !acquired {
		c.log.Debug("Cleanup pass skipped, another instance holds the lock")
		return
	}
	defer func() {
		if err := c.lock.Release(ctx); err != nil {
			c.log.Warn("Cleanup lock release failed", "error", err)
		}
	}()

	payload, err := job.EncodePayload(job.CleanupPayload{})
	if err != nil {
		c.log.Error("Failed to encode cleanup payload", "error", err)
		return
	}

	cleanupJob := job.New(job.ClassCleanup, payload, "", job.Options{Priority: job.PriorityLow})
	if _, err := c.queue.Enqueue(ctx, cleanupJob); err != nil {
		c.log.Error("Failed to enqueue cleanup job", "error", err)
		return
	}

	c.log.Info("Cleanup job enqueued", "job_id", cleanupJob.ID)
}
