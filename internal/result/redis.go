// Package result stores handler outcomes in Redis with separate TTLs
// for successes and failures, and lets producers block on a result via
// pub/sub.
package result

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

// Backend stores and retrieves handler results.
type Backend struct {
	client     *redis.Client
	queue      string
	successTTL time.Duration
	failureTTL time.Duration
	log        logger.Logger
}

// New creates a result backend. Failure results live longer than
// successes so operators can inspect them.
func New(client *redis.Client, queueName string, successTTL, failureTTL time.Duration, log logger.Logger) *Backend {
	if successTTL <= 0 {
		successTTL = time.Hour
	}
	if failureTTL <= 0 {
		failureTTL = 24 * time.Hour
	}
	return &Backend{
		client:     client,
		queue:      queueName,
		successTTL: successTTL,
		failureTTL: failureTTL,
		log:        log.WithComponent(logger.ComponentQueue),
	}
}

func (b *Backend) key(jobID string) string {
	return fmt.Sprintf("relayq:%s:result:%s", b.queue, jobID)
}

func (b *Backend) channel(jobID string) string {
	return fmt.Sprintf("relayq:%s:result-ready:%s", b.queue, jobID)
}

// Store writes a result and publishes readiness for any waiter.
func (b *Backend) Store(ctx context.Context, res *job.HandlerResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	ttl := b.successTTL
	if !res.Success {
		ttl = b.failureTTL
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.key(res.JobID), data, ttl)
	pipe.Publish(ctx, b.channel(res.JobID), "ready")
	if _, err := pipe.Exec(ctx); err != nil {
		return relayerr.Wrap(relayerr.KindConnection, "result.store", err)
	}
	return nil
}

// Get fetches a stored result. Returns nil when no result exists yet.
func (b *Backend) Get(ctx context.Context, jobID string) (*job.HandlerResult, error) {
	data, err := b.client.Get(ctx, b.key(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "result.get", err)
	}

	var res job.HandlerResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}

// WaitForResult blocks until a result for jobID arrives or the timeout
// elapses. A result stored before the subscription is picked up by the
// initial Get.
func (b *Backend) WaitForResult(ctx context.Context, jobID string, timeout time.Duration) (*job.HandlerResult, error) {
	sub := b.client.Subscribe(ctx, b.channel(jobID))
	defer sub.Close()

	// Result may already be there
	if res, err := b.Get(ctx, jobID); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ch:
			res, err := b.Get(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return res, nil
			}
		case <-timer.C:
			return nil, relayerr.Timeout("result.wait")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Delete removes a stored result.
func (b *Backend) Delete(ctx context.Context, jobID string) error {
	if err := b.client.Del(ctx, b.key(jobID)).Err(); err != nil {
		return relayerr.Wrap(relayerr.KindConnection, "result.delete", err)
	}
	return nil
}
