// Package client is the producer-side library for services that enqueue
// jobs and read results without running dispatch pools.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/result"
)

// Client enqueues jobs and reads their results.
type Client struct {
	redis   *redis.Client
	queue   *queue.Queue
	results *result.Backend
	log     logger.Logger
}

// Options configures a client.
type Options struct {
	RedisURL   string
	QueueName  string
	SuccessTTL time.Duration
	FailureTTL time.Duration
	Logger     logger.Logger
}

// New creates a client and verifies connectivity.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.QueueName == "" {
		opts.QueueName = "relayq"
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent(logger.ComponentClient)

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Client{
		redis:   rdb,
		queue:   queue.New(rdb, opts.QueueName, log),
		results: result.New(rdb, opts.QueueName, opts.SuccessTTL, opts.FailureTTL, log),
		log:     log,
	}, nil
}

// Enqueue submits a payload as a job of the given class. The payload is
// wrapped in the standard envelope.
func (c *Client) Enqueue(ctx context.Context, class job.Class, payload interface{}, merchantID string, opts job.Options) (*job.Job, int64, error) {
	data, err := job.EncodePayload(payload)
	if err != nil {
		return nil, 0, err
	}

	j := job.New(class, data, merchantID, opts)
	position, err := c.queue.Enqueue(ctx, j)
	if err != nil {
		return nil, 0, err
	}
	return j, position, nil
}

// GetJob loads a job record by id. Returns nil when it does not exist.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return c.queue.GetJob(ctx, id)
}

// GetResult fetches a stored handler result, or nil when none exists.
func (c *Client) GetResult(ctx context.Context, jobID string) (*job.HandlerResult, error) {
	return c.results.Get(ctx, jobID)
}

// WaitForResult blocks until the job's result arrives or timeout
// elapses.
func (c *Client) WaitForResult(ctx context.Context, jobID string, timeout time.Duration) (*job.HandlerResult, error) {
	return c.results.WaitForResult(ctx, jobID, timeout)
}

// Stats returns the queue-wide statistics snapshot.
func (c *Client) Stats(ctx context.Context) (*queue.Stats, error) {
	return c.queue.GetStats(ctx)
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
