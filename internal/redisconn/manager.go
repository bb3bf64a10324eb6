// Package redisconn manages the engine's Redis clients. Handles are
// segregated by usage class so queue traffic, caching, and rate-limit
// counters never share a connection pool.
package redisconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/config"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

// Usage identifies what a Redis handle is used for.
type Usage string

const (
	UsageQueueBackend Usage = "queue-backend"
	UsageCache        Usage = "cache"
	UsageRateLimit    Usage = "rate-limit"
)

// Manager hands out and recycles Redis clients per usage class.
type Manager struct {
	cfg     config.RedisConfig
	log     logger.Logger
	mu      sync.Mutex
	clients map[Usage]*redis.Client
}

// NewManager creates a manager; clients are dialed lazily on first Get.
func NewManager(cfg config.RedisConfig, log logger.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log.WithComponent(logger.ComponentRedis),
		clients: make(map[Usage]*redis.Client),
	}
}

// Get returns the client for a usage class, dialing it if needed.
func (m *Manager) Get(usage Usage) (*redis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[usage]; ok {
		return c, nil
	}

	c, err := m.dial()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "redisconn.get", err)
	}

	m.clients[usage] = c
	m.log.Info("Redis client created", "usage", string(usage))
	return c, nil
}

func (m *Manager) dial() (*redis.Client, error) {
	opts, err := redis.ParseURL(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.PoolSize = m.cfg.PoolSize
	opts.MinIdleConns = m.cfg.MinIdleConns
	opts.DialTimeout = m.cfg.DialTimeout
	opts.ReadTimeout = m.cfg.ReadTimeout
	opts.WriteTimeout = m.cfg.WriteTimeout

	return redis.NewClient(opts), nil
}

// HealthCheck pings the client for a usage class with a 2 s deadline.
func (m *Manager) HealthCheck(ctx context.Context, usage Usage) error {
	c, err := m.Get(usage)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Ping(pingCtx).Err(); err != nil {
		return relayerr.Wrap(relayerr.KindConnection, "redisconn.ping", err)
	}
	return nil
}

// Refresh discards the client for a usage class so the next Get dials a
// fresh one. Called after connection-category failures.
func (m *Manager) Refresh(usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[usage]; ok {
		_ = c.Close()
		delete(m.clients, usage)
		m.log.Warn("Redis client discarded for refresh", "usage", string(usage))
	}
}

// CloseAll closes every open client.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for usage, c := range m.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s client: %w", usage, err)
		}
		delete(m.clients, usage)
	}
	return firstErr
}
