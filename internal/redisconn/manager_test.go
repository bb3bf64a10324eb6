package redisconn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/sendable-ai/relayq/internal/config"
	"github.com/sendable-ai/relayq/internal/logger"
)

func newManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m := NewManager(config.RedisConfig{
		URL:          "redis://" + mr.Addr(),
		PoolSize:     5,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, &logger.NoOpLogger{})
	t.Cleanup(func() { m.CloseAll() })
	return m, mr
}

func TestGetCachesPerUsage(t *testing.T) {
	m, _ := newManager(t)

	a, err := m.Get(UsageQueueBackend)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	b, err := m.Get(UsageQueueBackend)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same usage should reuse the client")
	}

	c, err := m.Get(UsageCache)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Error("different usages should not share a client")
	}
}

func TestHealthCheck(t *testing.T) {
	m, mr := newManager(t)
	ctx := context.Background()

	if err := m.HealthCheck(ctx, UsageQueueBackend); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	mr.Close()
	if err := m.HealthCheck(ctx, UsageQueueBackend); err == nil {
		t.Error("health check should fail when Redis is down")
	}
}

func TestRefreshDiscardsClient(t *testing.T) {
	m, _ := newManager(t)

	a, _ := m.Get(UsageRateLimit)
	m.Refresh(UsageRateLimit)
	b, err := m.Get(UsageRateLimit)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("refresh should produce a fresh client")
	}

	// Refreshing an unknown usage is a no-op
	m.Refresh("unused")
}

func TestInvalidURL(t *testing.T) {
	m := NewManager(config.RedisConfig{URL: "not a url"}, &logger.NoOpLogger{})
	if _, err := m.Get(UsageQueueBackend); err == nil {
		t.Error("invalid URL should fail")
	}
}
