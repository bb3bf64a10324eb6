package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.QueueName != "relayq" {
		t.Errorf("queue name = %q", cfg.QueueName)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %s, want 5s", cfg.PollInterval)
	}
	if cfg.QueueHealthInterval != 30*time.Second {
		t.Errorf("queue health interval = %s, want 30s", cfg.QueueHealthInterval)
	}
	if cfg.WorkerHealthInterval != 60*time.Second {
		t.Errorf("worker health interval = %s, want 60s", cfg.WorkerHealthInterval)
	}
	if cfg.StalledThreshold != 120*time.Second {
		t.Errorf("stalled threshold = %s, want 120s", cfg.StalledThreshold)
	}
	if cfg.CircuitBreakerFailureThreshold != 5 {
		t.Errorf("breaker threshold = %d, want 5", cfg.CircuitBreakerFailureThreshold)
	}
	if cfg.CircuitBreakerResetTimeout != 60*time.Second {
		t.Errorf("breaker reset = %s, want 60s", cfg.CircuitBreakerResetTimeout)
	}
	if cfg.EnableQueueTests {
		t.Error("queue tests should default off")
	}
	if cfg.IsProduction() {
		t.Error("default environment should not be production")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_NAME", "staging-q")
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("DEFAULT_MAX_ATTEMPTS", "7")
	t.Setenv("ENABLE_QUEUE_TESTS", "true")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.QueueName != "staging-q" {
		t.Errorf("queue name = %q", cfg.QueueName)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("poll interval = %s", cfg.PollInterval)
	}
	if cfg.DefaultMaxAttempts != 7 {
		t.Errorf("max attempts = %d", cfg.DefaultMaxAttempts)
	}
	if !cfg.EnableQueueTests {
		t.Error("ENABLE_QUEUE_TESTS=true should enable the probe")
	}
	if !cfg.IsProduction() {
		t.Error("production environment should report production")
	}
}

func TestBareMillisecondDurations(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "8000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PollInterval != 8*time.Second {
		t.Errorf("bare number should parse as ms, got %s", cfg.PollInterval)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "100ms")
	if _, err := Load(); err == nil {
		t.Error("sub-second poll interval should be rejected")
	}
}
