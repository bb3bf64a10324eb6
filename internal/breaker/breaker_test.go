package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

var errDown = errors.New("collaborator down")

func failing(ctx context.Context) error    { return errDown }
func succeeding(ctx context.Context) error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New("test", 3, time.Minute, &logger.NoOpLogger{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errDown) {
			t.Fatalf("call %d: expected collaborator error, got %v", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	err := b.Execute(ctx, succeeding)
	if relayerr.KindOf(err) != relayerr.KindCircuitOpen {
		t.Fatalf("open breaker should fast-fail, got %v", err)
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := New("test", 5, time.Minute, &logger.NoOpLogger{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	// A success resets the failure count
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing)
	}
	if b.State() != StateClosed {
		t.Error("failure count should reset after a success")
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b := New("test", 1, 20*time.Millisecond, &logger.NoOpLogger{})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after reset timeout", b.State())
	}

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after successful probe", b.State())
	}
}

func TestBreakerHalfOpenProbeReopens(t *testing.T) {
	b := New("test", 1, 20*time.Millisecond, &logger.NoOpLogger{})
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	time.Sleep(30 * time.Millisecond)

	if err := b.Execute(ctx, failing); !errors.Is(err, errDown) {
		t.Fatalf("probe should run and fail, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open after failed probe", b.State())
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(5, time.Minute, &logger.NoOpLogger{})

	a := r.Get("ai-provider")
	b := r.Get("ai-provider")
	if a != b {
		t.Error("registry should return the same breaker per name")
	}
	if r.Get("other") == a {
		t.Error("different names should get different breakers")
	}
}
