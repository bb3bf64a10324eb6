package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/alerts"
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/redisconn"
)

type stubPoller struct{ halted bool }

func (s stubPoller) Halted() bool { return s.halted }

type stubConns struct {
	pingErr   error
	refreshed int
	client    *redis.Client
}

func (c *stubConns) HealthCheck(ctx context.Context, usage redisconn.Usage) error { return c.pingErr }
func (c *stubConns) Refresh(usage redisconn.Usage)                                { c.refreshed++ }
func (c *stubConns) Get(usage redisconn.Usage) (*redis.Client, error)             { return c.client, nil }

func newTestMonitor(t *testing.T, poller PollerState) (*Monitor, *queue.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := &logger.NoOpLogger{}
	q := queue.New(client, "test", log)
	m := NewMonitor(q, nil, nil, poller, nil, alerts.NoOpNotifier{}, 30*time.Second, 60*time.Second, log)
	return m, q, client
}

func TestStalledJobsAreReclaimed(t *testing.T) {
	m, q, client := newTestMonitor(t, stubPoller{})
	ctx := context.Background()

	j := job.New(job.ClassChatRelay, []byte(`{}`), "m-1", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := q.Acquire(ctx, j); !won {
		t.Fatal("acquire should win")
	}

	// Expire the lease so the job reads as stalled
	activeKey := fmt.Sprintf("relayq:test:%s:active", job.ClassChatRelay)
	past := time.Now().Add(-time.Minute).UnixMilli()
	if err := client.HSet(ctx, activeKey, j.ID, past).Err(); err != nil {
		t.Fatal(err)
	}

	m.checkQueues(ctx)

	counts, err := q.Counts(ctx, job.ClassChatRelay)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Active != 0 || counts.Waiting != 1 {
		t.Errorf("counts after reclaim: %+v", counts)
	}
}

func TestFreshLeasesAreLeftAlone(t *testing.T) {
	m, q, _ := newTestMonitor(t, stubPoller{})
	ctx := context.Background()

	j := job.New(job.ClassWebhookInbound, []byte(`{}`), "m-1", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := q.Acquire(ctx, j); !won {
		t.Fatal("acquire should win")
	}

	m.checkQueues(ctx)

	counts, _ := q.Counts(ctx, job.ClassWebhookInbound)
	if counts.Active != 1 {
		t.Errorf("fresh lease should stay active, counts: %+v", counts)
	}
}

func TestHealthyPingLeavesConnectionAlone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := &logger.NoOpLogger{}
	q := queue.New(client, "test", log)
	conns := &stubConns{}
	m := NewMonitor(q, conns, nil, stubPoller{}, nil, alerts.NoOpNotifier{}, 30*time.Second, 60*time.Second, log)

	m.checkQueues(context.Background())
	if conns.refreshed != 0 {
		t.Errorf("healthy ping should not refresh, got %d refreshes", conns.refreshed)
	}
}

func TestFailedPingRebindsQueueToFreshConnection(t *testing.T) {
	ctx := context.Background()
	mrOld := miniredis.RunT(t)
	mrNew := miniredis.RunT(t)
	oldClient := redis.NewClient(&redis.Options{Addr: mrOld.Addr()})
	newClient := redis.NewClient(&redis.Options{Addr: mrNew.Addr()})
	t.Cleanup(func() {
		oldClient.Close()
		newClient.Close()
	})

	log := &logger.NoOpLogger{}
	q := queue.New(oldClient, "test", log)
	conns := &stubConns{pingErr: errors.New("connection refused"), client: newClient}
	m := NewMonitor(q, conns, nil, stubPoller{}, nil, alerts.NoOpNotifier{}, 30*time.Second, 60*time.Second, log)

	m.checkQueues(ctx)
	if conns.refreshed != 1 {
		t.Fatalf("refreshed = %d, want 1", conns.refreshed)
	}

	// Work after the rebind lands on the fresh server
	j := job.New(job.ClassNotification, []byte(`{}`), "", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	record := fmt.Sprintf("relayq:test:job:%s", j.ID)
	if got := newClient.Exists(ctx, record).Val(); got != 1 {
		t.Error("enqueue after rebind should hit the fresh connection")
	}
	if got := oldClient.Exists(ctx, record).Val(); got != 0 {
		t.Error("enqueue after rebind should not touch the old connection")
	}
}

func TestGetHealthHealthyWhenQuiet(t *testing.T) {
	m, _, _ := newTestMonitor(t, stubPoller{})

	report, err := m.GetHealth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy (recs: %v)", report.Status, report.Recommendations)
	}
	if len(report.Recommendations) != 1 || report.Recommendations[0] != "system healthy" {
		t.Errorf("quiet queue recommendations: %v", report.Recommendations)
	}
}

func TestGetHealthDegradedWhenPollerHalted(t *testing.T) {
	m, _, _ := newTestMonitor(t, stubPoller{halted: true})

	report, err := m.GetHealth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", report.Status)
	}
	if !report.PollerHalted {
		t.Error("report should reflect the halt")
	}
}

func TestRecommendationRules(t *testing.T) {
	m, _, _ := newTestMonitor(t, stubPoller{})

	base := func() *Report {
		classes := make(map[job.Class]queue.StateCounts)
		for _, c := range job.AllClasses() {
			classes[c] = queue.StateCounts{}
		}
		return &Report{Stats: &queue.Stats{Classes: classes}}
	}

	single := func(t *testing.T, r *Report, want string) {
		t.Helper()
		recs := m.recommend(r)
		if len(recs) != 1 || recs[0] != want {
			t.Fatalf("recs = %v, want [%q]", recs, want)
		}
	}

	t.Run("delayed jobs with nothing running", func(t *testing.T) {
		r := base()
		r.Stats.Classes[job.ClassAIResponse] = queue.StateCounts{Delayed: 2}
		r.Stats.LastProcessedAt = time.Now().UnixMilli()
		single(t, r, "restart workers required")
	})

	t.Run("idle workers with stale progress", func(t *testing.T) {
		r := base()
		r.Stats.Classes[job.ClassNotification] = queue.StateCounts{Waiting: 20}
		r.Stats.LastProcessedAt = time.Now().Add(-10 * time.Minute).UnixMilli()
		single(t, r, "workers dead")
	})

	t.Run("deep idle backlog", func(t *testing.T) {
		r := base()
		r.Stats.Classes[job.ClassWebhookInbound] = queue.StateCounts{Waiting: 150}
		r.Stats.LastProcessedAt = time.Now().UnixMilli()
		single(t, r, "backlog accumulating")
	})

	t.Run("high error rate", func(t *testing.T) {
		r := base()
		r.Stats.ErrorRatePercent = 15
		r.Stats.LastProcessedAt = time.Now().UnixMilli()
		single(t, r, "high error rate")
	})

	t.Run("more failures than successes", func(t *testing.T) {
		r := base()
		r.Stats.Classes[job.ClassMessageDelivery] = queue.StateCounts{Active: 1, Completed: 1, Failed: 5}
		r.Stats.LastProcessedAt = time.Now().UnixMilli()
		single(t, r, "more failures than successes")
	})

	t.Run("quiet system", func(t *testing.T) {
		r := base()
		r.Stats.Classes[job.ClassChatRelay] = queue.StateCounts{Active: 1}
		r.Stats.LastProcessedAt = time.Now().UnixMilli()
		single(t, r, "system healthy")
	})

	t.Run("active work suppresses backlog advice", func(t *testing.T) {
		r := base()
		r.Stats.Classes[job.ClassWebhookInbound] = queue.StateCounts{Waiting: 150, Active: 3}
		r.Stats.LastProcessedAt = time.Now().UnixMilli()
		single(t, r, "system healthy")
	})

	t.Run("deterministic", func(t *testing.T) {
		r := base()
		r.Stats.ErrorRatePercent = 30
		r.Stats.Classes[job.ClassNotification] = queue.StateCounts{Waiting: 20}
		a := m.recommend(r)
		b := m.recommend(r)
		if len(a) != len(b) {
			t.Fatal("same snapshot must yield the same advice")
		}
		for i := range a {
			if a[i] != b[i] {
				t.Errorf("rec %d differs: %q vs %q", i, a[i], b[i])
			}
		}
	})
}
