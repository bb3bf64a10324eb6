package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test", &logger.NoOpLogger{}), client
}

func TestEnqueueReturnsPosition(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := job.New(job.ClassWebhookInbound, []byte(`{}`), "m-1", job.Options{})
	pos, err := q.Enqueue(ctx, first)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if pos != 1 {
		t.Errorf("first job position = %d, want 1", pos)
	}

	second := job.New(job.ClassWebhookInbound, []byte(`{}`), "m-1", job.Options{})
	pos, err = q.Enqueue(ctx, second)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if pos != 2 {
		t.Errorf("second job position = %d, want 2", pos)
	}
}

func TestPriorityOrdersDispatch(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low := job.New(job.ClassNotification, []byte(`{}`), "", job.Options{Priority: job.PriorityLow})
	urgent := job.New(job.ClassNotification, []byte(`{}`), "", job.Options{Priority: job.PriorityUrgent})

	if _, err := q.Enqueue(ctx, low); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, urgent); err != nil {
		t.Fatal(err)
	}

	jobs, err := q.FetchWaiting(ctx, job.ClassNotification, 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != urgent.ID {
		t.Error("urgent job should dispatch before low, despite later enqueue")
	}
}

func TestEnqueueRejectsUnknownClass(t *testing.T) {
	q, _ := newTestQueue(t)

	j := job.New(job.ClassNotification, []byte(`{}`), "", job.Options{})
	j.Class = "mystery-class"

	_, err := q.Enqueue(context.Background(), j)
	if relayerr.KindOf(err) != relayerr.KindUnknownJobClass {
		t.Fatalf("expected unknown-class error, got %v", err)
	}
}

func TestDelayedJobNotDueUntilDelayElapses(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassAIResponse, []byte(`{}`), "m-1", job.Options{DelayMs: time.Hour.Milliseconds()})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	due, err := q.FetchDue(ctx, job.ClassAIResponse, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("job due %d times too early", len(due))
	}

	due, err = q.FetchDue(ctx, job.ClassAIResponse, time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("got %d due jobs after delay, want 1", len(due))
	}
}

func TestAcquireHasSingleWinner(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassWebhookInbound, []byte(`{}`), "m-1", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	attempt, won, err := q.Acquire(ctx, j)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !won || attempt != 1 {
		t.Fatalf("first acquire: won=%v attempt=%d", won, attempt)
	}

	_, won, err = q.Acquire(ctx, j)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if won {
		t.Error("second acquire should lose the race")
	}

	leases, err := q.ActiveLeases(ctx, job.ClassWebhookInbound)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := leases[j.ID]; !ok {
		t.Error("acquired job should hold an active lease")
	}
}

func TestAcquireFailsJobAlreadyAtAttemptCap(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassMessageDelivery, []byte(`{}`), "m-1", job.Options{MaxAttempts: 1})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := q.Acquire(ctx, j); !won {
		t.Fatal("first acquire should win")
	}

	// A stalled requeue puts the job back in waiting with its attempt spent
	requeued, err := q.RequeueStalled(ctx, job.ClassMessageDelivery, j.ID)
	if err != nil || !requeued {
		t.Fatalf("requeue: %v %v", requeued, err)
	}

	_, won, err := q.Acquire(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("a job at its attempt cap must not be claimed again")
	}

	stored, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != job.StateFailed {
		t.Errorf("state = %s, want failed", stored.State)
	}
	if stored.AttemptsMade != 1 {
		t.Errorf("attempts = %d, must never exceed the cap of 1", stored.AttemptsMade)
	}
	if stored.Error == "" {
		t.Error("terminal failure should record a reason")
	}

	counts, _ := q.Counts(ctx, job.ClassMessageDelivery)
	if counts.Waiting != 0 || counts.Active != 0 || counts.Failed != 1 {
		t.Errorf("counts after cap: %+v", counts)
	}
}

func TestSetLeaseDurationControlsExpiry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.SetLeaseDuration(10 * time.Millisecond)

	j := job.New(job.ClassChatRelay, []byte(`{}`), "m-1", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := q.Acquire(ctx, j); !won {
		t.Fatal("acquire should win")
	}

	leases, err := q.ActiveLeases(ctx, job.ClassChatRelay)
	if err != nil {
		t.Fatal(err)
	}
	exp, ok := leases[j.ID]
	if !ok {
		t.Fatal("job should hold a lease")
	}
	if remaining := exp - time.Now().UnixMilli(); remaining > time.Second.Milliseconds() {
		t.Errorf("lease expires %dms out, want the configured short threshold", remaining)
	}
}

func TestFetchActiveReturnsJobsUpToLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := job.New(job.ClassWebhookInbound, []byte(`{}`), "m-1", job.Options{})
		if _, err := q.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
		if _, won, _ := q.Acquire(ctx, j); !won {
			t.Fatal("acquire should win")
		}
	}

	page, err := q.FetchActive(ctx, job.ClassWebhookInbound, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d jobs, want page of 2", len(page))
	}
	for _, j := range page {
		if j.State != job.StateActive {
			t.Errorf("job %s state = %s, want active", j.ID, j.State)
		}
	}
}

func TestCompleteTrimsRetentionAndEvictsRecords(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		j := job.New(job.ClassCleanup, []byte(`{}`), "", job.Options{KeepCompleted: 2})
		if _, err := q.Enqueue(ctx, j); err != nil {
			t.Fatal(err)
		}
		if _, won, err := q.Acquire(ctx, j); err != nil || !won {
			t.Fatalf("acquire: won=%v err=%v", won, err)
		}
		if err := q.MarkCompleted(ctx, j); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		ids = append(ids, j.ID)
	}

	counts, err := q.Counts(ctx, job.ClassCleanup)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Completed != 2 {
		t.Errorf("completed count = %d, want retention cap 2", counts.Completed)
	}

	// Oldest completion should have been evicted with its record
	evicted, err := q.GetJob(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if evicted != nil {
		t.Error("evicted job record should be deleted")
	}

	kept, err := q.GetJob(ctx, ids[2])
	if err != nil {
		t.Fatal(err)
	}
	if kept == nil || kept.State != job.StateCompleted {
		t.Errorf("newest job should remain completed, got %+v", kept)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassMessageDelivery, []byte(`{}`), "m-1", job.Options{MaxAttempts: 3})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	attempt, _, err := q.Acquire(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	j.AttemptsMade = attempt

	retry, err := q.MarkFailed(ctx, j, errors.New("send failed"))
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if !retry {
		t.Fatal("first attempt of three should schedule a retry")
	}

	stored, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != job.StateDelayed {
		t.Errorf("state = %s, want delayed", stored.State)
	}
	if stored.DelayUntil <= time.Now().UnixMilli() {
		t.Error("retry should be scheduled in the future")
	}
	if stored.Error == "" {
		t.Error("failure message should be recorded")
	}
}

func TestRetryDelayHonorsBackoffBaseOverride(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassAIResponse, []byte(`{}`), "m-1", job.Options{MaxAttempts: 2, BackoffBaseMs: 100})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	attempt, _, err := q.Acquire(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	j.AttemptsMade = attempt

	before := time.Now().UnixMilli()
	retry, err := q.MarkFailed(ctx, j, errors.New("model overloaded"))
	if err != nil {
		t.Fatal(err)
	}
	if !retry {
		t.Fatal("first of two attempts should retry")
	}

	stored, _ := q.GetJob(ctx, j.ID)
	wait := stored.DelayUntil - before
	if wait < 80 || wait > 250 {
		t.Errorf("retry scheduled %dms out, want about the 100ms base", wait)
	}
}

func TestFailTerminalAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassMessageDelivery, []byte(`{}`), "m-1", job.Options{MaxAttempts: 1})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	attempt, _, err := q.Acquire(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	j.AttemptsMade = attempt

	retry, err := q.MarkFailed(ctx, j, errors.New("send failed"))
	if err != nil {
		t.Fatal(err)
	}
	if retry {
		t.Fatal("exhausted attempts should be terminal")
	}

	counts, _ := q.Counts(ctx, job.ClassMessageDelivery)
	if counts.Failed != 1 {
		t.Errorf("failed count = %d, want 1", counts.Failed)
	}

	stored, _ := q.GetJob(ctx, j.ID)
	if stored.State != job.StateFailed {
		t.Errorf("state = %s, want failed", stored.State)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassWebhookInbound, []byte(`{}`), "m-1", job.Options{MaxAttempts: 5})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	attempt, _, _ := q.Acquire(ctx, j)
	j.AttemptsMade = attempt

	retry, err := q.MarkFailed(ctx, j, relayerr.Permanent("handler", errors.New("malformed event")))
	if err != nil {
		t.Fatal(err)
	}
	if retry {
		t.Error("permanent failures must not retry even with attempts remaining")
	}
}

func TestPromoteIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassAIResponse, []byte(`{}`), "m-1", job.Options{DelayMs: 10})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	promoted, err := q.Promote(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if !promoted {
		t.Fatal("first promote should win")
	}

	promoted, err = q.Promote(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if promoted {
		t.Error("second promote should be a no-op")
	}

	counts, _ := q.Counts(ctx, job.ClassAIResponse)
	if counts.Waiting != 1 || counts.Delayed != 0 {
		t.Errorf("counts after promote: %+v", counts)
	}
}

func TestRequeueStalled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassChatRelay, []byte(`{}`), "m-1", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := q.Acquire(ctx, j); !won {
		t.Fatal("acquire should win")
	}

	requeued, err := q.RequeueStalled(ctx, job.ClassChatRelay, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !requeued {
		t.Fatal("active job should requeue")
	}

	counts, _ := q.Counts(ctx, job.ClassChatRelay)
	if counts.Waiting != 1 || counts.Active != 0 {
		t.Errorf("counts after requeue: %+v", counts)
	}

	// Attempt count survives the requeue
	stored, _ := q.GetJob(ctx, j.ID)
	if stored.AttemptsMade != 1 {
		t.Errorf("attempts = %d, want 1 preserved", stored.AttemptsMade)
	}
}

func TestRemoveDeletesEverywhere(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassNotification, []byte(`{}`), "", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	removed, err := q.Remove(ctx, job.ClassNotification, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("remove should report the record existed")
	}

	stored, _ := q.GetJob(ctx, j.ID)
	if stored != nil {
		t.Error("removed job should not load")
	}

	counts, _ := q.Counts(ctx, job.ClassNotification)
	if counts.Waiting != 0 {
		t.Errorf("waiting = %d after remove", counts.Waiting)
	}
}

func TestCleanRemovesOldRecords(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	j := job.New(job.ClassWebhookInbound, []byte(`{}`), "m-1", job.Options{})
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := q.Acquire(ctx, j); !won {
		t.Fatal("acquire should win")
	}
	if err := q.MarkCompleted(ctx, j); err != nil {
		t.Fatal(err)
	}

	// Age the completion two days back
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if err := client.HSet(ctx, q.keys.jobRecord(j.ID), "completed_at", old).Err(); err != nil {
		t.Fatal(err)
	}

	removed, err := q.Clean(ctx, job.ClassWebhookInbound, job.StateCompleted, time.Now().Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	counts, _ := q.Counts(ctx, job.ClassWebhookInbound)
	if counts.Completed != 0 {
		t.Errorf("completed = %d after clean", counts.Completed)
	}
}

func TestCleanRejectsLiveStates(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Clean(context.Background(), job.ClassCleanup, job.StateWaiting, time.Now(), 10); err == nil {
		t.Error("cleaning the waiting state should be rejected")
	}
}

func TestStatsErrorRate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ok := job.New(job.ClassNotification, []byte(`{}`), "", job.Options{})
	if _, err := q.Enqueue(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if _, won, _ := q.Acquire(ctx, ok); !won {
		t.Fatal("acquire should win")
	}
	if err := q.MarkCompleted(ctx, ok); err != nil {
		t.Fatal(err)
	}

	bad := job.New(job.ClassNotification, []byte(`{}`), "", job.Options{MaxAttempts: 1})
	if _, err := q.Enqueue(ctx, bad); err != nil {
		t.Fatal(err)
	}
	attempt, _, _ := q.Acquire(ctx, bad)
	bad.AttemptsMade = attempt
	if _, err := q.MarkFailed(ctx, bad, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ErrorRatePercent != 50 {
		t.Errorf("error rate = %.1f, want 50", stats.ErrorRatePercent)
	}
	if stats.LastProcessedAt == 0 {
		t.Error("last processed timestamp should be set")
	}
	if stats.Classes[job.ClassNotification].Completed != 1 {
		t.Errorf("stats classes: %+v", stats.Classes[job.ClassNotification])
	}
}
