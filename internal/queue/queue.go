// Package queue implements the Redis-backed job store: priority waiting
// sets, delayed sets, the active lease hash, and bounded completed and
// failed retention. All state transitions run as Lua scripts so the
// dispatcher and the polling fallback can share the same keys safely.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

// LeaseDuration is the default active-lease TTL before stalled
// detection reclaims a claimed job.
const LeaseDuration = 120 * time.Second

// statsWindow is the trailing window the error rate is computed over.
const statsWindow = 5 * time.Minute

// Queue is the Redis-backed job store for one named queue.
type Queue struct {
	mu        sync.RWMutex
	client    *redis.Client
	keys      keys
	lease     time.Duration
	log       logger.Logger
	observers []Observer
}

// New creates a queue on an existing Redis client.
func New(client *redis.Client, queueName string, log logger.Logger) *Queue {
	return &Queue{
		client: client,
		keys:   newKeys(queueName),
		lease:  LeaseDuration,
		log:    log.WithComponent(logger.ComponentQueue),
	}
}

// SetLeaseDuration overrides the active-lease TTL. The stalled
// threshold from configuration flows through here at startup.
func (q *Queue) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

// Rebind swaps the underlying Redis client after the connection manager
// hands out a fresh one.
func (q *Queue) Rebind(client *redis.Client) {
	q.mu.Lock()
	q.client = client
	q.mu.Unlock()
}

func (q *Queue) conn() *redis.Client {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.client
}

// Subscribe registers an observer. Not safe to call after dispatch has
// started.
func (q *Queue) Subscribe(obs Observer) {
	q.observers = append(q.observers, obs)
}

// Enqueue stores the job record and places the id in the waiting or
// delayed set. Returns the job's position within its class queue.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (int64, error) {
	if !job.IsKnownClass(j.Class) {
		return 0, relayerr.New(relayerr.KindUnknownJobClass, "queue.enqueue", fmt.Sprintf("unknown class %q", j.Class))
	}

	pipe := q.conn().TxPipeline()
	pipe.HSet(ctx, q.keys.jobRecord(j.ID), j.Fields())

	var target string
	if j.State == job.StateDelayed {
		target = q.keys.delayed(j.Class)
		pipe.ZAdd(ctx, target, redis.Z{Score: float64(j.DelayUntil), Member: j.ID})
	} else {
		target = q.keys.waiting(j.Class)
		pipe.ZAdd(ctx, target, redis.Z{Score: waitingScore(j.Priority, j.EnqueuedAt), Member: j.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, relayerr.Wrap(relayerr.KindConnection, "queue.enqueue", err)
	}

	rank, err := q.conn().ZRank(ctx, target, j.ID).Result()
	if err != nil {
		// The job is stored; position is informational only
		rank = 0
	}

	for _, obs := range q.observers {
		obs.OnEnqueued(j)
	}

	q.log.Debug("Job enqueued",
		"job_id", j.ID,
		"class", string(j.Class),
		"priority", j.Priority.String(),
		"state", string(j.State),
		"position", rank+1)

	return rank + 1, nil
}

// GetJob loads one job record. Returns a payload-corrupt error when the
// record exists but cannot be reconstructed.
func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	fields, err := q.conn().HGetAll(ctx, q.keys.jobRecord(id)).Result()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "queue.get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	j, err := job.FromFields(fields)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPayloadCorrupt, "queue.get", err)
	}
	return j, nil
}

// FetchWaiting returns up to n waiting jobs in dispatch order.
func (q *Queue) FetchWaiting(ctx context.Context, class job.Class, n int64) ([]*job.Job, error) {
	ids, err := q.conn().ZRange(ctx, q.keys.waiting(class), 0, n-1).Result()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "queue.fetch_waiting", err)
	}
	return q.loadJobs(ctx, ids)
}

// FetchDue returns up to n delayed jobs whose delay has elapsed.
func (q *Queue) FetchDue(ctx context.Context, class job.Class, now time.Time, n int64) ([]*job.Job, error) {
	ids, err := q.conn().ZRangeByScore(ctx, q.keys.delayed(class), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: n,
	}).Result()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "queue.fetch_due", err)
	}
	return q.loadJobs(ctx, ids)
}

// FetchDelayed returns up to n delayed jobs regardless of due time.
func (q *Queue) FetchDelayed(ctx context.Context, class job.Class, n int64) ([]*job.Job, error) {
	ids, err := q.conn().ZRange(ctx, q.keys.delayed(class), 0, n-1).Result()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "queue.fetch_delayed", err)
	}
	return q.loadJobs(ctx, ids)
}

// FetchActive returns up to n active jobs for inspection.
func (q *Queue) FetchActive(ctx context.Context, class job.Class, n int64) ([]*job.Job, error) {
	leases, err := q.ActiveLeases(ctx, class)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(leases))
	for id := range leases {
		if int64(len(ids)) >= n {
			break
		}
		ids = append(ids, id)
	}
	return q.loadJobs(ctx, ids)
}

// ActiveLeases returns the lease table for a class: job id to lease
// expiry epoch-ms. Stalled detection and shutdown drain read this.
func (q *Queue) ActiveLeases(ctx context.Context, class job.Class) (map[string]int64, error) {
	entries, err := q.conn().HGetAll(ctx, q.keys.active(class)).Result()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "queue.active_leases", err)
	}

	out := make(map[string]int64, len(entries))
	for id, lease := range entries {
		exp, _ := strconv.ParseInt(lease, 10, 64)
		out[id] = exp
	}
	return out, nil
}

func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			if relayerr.KindOf(err) == relayerr.KindPayloadCorrupt {
				q.log.Warn("Skipping corrupt job record", "job_id", id)
				continue
			}
			return nil, err
		}
		if j == nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Acquire claims a waiting job for execution. Returns the attempt
// number and true when this caller won the job; false when another
// dispatcher took it first. A job already at its attempt cap is failed
// terminally inside the script and reported as not won, so requeued
// stalled jobs never exceed maxAttempts.
func (q *Queue) Acquire(ctx context.Context, j *job.Job) (int, bool, error) {
	now := time.Now()
	capMsg := fmt.Sprintf("attempt cap reached: %d attempts made of %d allowed", j.AttemptsMade, j.MaxAttempts)
	res, err := acquireScript.Run(ctx, q.conn(),
		[]string{q.keys.waiting(j.Class), q.keys.jobRecord(j.ID), q.keys.active(j.Class), q.keys.failed(j.Class)},
		j.ID,
		now.UnixMilli(),
		now.Add(q.lease).UnixMilli(),
		capMsg,
		j.KeepFailed,
		q.keys.jobPrefix(),
	).Int()
	if err != nil {
		return 0, false, relayerr.Wrap(relayerr.KindConnection, "queue.acquire", err)
	}
	if res == -1 {
		q.bumpStats(ctx, false)
		for _, obs := range q.observers {
			obs.OnFailed(j, "attempts_exhausted", true)
		}
		q.log.Error("Job failed terminally at attempt cap",
			"job_id", j.ID,
			"class", string(j.Class),
			"attempts", j.AttemptsMade,
			"max_attempts", j.MaxAttempts)
		return 0, false, nil
	}
	if res == 0 {
		return 0, false, nil
	}
	return res, true, nil
}

// Promote moves a due delayed job to the waiting set. Idempotent:
// returns false when another promoter already moved it.
func (q *Queue) Promote(ctx context.Context, j *job.Job) (bool, error) {
	score := waitingScore(j.Priority, time.Now().UnixMilli())
	res, err := promoteScript.Run(ctx, q.conn(),
		[]string{q.keys.delayed(j.Class), q.keys.jobRecord(j.ID), q.keys.waiting(j.Class)},
		j.ID,
		score,
	).Int()
	if err != nil {
		return false, relayerr.Wrap(relayerr.KindConnection, "queue.promote", err)
	}
	return res == 1, nil
}

// MarkCompleted finishes an active job and trims the completed list to
// the job's retention cap.
func (q *Queue) MarkCompleted(ctx context.Context, j *job.Job) error {
	res, err := completeScript.Run(ctx, q.conn(),
		[]string{q.keys.active(j.Class), q.keys.jobRecord(j.ID), q.keys.completed(j.Class)},
		j.ID,
		time.Now().UnixMilli(),
		j.KeepCompleted,
		q.keys.jobPrefix(),
	).Int()
	if err != nil {
		return relayerr.Wrap(relayerr.KindConnection, "queue.complete", err)
	}
	if res == 0 {
		q.log.Warn("Complete skipped, job not active", "job_id", j.ID)
		return nil
	}

	q.bumpStats(ctx, true)
	for _, obs := range q.observers {
		obs.OnCompleted(j)
	}
	return nil
}

// MarkFailed records a failed attempt. Retryable failures with attempts
// remaining go to the delayed set with jittered exponential backoff;
// everything else lands in the failed list. Returns true when a retry
// was scheduled.
func (q *Queue) MarkFailed(ctx context.Context, j *job.Job, cause error) (bool, error) {
	kind := relayerr.KindOf(cause)
	retry := relayerr.IsRetryable(cause) && j.AttemptsMade < j.MaxAttempts

	if retry {
		jitter := rand.Float64()*0.2 - 0.1
		delay := j.NextRetryDelay(jitter)
		retryAt := time.Now().Add(delay).UnixMilli()

		res, err := failRetryScript.Run(ctx, q.conn(),
			[]string{q.keys.active(j.Class), q.keys.jobRecord(j.ID), q.keys.delayed(j.Class)},
			j.ID,
			retryAt,
			cause.Error(),
		).Int()
		if err != nil {
			return false, relayerr.Wrap(relayerr.KindConnection, "queue.fail_retry", err)
		}
		if res == 0 {
			q.log.Warn("Retry skipped, job not active", "job_id", j.ID)
			return false, nil
		}

		q.bumpStats(ctx, false)
		for _, obs := range q.observers {
			obs.OnFailed(j, string(kind), false)
		}

		q.log.Info("Job scheduled for retry",
			"job_id", j.ID,
			"class", string(j.Class),
			"attempt", j.AttemptsMade,
			"max_attempts", j.MaxAttempts,
			"retry_in", delay.String())
		return true, nil
	}

	res, err := failTerminalScript.Run(ctx, q.conn(),
		[]string{q.keys.active(j.Class), q.keys.jobRecord(j.ID), q.keys.failed(j.Class)},
		j.ID,
		time.Now().UnixMilli(),
		cause.Error(),
		j.KeepFailed,
		q.keys.jobPrefix(),
	).Int()
	if err != nil {
		return false, relayerr.Wrap(relayerr.KindConnection, "queue.fail_terminal", err)
	}
	if res == 0 {
		q.log.Warn("Terminal fail skipped, job not active", "job_id", j.ID)
		return false, nil
	}

	q.bumpStats(ctx, false)
	for _, obs := range q.observers {
		obs.OnFailed(j, string(kind), true)
	}

	q.log.Error("Job failed terminally",
		"job_id", j.ID,
		"class", string(j.Class),
		"attempts", j.AttemptsMade,
		"error_kind", string(kind),
		"error", cause.Error())
	return false, nil
}

// RequeueStalled returns an expired active job to the waiting set at
// its original priority.
func (q *Queue) RequeueStalled(ctx context.Context, class job.Class, id string) (bool, error) {
	j, err := q.GetJob(ctx, id)
	if err != nil || j == nil {
		return false, err
	}

	score := waitingScore(j.Priority, time.Now().UnixMilli())
	res, err := requeueStalledScript.Run(ctx, q.conn(),
		[]string{q.keys.active(class), q.keys.jobRecord(id), q.keys.waiting(class)},
		id,
		score,
	).Int()
	if err != nil {
		return false, relayerr.Wrap(relayerr.KindConnection, "queue.requeue_stalled", err)
	}
	if res == 0 {
		return false, nil
	}

	for _, obs := range q.observers {
		obs.OnStalled(class, id)
	}
	return true, nil
}

// Remove deletes a job from every structure it might occupy.
func (q *Queue) Remove(ctx context.Context, class job.Class, id string) (bool, error) {
	res, err := removeScript.Run(ctx, q.conn(),
		[]string{
			q.keys.waiting(class),
			q.keys.delayed(class),
			q.keys.active(class),
			q.keys.completed(class),
			q.keys.failed(class),
			q.keys.jobRecord(id),
		},
		id,
	).Int()
	if err != nil {
		return false, relayerr.Wrap(relayerr.KindConnection, "queue.remove", err)
	}
	return res == 1, nil
}

// StateCounts holds per-state depths for one class.
type StateCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts returns the per-state depths for a class.
func (q *Queue) Counts(ctx context.Context, class job.Class) (StateCounts, error) {
	pipe := q.conn().Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.waiting(class))
	delayed := pipe.ZCard(ctx, q.keys.delayed(class))
	active := pipe.HLen(ctx, q.keys.active(class))
	completed := pipe.LLen(ctx, q.keys.completed(class))
	failed := pipe.LLen(ctx, q.keys.failed(class))

	if _, err := pipe.Exec(ctx); err != nil {
		return StateCounts{}, relayerr.Wrap(relayerr.KindConnection, "queue.counts", err)
	}

	return StateCounts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Stats is the queue-wide health snapshot.
type Stats struct {
	Classes          map[job.Class]StateCounts `json:"classes"`
	WindowCompleted  int64                     `json:"window_completed"`
	WindowFailed     int64                     `json:"window_failed"`
	ErrorRatePercent float64                   `json:"error_rate_percent"`
	LastProcessedAt  int64                     `json:"last_processed_at"`
}

// GetStats returns depths for every class plus the trailing-window
// error rate.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Classes: make(map[job.Class]StateCounts, len(job.AllClasses()))}

	for _, class := range job.AllClasses() {
		counts, err := q.Counts(ctx, class)
		if err != nil {
			return nil, err
		}
		stats.Classes[class] = counts
	}

	fields, err := q.conn().HGetAll(ctx, q.keys.stats()).Result()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindConnection, "queue.stats", err)
	}

	completed, _ := strconv.ParseInt(fields["window_completed"], 10, 64)
	failed, _ := strconv.ParseInt(fields["window_failed"], 10, 64)
	stats.WindowCompleted = completed
	stats.WindowFailed = failed
	stats.LastProcessedAt, _ = strconv.ParseInt(fields["last_processed_at"], 10, 64)

	if total := completed + failed; total > 0 {
		stats.ErrorRatePercent = float64(failed) / float64(total) * 100
	}

	return stats, nil
}

// bumpStats updates the trailing-window counters, resetting the window
// when it has aged out.
func (q *Queue) bumpStats(ctx context.Context, success bool) {
	now := time.Now().UnixMilli()
	key := q.keys.stats()

	startedStr, _ := q.conn().HGet(ctx, key, "window_started_at").Result()
	started, _ := strconv.ParseInt(startedStr, 10, 64)
	if started == 0 || now-started > statsWindow.Milliseconds() {
		q.conn().HSet(ctx, key,
			"window_started_at", now,
			"window_completed", 0,
			"window_failed", 0)
	}

	field := "window_failed"
	if success {
		field = "window_completed"
	}

	pipe := q.conn().Pipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.HSet(ctx, key, "last_processed_at", now)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("Failed to update queue stats", "error", err)
	}
}

// Clean removes completed or failed jobs older than cutoff, up to limit
// per call. Returns the number removed.
func (q *Queue) Clean(ctx context.Context, class job.Class, state job.State, cutoff time.Time, limit int64) (int64, error) {
	var listKey string
	switch state {
	case job.StateCompleted:
		listKey = q.keys.completed(class)
	case job.StateFailed:
		listKey = q.keys.failed(class)
	default:
		return 0, fmt.Errorf("clean supports completed and failed states, got %q", state)
	}

	ids, err := q.conn().LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return 0, relayerr.Wrap(relayerr.KindConnection, "queue.clean", err)
	}

	cutoffMs := cutoff.UnixMilli()
	var removed int64
	for _, id := range ids {
		if removed >= limit {
			break
		}

		doneStr, err := q.conn().HGet(ctx, q.keys.jobRecord(id), "completed_at").Result()
		if err == redis.Nil {
			// Orphaned list entry, drop it
			q.conn().LRem(ctx, listKey, 0, id)
			continue
		}
		if err != nil {
			return removed, relayerr.Wrap(relayerr.KindConnection, "queue.clean", err)
		}

		doneAt, _ := strconv.ParseInt(doneStr, 10, 64)
		if doneAt > 0 && doneAt < cutoffMs {
			pipe := q.conn().TxPipeline()
			pipe.LRem(ctx, listKey, 0, id)
			pipe.Del(ctx, q.keys.jobRecord(id))
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, relayerr.Wrap(relayerr.KindConnection, "queue.clean", err)
			}
			removed++
		}
	}

	if removed > 0 {
		q.log.Info("Cleaned old jobs",
			"class", string(class),
			"state", string(state),
			"removed", removed)
	}
	return removed, nil
}
