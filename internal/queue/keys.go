package queue

import (
	"fmt"

	"github.com/sendable-ai/relayq/internal/job"
)

// keys builds the Redis key layout for one named queue. Every key is
// namespaced under "relayq:{queue}" so multiple engines can share one
// Redis database.
type keys struct {
	queue string
}

func newKeys(queue string) keys {
	return keys{queue: queue}
}

// waiting is a ZSET scored by priority band plus enqueue time.
func (k keys) waiting(class job.Class) string {
	return fmt.Sprintf("relayq:%s:%s:waiting", k.queue, class)
}

// delayed is a ZSET scored by the epoch-ms instant the job becomes due.
func (k keys) delayed(class job.Class) string {
	return fmt.Sprintf("relayq:%s:%s:delayed", k.queue, class)
}

// active is a HASH of job id to lease expiry epoch-ms.
func (k keys) active(class job.Class) string {
	return fmt.Sprintf("relayq:%s:%s:active", k.queue, class)
}

// completed is a LIST of job ids, newest first, trimmed to the
// retention cap.
func (k keys) completed(class job.Class) string {
	return fmt.Sprintf("relayq:%s:%s:completed", k.queue, class)
}

// failed is a LIST of terminally failed job ids, newest first.
func (k keys) failed(class job.Class) string {
	return fmt.Sprintf("relayq:%s:%s:failed", k.queue, class)
}

// jobRecord is the HASH holding one job's fields.
func (k keys) jobRecord(id string) string {
	return fmt.Sprintf("relayq:%s:job:%s", k.queue, id)
}

// jobPrefix is the job record key prefix passed into Lua scripts that
// evict trimmed list entries.
func (k keys) jobPrefix() string {
	return fmt.Sprintf("relayq:%s:job:", k.queue)
}

// stats is the HASH of trailing-window counters.
func (k keys) stats() string {
	return fmt.Sprintf("relayq:%s:stats", k.queue)
}

// priorityBand is the score multiplier separating priority tiers in the
// waiting ZSET. Large enough that no enqueue timestamp can cross bands.
const priorityBand = 1e13

// waitingScore computes the waiting ZSET score: jobs order first by
// priority band, then FIFO by enqueue time within a band.
func waitingScore(priority job.Priority, enqueuedAtMs int64) float64 {
	return float64(priority)*priorityBand + float64(enqueuedAtMs)
}
