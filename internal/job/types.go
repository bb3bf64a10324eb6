// Package job defines the unit of deferred work processed by the queue
// engine: its classes, priorities, lifecycle states, and per-class
// scheduling defaults.
package job

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Class is a logical category of work with its own handler, concurrency
// limit, and default retry policy.
type Class string

const (
	ClassWebhookInbound  Class = "webhook-inbound"
	ClassAIResponse      Class = "ai-response"
	ClassMessageDelivery Class = "message-delivery"
	ClassNotification    Class = "notification"
	ClassCleanup         Class = "cleanup"
	ClassChatRelay       Class = "chat-relay-processing"
)

// AllClasses returns the closed set of job classes in dispatch-pool order.
func AllClasses() []Class {
	return []Class{
		ClassWebhookInbound,
		ClassAIResponse,
		ClassMessageDelivery,
		ClassNotification,
		ClassCleanup,
		ClassChatRelay,
	}
}

// IsKnownClass reports whether c belongs to the closed class set.
func IsKnownClass(c Class) bool {
	switch c {
	case ClassWebhookInbound, ClassAIResponse, ClassMessageDelivery,
		ClassNotification, ClassCleanup, ClassChatRelay:
		return true
	}
	return false
}

// Priority orders dispatch within a class; lower value dispatches first.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// legacyPriorities are the historical literal values some producers
// still emit. They are rejected, not silently mapped, so the operator
// migrates the producer instead of discovering skewed scheduling later.
var legacyPriorities = map[string]bool{
	"LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true,
}

// ParsePriority parses a priority literal. Legacy upper-case literals
// from historical producers are rejected with a migration error; an
// empty string defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	if legacyPriorities[s] {
		return 0, fmt.Errorf("legacy priority literal %q is no longer accepted; migrate the producer to urgent/high/normal/low", s)
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

// State is the lifecycle state of a job. A job occupies exactly one
// state at a time.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BackoffType names the retry delay policy.
type BackoffType string

const BackoffExponential BackoffType = "exponential"

// Backoff describes how retry delays grow between attempts.
type Backoff struct {
	Type        BackoffType `json:"type"`
	BaseDelayMs int64       `json:"base_delay_ms"`
}

// Job is a unit of deferred work. Timestamps are epoch milliseconds to
// match the Redis sorted-set scores they feed.
type Job struct {
	ID           string   `json:"id"`
	Class        Class    `json:"class"`
	Payload      []byte   `json:"payload"`
	MerchantID   string   `json:"merchant_id,omitempty"`
	Priority     Priority `json:"priority"`
	AttemptsMade int      `json:"attempts_made"`
	MaxAttempts  int      `json:"max_attempts"`
	DelayUntil   int64    `json:"delay_until"`
	Backoff      Backoff  `json:"backoff"`
	EnqueuedAt   int64    `json:"enqueued_at"`
	DispatchedAt int64    `json:"dispatched_at,omitempty"`
	CompletedAt  int64    `json:"completed_at,omitempty"`
	State        State    `json:"state"`
	Error        string   `json:"error,omitempty"`

	// Retention caps resolved at enqueue time from class defaults or
	// caller overrides.
	KeepCompleted int `json:"keep_completed"`
	KeepFailed    int `json:"keep_failed"`
}

// Options override class defaults at enqueue time. Zero values mean
// "use the class default".
type Options struct {
	Priority      Priority
	DelayMs       int64
	MaxAttempts   int
	BackoffBaseMs int64
	KeepCompleted int
	KeepFailed    int
}

// New creates a job in waiting (or delayed, when DelayMs is set) state
// with class defaults applied for any option the caller omitted.
func New(class Class, payload []byte, merchantID string, opts Options) *Job {
	now := time.Now().UnixMilli()

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	defaults := DefaultsFor(class, priority)

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaults.MaxAttempts
	}
	keepCompleted := opts.KeepCompleted
	if keepCompleted == 0 {
		keepCompleted = defaults.KeepCompleted
	}
	keepFailed := opts.KeepFailed
	if keepFailed == 0 {
		keepFailed = defaults.KeepFailed
	}
	backoffBase := opts.BackoffBaseMs
	if backoffBase == 0 {
		backoffBase = defaults.BackoffBaseMs
	}

	j := &Job{
		ID:            uuid.New().String(),
		Class:         class,
		Payload:       payload,
		MerchantID:    merchantID,
		Priority:      priority,
		AttemptsMade:  0,
		MaxAttempts:   maxAttempts,
		Backoff:       Backoff{Type: BackoffExponential, BaseDelayMs: backoffBase},
		EnqueuedAt:    now,
		State:         StateWaiting,
		KeepCompleted: keepCompleted,
		KeepFailed:    keepFailed,
	}

	if opts.DelayMs > 0 {
		j.DelayUntil = now + opts.DelayMs
		j.State = StateDelayed
	}

	return j
}

// Defaults are the per-class scheduling parameters applied when enqueue
// options omit a field.
type Defaults struct {
	Concurrency   int
	MaxAttempts   int
	KeepCompleted int
	KeepFailed    int
	BackoffBaseMs int64
	Timeout       time.Duration
	SessionKind   SessionKind
}

// DefaultBackoffBaseMs is the exponential backoff base applied when
// neither configuration nor the caller overrides it.
const DefaultBackoffBaseMs = 2000

// DefaultMaxAttempts is the attempt cap for classes without a
// class-specific one, before configuration overrides it.
const DefaultMaxAttempts = 3

var (
	defaultsMu           sync.RWMutex
	defaultMaxAttempts   = DefaultMaxAttempts
	defaultBackoffBaseMs = int64(DefaultBackoffBaseMs)
)

// SetDefaults installs the configured attempt cap and backoff base.
// The engine calls this once at startup before any job is created.
func SetDefaults(maxAttempts int, backoffBaseMs int64) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	if maxAttempts > 0 {
		defaultMaxAttempts = maxAttempts
	}
	if backoffBaseMs > 0 {
		defaultBackoffBaseMs = backoffBaseMs
	}
}

func configuredDefaults() (int, int64) {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return defaultMaxAttempts, defaultBackoffBaseMs
}

// DefaultsFor returns the scheduling defaults for a class at a given
// priority. Urgent jobs in the webhook and relay classes get extra
// attempts and deeper retention.
func DefaultsFor(class Class, priority Priority) Defaults {
	urgent := priority == PriorityUrgent
	maxAttempts, backoffBase := configuredDefaults()

	d := Defaults{
		Concurrency:   1,
		MaxAttempts:   maxAttempts,
		KeepCompleted: 100,
		KeepFailed:    50,
		BackoffBaseMs: backoffBase,
		Timeout:       30 * time.Second,
		SessionKind:   SessionGeneric,
	}

	switch class {
	case ClassWebhookInbound:
		d.Concurrency = 5
		d.SessionKind = SessionWebhook
		if urgent {
			d.MaxAttempts = maxAttempts + 2
			d.KeepCompleted = 200
			d.KeepFailed = 100
		}
	case ClassAIResponse:
		d.Concurrency = 3
		d.MaxAttempts = 2
		d.Timeout = 45 * time.Second
		d.SessionKind = SessionAI
	case ClassMessageDelivery:
		d.Concurrency = 3
		d.SessionKind = SessionWebhook
	case ClassNotification:
		d.Concurrency = 2
	case ClassCleanup:
		d.Concurrency = 1
		d.MaxAttempts = 1
		d.KeepCompleted = 50
	case ClassChatRelay:
		d.Concurrency = 4
		d.MaxAttempts = 2
		d.SessionKind = SessionAI
		if urgent {
			d.MaxAttempts = 3
			d.KeepCompleted = 200
			d.KeepFailed = 100
		}
	}

	return d
}

// NextRetryDelay computes the exponential backoff for the attempt that
// just failed: base * 2^(attemptsMade-1), jittered by at most +-10%.
func (j *Job) NextRetryDelay(jitter float64) time.Duration {
	base := j.Backoff.BaseDelayMs
	if base <= 0 {
		_, base = configuredDefaults()
	}
	attempts := j.AttemptsMade
	if attempts < 1 {
		attempts = 1
	}

	delay := base << uint(attempts-1)

	if jitter < -0.1 {
		jitter = -0.1
	}
	if jitter > 0.1 {
		jitter = 0.1
	}
	delay += int64(float64(delay) * jitter)

	return time.Duration(delay) * time.Millisecond
}

// Fields flattens the job into the field map stored in its Redis hash.
func (j *Job) Fields() map[string]interface{} {
	return map[string]interface{}{
		"id":             j.ID,
		"class":          string(j.Class),
		"payload":        string(j.Payload),
		"merchant_id":    j.MerchantID,
		"priority":       int(j.Priority),
		"attempts_made":  j.AttemptsMade,
		"max_attempts":   j.MaxAttempts,
		"delay_until":    j.DelayUntil,
		"backoff_type":   string(j.Backoff.Type),
		"backoff_base":   j.Backoff.BaseDelayMs,
		"enqueued_at":    j.EnqueuedAt,
		"dispatched_at":  j.DispatchedAt,
		"completed_at":   j.CompletedAt,
		"state":          string(j.State),
		"error":          j.Error,
		"keep_completed": j.KeepCompleted,
		"keep_failed":    j.KeepFailed,
	}
}

// FromFields reconstructs a job from its Redis hash fields. Returns an
// error when required fields are absent, which the polling loop treats
// as a corrupt record.
func FromFields(fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("job record is empty")
	}

	id := fields["id"]
	class := Class(fields["class"])
	if id == "" || class == "" {
		return nil, fmt.Errorf("job record missing id or class")
	}

	j := &Job{
		ID:         id,
		Class:      class,
		Payload:    []byte(fields["payload"]),
		MerchantID: fields["merchant_id"],
		State:      State(fields["state"]),
		Error:      fields["error"],
		Backoff: Backoff{
			Type:        BackoffType(fields["backoff_type"]),
			BaseDelayMs: parseInt64(fields["backoff_base"]),
		},
	}

	j.Priority = Priority(parseInt64(fields["priority"]))
	j.AttemptsMade = int(parseInt64(fields["attempts_made"]))
	j.MaxAttempts = int(parseInt64(fields["max_attempts"]))
	j.DelayUntil = parseInt64(fields["delay_until"])
	j.EnqueuedAt = parseInt64(fields["enqueued_at"])
	j.DispatchedAt = parseInt64(fields["dispatched_at"])
	j.CompletedAt = parseInt64(fields["completed_at"])
	j.KeepCompleted = int(parseInt64(fields["keep_completed"]))
	j.KeepFailed = int(parseInt64(fields["keep_failed"]))

	if j.State == "" {
		return nil, fmt.Errorf("job %s record missing state", id)
	}

	return j, nil
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
