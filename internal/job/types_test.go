package job

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"urgent": PriorityUrgent,
		"high":   PriorityHigh,
		"normal": PriorityNormal,
		"":       PriorityNormal,
		"low":    PriorityLow,
	}
	for input, want := range cases {
		got, err := ParsePriority(input)
		if err != nil {
			t.Fatalf("ParsePriority(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParsePriorityRejectsLegacyLiterals(t *testing.T) {
	for _, legacy := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		_, err := ParsePriority(legacy)
		if err == nil {
			t.Fatalf("ParsePriority(%q) should fail", legacy)
		}
		if !strings.Contains(err.Error(), "migrate") {
			t.Errorf("legacy literal error should mention migration, got: %v", err)
		}
	}
}

func TestParsePriorityUnknown(t *testing.T) {
	if _, err := ParsePriority("banana"); err == nil {
		t.Fatal("unknown priority should fail")
	}
}

func TestNewAppliesClassDefaults(t *testing.T) {
	j := New(ClassAIResponse, []byte("{}"), "m-1", Options{})

	if j.State != StateWaiting {
		t.Errorf("state = %s, want waiting", j.State)
	}
	if j.Priority != PriorityNormal {
		t.Errorf("priority = %v, want normal", j.Priority)
	}
	if j.MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2", j.MaxAttempts)
	}
	if j.Backoff.Type != BackoffExponential {
		t.Errorf("backoff type = %s, want exponential", j.Backoff.Type)
	}
	if j.ID == "" {
		t.Error("job should get an id")
	}
}

func TestNewDelayedJob(t *testing.T) {
	before := time.Now().UnixMilli()
	j := New(ClassNotification, []byte("{}"), "", Options{DelayMs: 60_000})

	if j.State != StateDelayed {
		t.Fatalf("state = %s, want delayed", j.State)
	}
	if j.DelayUntil < before+60_000 {
		t.Errorf("delay_until = %d, want at least %d", j.DelayUntil, before+60_000)
	}
}

func TestUrgentDefaultsGetDeeperRetention(t *testing.T) {
	normal := DefaultsFor(ClassWebhookInbound, PriorityNormal)
	urgent := DefaultsFor(ClassWebhookInbound, PriorityUrgent)

	if urgent.MaxAttempts <= normal.MaxAttempts {
		t.Errorf("urgent attempts (%d) should exceed normal (%d)", urgent.MaxAttempts, normal.MaxAttempts)
	}
	if urgent.KeepCompleted <= normal.KeepCompleted {
		t.Errorf("urgent retention (%d) should exceed normal (%d)", urgent.KeepCompleted, normal.KeepCompleted)
	}
}

func TestAIResponseTimeout(t *testing.T) {
	d := DefaultsFor(ClassAIResponse, PriorityNormal)
	if d.Timeout != 45*time.Second {
		t.Errorf("ai-response timeout = %s, want 45s", d.Timeout)
	}
	if DefaultsFor(ClassCleanup, PriorityNormal).Timeout != 30*time.Second {
		t.Error("other classes should default to a 30s timeout")
	}
}

func TestSetDefaultsFlowsIntoNewJobs(t *testing.T) {
	t.Cleanup(func() { SetDefaults(DefaultMaxAttempts, DefaultBackoffBaseMs) })
	SetDefaults(5, 500)

	j := New(ClassMessageDelivery, []byte("{}"), "m-1", Options{})
	if j.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want configured 5", j.MaxAttempts)
	}
	if j.Backoff.BaseDelayMs != 500 {
		t.Errorf("backoff base = %d, want configured 500", j.Backoff.BaseDelayMs)
	}

	// Class-specific caps stay put
	if got := New(ClassAIResponse, []byte("{}"), "m-1", Options{}).MaxAttempts; got != 2 {
		t.Errorf("ai-response max attempts = %d, want 2", got)
	}

	// Non-positive values are ignored
	SetDefaults(0, -1)
	if j := New(ClassMessageDelivery, []byte("{}"), "", Options{}); j.MaxAttempts != 5 || j.Backoff.BaseDelayMs != 500 {
		t.Errorf("non-positive overrides should be ignored: attempts=%d base=%d", j.MaxAttempts, j.Backoff.BaseDelayMs)
	}
}

func TestBackoffBaseOverridePerJob(t *testing.T) {
	j := New(ClassAIResponse, []byte("{}"), "m-1", Options{MaxAttempts: 2, BackoffBaseMs: 100})
	if j.Backoff.BaseDelayMs != 100 {
		t.Fatalf("backoff base = %d, want 100", j.Backoff.BaseDelayMs)
	}

	j.AttemptsMade = 1
	if got := j.NextRetryDelay(0); got != 100*time.Millisecond {
		t.Errorf("first retry delay = %s, want 100ms", got)
	}
}

func TestNextRetryDelayDoubles(t *testing.T) {
	j := &Job{Backoff: Backoff{Type: BackoffExponential, BaseDelayMs: 1000}}

	j.AttemptsMade = 1
	if got := j.NextRetryDelay(0); got != time.Second {
		t.Errorf("attempt 1 delay = %s, want 1s", got)
	}

	j.AttemptsMade = 3
	if got := j.NextRetryDelay(0); got != 4*time.Second {
		t.Errorf("attempt 3 delay = %s, want 4s", got)
	}
}

func TestNextRetryDelayJitterClamped(t *testing.T) {
	j := &Job{AttemptsMade: 1, Backoff: Backoff{BaseDelayMs: 1000}}

	if got := j.NextRetryDelay(0.5); got != 1100*time.Millisecond {
		t.Errorf("jitter should clamp to +10%%, got %s", got)
	}
	if got := j.NextRetryDelay(-0.5); got != 900*time.Millisecond {
		t.Errorf("jitter should clamp to -10%%, got %s", got)
	}
}

func TestFieldsRoundTrip(t *testing.T) {
	j := New(ClassChatRelay, []byte(`{"k":"v"}`), "m-9", Options{Priority: PriorityUrgent})
	j.AttemptsMade = 2
	j.Error = "boom"

	fields := make(map[string]string)
	for k, v := range j.Fields() {
		fields[k] = fmt.Sprintf("%v", v)
	}

	got, err := FromFields(fields)
	if err != nil {
		t.Fatalf("FromFields failed: %v", err)
	}
	if got.ID != j.ID || got.Class != j.Class || got.Priority != j.Priority {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.AttemptsMade != 2 || got.Error != "boom" {
		t.Errorf("attempt/error mismatch: got %+v", got)
	}
	if string(got.Payload) != `{"k":"v"}` {
		t.Errorf("payload mismatch: %q", got.Payload)
	}
}

func TestFromFieldsRejectsPartialRecords(t *testing.T) {
	if _, err := FromFields(nil); err == nil {
		t.Error("empty record should fail")
	}
	if _, err := FromFields(map[string]string{"id": "x"}); err == nil {
		t.Error("record without class should fail")
	}
	if _, err := FromFields(map[string]string{"id": "x", "class": "webhook-inbound"}); err == nil {
		t.Error("record without state should fail")
	}
}
