package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestWebhookNotifierDelivers(t *testing.T) {
	var mu sync.Mutex
	var received []Alert

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("bad alert body: %v", err)
		}
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Notify(Alert{Severity: SeverityCritical, Source: "test", Message: "something broke"})
	n.Notify(Alert{Severity: SeverityWarning, Source: "test", Message: "minor thing"})

	// Close drains the buffer before returning
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d alerts, want 2", len(received))
	}
	if received[0].Timestamp == "" {
		t.Error("notifier should stamp alerts")
	}
}

func TestNoOpNotifier(t *testing.T) {
	n := NoOpNotifier{}
	n.Notify(Alert{Message: "ignored"})
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
}
