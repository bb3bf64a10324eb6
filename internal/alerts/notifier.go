// Package alerts ships operations alerts to an external webhook. Alerts
// are buffered and posted asynchronously so a slow ops endpoint never
// blocks the polling loop or the health monitors.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sendable-ai/relayq/internal/logger"
)

// Severity grades an alert for the ops channel.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single operations notification.
type Alert struct {
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// Notifier delivers operations alerts.
type Notifier interface {
	Notify(alert Alert)
	Close() error
}

// WebhookNotifier posts alerts to a configured HTTP endpoint with
// channel buffering and a bounded retry per alert.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	buffer     chan Alert
	closeChan  chan struct{}
	wg         sync.WaitGroup
	maxRetries int
	log        logger.Logger
}

// NewWebhookNotifier creates a notifier posting to url. A 10 s request
// timeout bounds each delivery attempt.
func NewWebhookNotifier(url string) *WebhookNotifier {
	n := &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		buffer:     make(chan Alert, 100),
		closeChan:  make(chan struct{}),
		maxRetries: 3,
		log:        logger.Default().WithComponent(logger.ComponentEngine),
	}

	n.wg.Add(1)
	go n.shipper()

	return n
}

// Notify queues an alert for delivery. Never blocks; drops when the
// buffer is full.
func (n *WebhookNotifier) Notify(alert Alert) {
	if alert.Timestamp == "" {
		alert.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	select {
	case n.buffer <- alert:
	default:
		n.log.Warn("Alert buffer full, dropping alert", "source", alert.Source, "message", alert.Message)
	}
}

func (n *WebhookNotifier) shipper() {
	defer n.wg.Done()

	for {
		select {
		case alert := <-n.buffer:
			n.deliver(alert)
		case <-n.closeChan:
			// Drain remaining alerts before exit
			for {
				select {
				case alert := <-n.buffer:
					n.deliver(alert)
				default:
					return
				}
			}
		}
	}
}

func (n *WebhookNotifier) deliver(alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		n.log.Error("Failed to marshal alert", "error", err)
		return
	}

	backoff := time.Second
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		if err := n.post(body); err == nil {
			return
		} else if attempt == n.maxRetries {
			n.log.Error("Failed to deliver ops alert",
				"source", alert.Source,
				"attempts", attempt,
				"error", err)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (n *WebhookNotifier) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close drains buffered alerts and stops the shipper.
func (n *WebhookNotifier) Close() error {
	close(n.closeChan)
	n.wg.Wait()
	return nil
}

// NoOpNotifier discards all alerts (used when no webhook is configured
// and in tests).
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(alert Alert) {}
func (NoOpNotifier) Close() error       { return nil }

var _ Notifier = (*WebhookNotifier)(nil)
var _ Notifier = NoOpNotifier{}
