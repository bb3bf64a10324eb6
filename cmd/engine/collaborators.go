package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sendable-ai/relayq/internal/engine"
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
)

// defaultCollaborators wires the handler collaborators from the
// environment. Endpoints left unset fall back to log-only stubs so the
// engine runs standalone in development.
func defaultCollaborators(log logger.Logger) engine.Collaborators {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	return engine.Collaborators{
		AI:           &httpAIClient{url: os.Getenv("AI_PROVIDER_URL"), client: httpClient, log: log},
		Sender:       &httpMessageSender{url: os.Getenv("DELIVERY_URL"), client: httpClient, log: log},
		Notification: &httpNotificationSender{url: os.Getenv("NOTIFY_URL"), client: httpClient, log: log},
	}
}

type httpAIClient struct {
	url    string
	client *http.Client
	log    logger.Logger
}

func (c *httpAIClient) GenerateReply(ctx context.Context, merchantID, conversationID, messageText string) (string, error) {
	if c.url == "" {
		c.log.Debug("AI provider not configured, echoing message",
			"merchant_id", merchantID,
			"conversation_id", conversationID)
		return "Thanks for your message! We'll get back to you shortly.", nil
	}

	body, err := json.Marshal(map[string]string{
		"merchant_id":     merchantID,
		"conversation_id": conversationID,
		"message":         messageText,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Reply string `json:"reply"`
	}
	if err := postJSON(ctx, c.client, c.url, body, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

type httpMessageSender struct {
	url    string
	client *http.Client
	log    logger.Logger
}

func (s *httpMessageSender) Send(ctx context.Context, p *job.MessageDeliveryPayload) error {
	if s.url == "" {
		s.log.Info("Delivery endpoint not configured, logging message",
			"merchant_id", p.MerchantID,
			"platform", p.Platform,
			"contact_id", p.ContactID)
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.url, body, nil)
}

type httpNotificationSender struct {
	url    string
	client *http.Client
	log    logger.Logger
}

func (s *httpNotificationSender) Send(ctx context.Context, p *job.NotificationPayload) error {
	if s.url == "" {
		s.log.Info("Notify endpoint not configured, logging notification",
			"merchant_id", p.MerchantID,
			"channel", p.Channel,
			"subject", p.Subject)
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.url, body, nil)
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
