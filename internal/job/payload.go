package job

import (
	"fmt"

	"github.com/sendable-ai/relayq/internal/serialization"
)

// SessionKind selects the tenant session flavor a handler runs under.
type SessionKind string

const (
	SessionWebhook SessionKind = "webhook"
	SessionAI      SessionKind = "ai"
	SessionGeneric SessionKind = "generic"
)

// WebhookInboundPayload is the payload for webhook-inbound jobs: a raw
// platform event plus routing metadata.
type WebhookInboundPayload struct {
	MerchantID string `json:"merchant_id"`
	Platform   string `json:"platform"`
	EventType  string `json:"event_type"`
	SenderID   string `json:"sender_id"`
	RawEvent   []byte `json:"raw_event"`
	ReceivedAt int64  `json:"received_at"`
}

// AIResponsePayload is the payload for ai-response jobs.
type AIResponsePayload struct {
	MerchantID     string `json:"merchant_id"`
	ConversationID string `json:"conversation_id"`
	ContactID      string `json:"contact_id"`
	Platform       string `json:"platform"`
	MessageText    string `json:"message_text"`
	ReplyToken     string `json:"reply_token,omitempty"`
}

// MessageDeliveryPayload is the payload for message-delivery jobs.
type MessageDeliveryPayload struct {
	MerchantID     string `json:"merchant_id"`
	ConversationID string `json:"conversation_id"`
	ContactID      string `json:"contact_id"`
	Platform       string `json:"platform"`
	Text           string `json:"text"`
	Attachments    []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"attachments,omitempty"`
}

// NotificationPayload is the payload for notification jobs.
type NotificationPayload struct {
	MerchantID string                 `json:"merchant_id"`
	Channel    string                 `json:"channel"`
	Subject    string                 `json:"subject"`
	Body       string                 `json:"body"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// CleanupPayload is the payload for cleanup jobs.
type CleanupPayload struct {
	Scope     string `json:"scope"`
	OlderThan int64  `json:"older_than_ms,omitempty"`
}

// ChatRelayPayload is the payload for chat-relay-processing jobs: an
// event relayed from an external chat automation platform.
type ChatRelayPayload struct {
	MerchantID   string `json:"merchant_id"`
	SubscriberID string `json:"subscriber_id"`
	Platform     string `json:"platform"`
	EventKind    string `json:"event_kind"`
	RawEvent     []byte `json:"raw_event"`
}

// EncodePayload wraps v in the format-prefixed envelope all job
// payloads travel in.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := serialization.EncodeJSON(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload unwraps a job payload into out.
func DecodePayload(data []byte, out interface{}) error {
	if err := serialization.Decode(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
