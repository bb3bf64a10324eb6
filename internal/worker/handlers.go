package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sendable-ai/relayq/internal/breaker"
	"github.com/sendable-ai/relayq/internal/job"
	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/queue"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

// AIClient generates conversational replies for a merchant's contact.
type AIClient interface {
	GenerateReply(ctx context.Context, merchantID, conversationID, messageText string) (string, error)
}

// MessageSender delivers an outbound message on a platform channel.
type MessageSender interface {
	Send(ctx context.Context, p *job.MessageDeliveryPayload) error
}

// NotificationSender delivers an internal notification (email, ops
// channel, in-app).
type NotificationSender interface {
	Send(ctx context.Context, p *job.NotificationPayload) error
}

// Handlers bundles the built-in class handlers and their collaborators.
// External calls run behind per-collaborator circuit breakers; the
// queue itself never does.
type Handlers struct {
	queue    *queue.Queue
	breakers *breaker.Registry
	ai       AIClient
	sender   MessageSender
	notify   NotificationSender
	log      logger.Logger
}

// NewHandlers wires the built-in handlers.
func NewHandlers(q *queue.Queue, breakers *breaker.Registry, ai AIClient, sender MessageSender, notify NotificationSender, log logger.Logger) *Handlers {
	return &Handlers{
		queue:    q,
		breakers: breakers,
		ai:       ai,
		sender:   sender,
		notify:   notify,
		log:      log.WithComponent(logger.ComponentWorker),
	}
}

// RegisterAll binds every built-in handler to its class.
func (h *Handlers) RegisterAll(reg *Registry) error {
	bindings := map[job.Class]Handler{
		job.ClassWebhookInbound:  HandlerFunc(h.handleWebhookInbound),
		job.ClassAIResponse:      HandlerFunc(h.handleAIResponse),
		job.ClassMessageDelivery: HandlerFunc(h.handleMessageDelivery),
		job.ClassNotification:    HandlerFunc(h.handleNotification),
		job.ClassCleanup:         HandlerFunc(h.handleCleanup),
		job.ClassChatRelay:       HandlerFunc(h.handleChatRelay),
	}

	for class, handler := range bindings {
		if err := reg.Register(class, handler); err != nil {
			return err
		}
	}

	// ai-response calls one fixed collaborator, so the whole class is
	// gated on its breaker. Delivery and notification breakers are per
	// platform or channel and only known after payload decode.
	return reg.SetGate(job.ClassAIResponse, func() bool {
		return h.breakers.Get("ai-provider").State() != breaker.StateOpen
	})
}

// handleWebhookInbound validates a platform webhook event and fans out
// an ai-response job when the event carries a user message.
func (h *Handlers) handleWebhookInbound(ctx context.Context, j *job.Job) ([]byte, error) {
	var p job.WebhookInboundPayload
	if err := job.DecodePayload(j.Payload, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.KindPayloadCorrupt, "webhook-inbound", err)
	}
	if p.MerchantID == "" || p.Platform == "" {
		return nil, relayerr.Permanent("webhook-inbound",
			fmt.Errorf("event missing merchant_id or platform"))
	}

	h.log.InfoContext(ctx, "Webhook event received",
		"platform", p.Platform,
		"event_type", p.EventType,
		"merchant_id", p.MerchantID)

	// Only message events produce an AI reply; delivery receipts and
	// read events are recorded and dropped
	if p.EventType != "message" {
		return []byte(fmt.Sprintf(`{"handled":"%s"}`, p.EventType)), nil
	}

	reply := job.AIResponsePayload{
		MerchantID:     p.MerchantID,
		ConversationID: fmt.Sprintf("%s:%s", p.Platform, p.SenderID),
		ContactID:      p.SenderID,
		Platform:       p.Platform,
		MessageText:    string(p.RawEvent),
	}

	payload, err := job.EncodePayload(reply)
	if err != nil {
		return nil, err
	}

	next := job.New(job.ClassAIResponse, payload, p.MerchantID, job.Options{Priority: j.Priority})
	if _, err := h.queue.Enqueue(ctx, next); err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf(`{"ai_response_job":"%s"}`, next.ID)), nil
}

// handleAIResponse generates a reply and enqueues its delivery as a
// separate message-delivery job, so send failures retry without
// regenerating the reply.
func (h *Handlers) handleAIResponse(ctx context.Context, j *job.Job) ([]byte, error) {
	var p job.AIResponsePayload
	if err := job.DecodePayload(j.Payload, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.KindPayloadCorrupt, "ai-response", err)
	}

	var reply string
	err := h.breakers.Get("ai-provider").Execute(ctx, func(bctx context.Context) error {
		var genErr error
		reply, genErr = h.ai.GenerateReply(bctx, p.MerchantID, p.ConversationID, p.MessageText)
		return genErr
	})
	if err != nil {
		return nil, err
	}

	delivery := job.MessageDeliveryPayload{
		MerchantID:     p.MerchantID,
		ConversationID: p.ConversationID,
		ContactID:      p.ContactID,
		Platform:       p.Platform,
		Text:           reply,
	}

	payload, err := job.EncodePayload(delivery)
	if err != nil {
		return nil, err
	}

	next := job.New(job.ClassMessageDelivery, payload, p.MerchantID, job.Options{Priority: j.Priority})
	if _, err := h.queue.Enqueue(ctx, next); err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf(`{"delivery_job":"%s"}`, next.ID)), nil
}

// handleMessageDelivery sends an outbound message on its platform.
func (h *Handlers) handleMessageDelivery(ctx context.Context, j *job.Job) ([]byte, error) {
	var p job.MessageDeliveryPayload
	if err := job.DecodePayload(j.Payload, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.KindPayloadCorrupt, "message-delivery", err)
	}

	err := h.breakers.Get("platform-"+p.Platform).Execute(ctx, func(bctx context.Context) error {
		return h.sender.Send(bctx, &p)
	})
	if err != nil {
		return nil, err
	}

	return []byte(`{"delivered":true}`), nil
}

func (h *Handlers) handleNotification(ctx context.Context, j *job.Job) ([]byte, error) {
	var p job.NotificationPayload
	if err := job.DecodePayload(j.Payload, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.KindPayloadCorrupt, "notification", err)
	}

	err := h.breakers.Get("notification-"+p.Channel).Execute(ctx, func(bctx context.Context) error {
		return h.notify.Send(bctx, &p)
	})
	if err != nil {
		return nil, err
	}

	return []byte(`{"sent":true}`), nil
}

// handleCleanup prunes old completed and failed records across all
// classes. The scheduled maintenance job enqueues these.
func (h *Handlers) handleCleanup(ctx context.Context, j *job.Job) ([]byte, error) {
	var p job.CleanupPayload
	if err := job.DecodePayload(j.Payload, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.KindPayloadCorrupt, "cleanup", err)
	}

	completedAge := 24 * time.Hour
	failedAge := 7 * 24 * time.Hour
	if p.OlderThan > 0 {
		completedAge = time.Duration(p.OlderThan) * time.Millisecond
		failedAge = completedAge
	}

	var total int64
	for _, class := range job.AllClasses() {
		if p.Scope == "" || p.Scope == "completed" {
			n, err := h.queue.Clean(ctx, class, job.StateCompleted, time.Now().Add(-completedAge), 1000)
			if err != nil {
				return nil, err
			}
			total += n
		}
		if p.Scope == "" || p.Scope == "failed" {
			n, err := h.queue.Clean(ctx, class, job.StateFailed, time.Now().Add(-failedAge), 1000)
			if err != nil {
				return nil, err
			}
			total += n
		}
	}

	return []byte(fmt.Sprintf(`{"removed":%d}`, total)), nil
}

// handleChatRelay normalizes an event relayed from the chat automation
// platform and fans out an ai-response job for message events.
func (h *Handlers) handleChatRelay(ctx context.Context, j *job.Job) ([]byte, error) {
	var p job.ChatRelayPayload
	if err := job.DecodePayload(j.Payload, &p); err != nil {
		return nil, relayerr.Wrap(relayerr.KindPayloadCorrupt, "chat-relay", err)
	}
	if p.MerchantID == "" || p.SubscriberID == "" {
		return nil, relayerr.Permanent("chat-relay",
			fmt.Errorf("relay event missing merchant_id or subscriber_id"))
	}

	if p.EventKind != "message" {
		return []byte(fmt.Sprintf(`{"handled":"%s"}`, p.EventKind)), nil
	}

	reply := job.AIResponsePayload{
		MerchantID:     p.MerchantID,
		ConversationID: fmt.Sprintf("relay:%s", p.SubscriberID),
		ContactID:      p.SubscriberID,
		Platform:       p.Platform,
		MessageText:    string(p.RawEvent),
	}

	payload, err := job.EncodePayload(reply)
	if err != nil {
		return nil, err
	}

	next := job.New(job.ClassAIResponse, payload, p.MerchantID, job.Options{Priority: j.Priority})
	if _, err := h.queue.Enqueue(ctx, next); err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf(`{"ai_response_job":"%s"}`, next.ID)), nil
}
