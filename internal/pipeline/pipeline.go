// Package pipeline implements the message ingestion and synchronization
// pipeline: webhook intake, deduplication, origin classification, batched
// device-message persistence, the delivery-status state machine, and the
// auto-reply and lead-detection side effects.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruanpv/zapdesk/internal/ai"
	"github.com/ruanpv/zapdesk/internal/config"
	"github.com/ruanpv/zapdesk/internal/database"
	"github.com/ruanpv/zapdesk/internal/realtime"
	"github.com/ruanpv/zapdesk/internal/whatsapp"
)

// Pipeline owns all transient ingestion state (dedup registry, device queue)
// and orchestrates processing of webhook events. Inbound customer messages
// flow through a single consumer goroutine so per-conversation insertion
// order follows arrival order.
type Pipeline struct {
	cfg      config.PipelineConfig
	store    database.Store
	aiClient ai.Client
	sender   whatsapp.Sender
	hub      realtime.Broadcaster
	status   *StatusEngine
	dedup    *DedupRegistry
	queue    *DeviceMessageQueue
	classify ClassifierFunc
	log      *slog.Logger

	events chan batch
}

type batch struct {
	envelopes []whatsapp.Envelope
	receipts  []whatsapp.StatusReceipt
}

// New wires the pipeline together. classify may be nil, in which case the
// default origin heuristic is used.
func New(
	cfg config.PipelineConfig,
	store database.Store,
	aiClient ai.Client,
	sender whatsapp.Sender,
	hub realtime.Broadcaster,
	status *StatusEngine,
	classify ClassifierFunc,
	log *slog.Logger,
) *Pipeline {
	if classify == nil {
		classify = ClassifyOrigin
	}

	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		aiClient: aiClient,
		sender:   sender,
		hub:      hub,
		status:   status,
		dedup:    NewDedupRegistry(cfg.DedupCap),
		classify: classify,
		log:      log.With("component", "pipeline"),
		events:   make(chan batch, 256),
	}
	p.queue = NewDeviceMessageQueue(cfg.DrainBatchSize, cfg.DrainFollowUpDelay, p.persistDeviceMessage, log)
	return p
}

// Run consumes queued webhook events until ctx is cancelled. It must be
// running for Ingest to make progress.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("Pipeline worker started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Pipeline worker stopped")
			return ctx.Err()
		case b := <-p.events:
			for _, receipt := range b.receipts {
				p.status.ApplyReceipt(ctx, receipt)
			}
			for _, env := range b.envelopes {
				p.processInbound(ctx, env)
			}
		}
	}
}

// Ingest takes a raw webhook body after the HTTP layer has already
// acknowledged it. Parsing, dedup, and classification happen here
// synchronously (cheap, no I/O); persistence and side effects run on the
// consumer goroutine. Malformed payloads are logged and dropped — never
// surfaced to the webhook response.
func (p *Pipeline) Ingest(body []byte) {
	envelopes, receipts, err := whatsapp.ParseWebhook(body)
	if err != nil {
		p.log.Warn("Ignoring malformed webhook payload", "error", err)
		return
	}
	if len(envelopes) == 0 && len(receipts) == 0 {
		p.log.Debug("Webhook carried no message or status events")
		return
	}

	accepted := envelopes[:0]
	for _, env := range envelopes {
		if env.ExternalID != "" && p.dedup.Seen(env.ExternalID) {
			p.log.Debug("Duplicate message dropped", "external_id", env.ExternalID)
			continue
		}

		if env.FromMe {
			// Operator traffic mirrored by the gateway: API-origin sends are
			// already persisted by the outbound path; device-origin ones wait
			// in the queue for the batched drain.
			if p.classify(env.Meta) == OriginAPI {
				p.log.Debug("API-origin echo dropped", "external_id", env.ExternalID)
				continue
			}
			p.queue.Enqueue(env)
			continue
		}

		accepted = append(accepted, env)
	}

	if len(accepted) == 0 && len(receipts) == 0 {
		return
	}
	p.events <- batch{envelopes: accepted, receipts: receipts}
}

// DrainDeviceQueue runs one drain pass; wired to the periodic scheduler.
func (p *Pipeline) DrainDeviceQueue(ctx context.Context) error {
	p.queue.Drain(ctx)
	return nil
}

// QueueLen reports the number of device messages waiting for the next drain.
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

// MarkConversationRead resets the unread counter and notifies clients.
func (p *Pipeline) MarkConversationRead(ctx context.Context, conversationID int64) error {
	if err := p.store.MarkConversationRead(ctx, conversationID); err != nil {
		return err
	}
	p.broadcastConversation(ctx, conversationID)
	return nil
}

// processInbound persists one customer message and fires its side effects.
// Failures are logged and swallowed; nothing here may crash the worker.
func (p *Pipeline) processInbound(ctx context.Context, env whatsapp.Envelope) {
	customer, _, err := p.store.GetOrCreateCustomer(ctx, env.Peer, env.ProfileName)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to resolve customer", "peer", env.Peer, "error", err)
		return
	}

	conv, created, err := p.store.GetOrCreateConversation(ctx, customer.ID)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to resolve conversation", "customer_id", customer.ID, "error", err)
		return
	}

	msg := &database.Message{
		ConversationID: conv.ID,
		ExternalID:     nullString(env.ExternalID),
		Sender:         database.SenderCustomer,
		Content:        env.Text,
		MediaID:        nullString(env.MediaID),
		MediaType:      nullString(env.MediaType),
		Timestamp:      env.Timestamp,
		// Customer messages enter at delivered: the customer already sent it.
		Status: database.StatusDelivered,
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		p.log.ErrorContext(ctx, "Failed to persist inbound message", "conversation_id", conv.ID, "error", err)
		return
	}

	if err := p.store.TouchConversation(ctx, conv.ID, env.Timestamp, true); err != nil {
		p.log.ErrorContext(ctx, "Failed to update conversation counters", "conversation_id", conv.ID, "error", err)
	}

	if created {
		p.hub.Broadcast(realtime.Event{
			Type:    realtime.EventNewConversation,
			Payload: map[string]any{"conversation": conv, "customer": customer},
		})
	}
	p.hub.Broadcast(realtime.Event{Type: realtime.EventNewMessage, Payload: msg})
	p.broadcastConversation(ctx, conv.ID)

	// Side effects run detached so a slow AI call never blocks ingestion
	// ordering for other messages.
	if p.cfg.AutoReply && env.Text != "" {
		go p.autoReply(ctx, conv, customer)
	}
	if env.Text != "" {
		go p.detectLead(ctx, conv, env.Text)
	}
}

// persistDeviceMessage stores one drained device-origin envelope. Sender type
// is forced to agent and status to sent: the operator wrote it on the phone
// and no receipt feed covers it.
func (p *Pipeline) persistDeviceMessage(ctx context.Context, env whatsapp.Envelope) error {
	customer, _, err := p.store.GetOrCreateCustomer(ctx, env.Peer, env.ProfileName)
	if err != nil {
		return fmt.Errorf("resolve customer: %w", err)
	}

	conv, created, err := p.store.GetOrCreateConversation(ctx, customer.ID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	msg := &database.Message{
		ConversationID: conv.ID,
		ExternalID:     nullString(env.ExternalID),
		Sender:         database.SenderAgent,
		Content:        env.Text,
		MediaID:        nullString(env.MediaID),
		MediaType:      nullString(env.MediaType),
		Timestamp:      env.Timestamp,
		Status:         database.StatusSent,
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	if err := p.store.TouchConversation(ctx, conv.ID, env.Timestamp, false); err != nil {
		p.log.ErrorContext(ctx, "Failed to update conversation timestamp", "conversation_id", conv.ID, "error", err)
	}

	if created {
		p.hub.Broadcast(realtime.Event{
			Type:    realtime.EventNewConversation,
			Payload: map[string]any{"conversation": conv, "customer": customer},
		})
	}
	p.hub.Broadcast(realtime.Event{Type: realtime.EventNewMessage, Payload: msg})
	return nil
}

// autoReply generates and sends a reply to the latest customer message.
// Any failure is logged and the conversation is left without a reply; no
// retry is scheduled.
func (p *Pipeline) autoReply(ctx context.Context, conv *database.Conversation, customer *database.Customer) {
	history, err := p.store.GetRecentMessages(ctx, conv.ID, p.cfg.HistoryLimit)
	if err != nil {
		p.log.ErrorContext(ctx, "Auto-reply aborted: failed to load history", "conversation_id", conv.ID, "error", err)
		return
	}

	reply, err := p.aiClient.GenerateReply(ctx, history)
	if err != nil {
		p.log.ErrorContext(ctx, "Auto-reply aborted: generation failed", "conversation_id", conv.ID, "error", err)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		p.log.WarnContext(ctx, "Auto-reply aborted: empty generation", "conversation_id", conv.ID)
		return
	}

	now := time.Now().UTC()
	msg := &database.Message{
		ConversationID: conv.ID,
		Sender:         database.SenderAgent,
		Content:        reply,
		Timestamp:      now,
		Status:         database.StatusSent,
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		p.log.ErrorContext(ctx, "Auto-reply aborted: failed to persist reply", "conversation_id", conv.ID, "error", err)
		return
	}

	if err := p.store.TouchConversation(ctx, conv.ID, now, false); err != nil {
		p.log.ErrorContext(ctx, "Failed to update conversation timestamp", "conversation_id", conv.ID, "error", err)
	}

	externalID, err := p.sender.SendText(ctx, customer.Phone, reply)
	if err != nil {
		// The reply stays persisted at sent with no receipt feed to move it.
		p.log.ErrorContext(ctx, "Auto-reply outbound send failed", "conversation_id", conv.ID, "error", err)
	} else if externalID != "" {
		p.dedup.Seen(externalID) // the gateway will mirror our own send back
		if err := p.store.SetMessageExternalID(ctx, msg.ID, externalID); err != nil {
			p.log.ErrorContext(ctx, "Failed to record external id", "message_id", msg.ID, "error", err)
		}
	}

	if p.cfg.SimulateReceipts {
		p.status.Simulate(ctx, msg.ID)
	}

	p.hub.Broadcast(realtime.Event{Type: realtime.EventNewMessage, Payload: msg})
	p.broadcastConversation(ctx, conv.ID)
	p.log.InfoContext(ctx, "Auto-reply sent", "conversation_id", conv.ID, "message_id", msg.ID)
}

// detectLead classifies the message for lead intent and creates at most one
// lead per conversation. The insert is atomic at the storage layer, so
// concurrent triggers for the same conversation cannot produce duplicates.
func (p *Pipeline) detectLead(ctx context.Context, conv *database.Conversation, text string) {
	intent, err := p.aiClient.DetectLeadIntent(ctx, text)
	if err != nil {
		p.log.ErrorContext(ctx, "Lead detection failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if !intent.IsLead || intent.Confidence <= p.cfg.LeadConfidence {
		return
	}

	lead := &database.Lead{
		ConversationID: conv.ID,
		Stage:          database.DefaultLeadStage,
		LoanType:       intent.LoanType,
		Amount:         intent.Amount,
		ClientType:     intent.ClientType,
		Urgency:        intent.Urgency,
		Confidence:     intent.Confidence,
		Note:           leadNote(intent),
	}

	created, err := p.store.CreateLeadIfAbsent(ctx, lead)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to create lead", "conversation_id", conv.ID, "error", err)
		return
	}
	if !created {
		return
	}

	p.hub.Broadcast(realtime.Event{Type: realtime.EventLeadUpdate, Payload: lead})
	p.log.InfoContext(ctx, "Lead detected",
		"conversation_id", conv.ID, "lead_id", lead.ID, "confidence", intent.Confidence)
}

func (p *Pipeline) broadcastConversation(ctx context.Context, conversationID int64) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		if err != nil {
			p.log.ErrorContext(ctx, "Failed to load conversation for broadcast", "conversation_id", conversationID, "error", err)
		}
		return
	}
	p.hub.Broadcast(realtime.Event{Type: realtime.EventConversationUpdated, Payload: conv})
}

func leadNote(intent *ai.LeadIntent) string {
	var sb strings.Builder
	sb.WriteString("Lead detectado automaticamente.")
	if intent.LoanType != "" {
		fmt.Fprintf(&sb, " Produto: %s.", intent.LoanType)
	}
	if intent.Amount > 0 {
		fmt.Fprintf(&sb, " Valor: R$ %.2f.", intent.Amount)
	}
	if intent.ClientType != "" {
		fmt.Fprintf(&sb, " Perfil: %s.", intent.ClientType)
	}
	if intent.Urgency != "" {
		fmt.Fprintf(&sb, " Urgência: %s.", intent.Urgency)
	}
	fmt.Fprintf(&sb, " Confiança: %.0f%%.", intent.Confidence*100)
	return sb.String()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
