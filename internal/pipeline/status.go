package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruanpv/zapdesk/internal/database"
	"github.com/ruanpv/zapdesk/internal/realtime"
	"github.com/ruanpv/zapdesk/internal/whatsapp"
)

// StatusEngine drives the delivery-status state machine for messages.
// Transitions only move forward (sent -> delivered -> read, skips allowed)
// and every applied transition is broadcast as a message_status_change event.
//
// The engine is transition-triggered: real platform receipts arrive through
// ApplyReceipt, and Simulate provides a fixed-delay stand-in for outbound
// messages when no receipt feed is available. Both paths converge on Advance,
// where the forward-only rule is enforced by the store.
type StatusEngine struct {
	store database.Store
	hub   realtime.Broadcaster
	log   *slog.Logger

	deliveredDelay time.Duration
	readDelay      time.Duration
}

// NewStatusEngine constructs the engine. The delays apply only to Simulate.
func NewStatusEngine(store database.Store, hub realtime.Broadcaster, deliveredDelay, readDelay time.Duration, log *slog.Logger) *StatusEngine {
	return &StatusEngine{
		store:          store,
		hub:            hub,
		log:            log.With("component", "status_engine"),
		deliveredDelay: deliveredDelay,
		readDelay:      readDelay,
	}
}

// Advance attempts a forward transition on a message and broadcasts the
// change when applied. Backward or same-rank requests are rejected silently:
// the store's conditional update reports zero rows and no event is emitted.
func (e *StatusEngine) Advance(ctx context.Context, messageID int64, to database.MessageStatus) (bool, error) {
	applied, err := e.store.AdvanceMessageStatus(ctx, messageID, to)
	if err != nil {
		return false, err
	}
	if !applied {
		e.log.DebugContext(ctx, "Status transition rejected", "message_id", messageID, "to", to)
		return false, nil
	}

	e.hub.Broadcast(realtime.Event{
		Type:    realtime.EventMessageStatusChange,
		Payload: map[string]any{"id": messageID, "status": to},
	})
	e.log.DebugContext(ctx, "Status advanced", "message_id", messageID, "to", to)
	return true, nil
}

// ApplyReceipt maps a platform delivery/read receipt onto the message carrying
// that external id. Receipts for unknown messages or unknown statuses are
// logged and dropped.
func (e *StatusEngine) ApplyReceipt(ctx context.Context, receipt whatsapp.StatusReceipt) {
	var to database.MessageStatus
	switch receipt.Status {
	case "delivered":
		to = database.StatusDelivered
	case "read":
		to = database.StatusRead
	case "sent":
		return // initial state, nothing to advance
	default:
		e.log.WarnContext(ctx, "Unknown receipt status", "status", receipt.Status, "external_id", receipt.ExternalID)
		return
	}

	msg, err := e.store.GetMessageByExternalID(ctx, receipt.ExternalID)
	if err != nil {
		e.log.ErrorContext(ctx, "Failed to look up message for receipt", "external_id", receipt.ExternalID, "error", err)
		return
	}
	if msg == nil {
		e.log.DebugContext(ctx, "Receipt for unknown message", "external_id", receipt.ExternalID)
		return
	}

	if _, err := e.Advance(ctx, msg.ID, to); err != nil {
		e.log.ErrorContext(ctx, "Failed to apply receipt", "message_id", msg.ID, "to", to, "error", err)
	}
}

// Simulate advances an outbound message through delivered and read on fixed
// delays, standing in for a receipt feed. The goroutine stops when ctx is
// cancelled, so shutdown does not leave timers running.
func (e *StatusEngine) Simulate(ctx context.Context, messageID int64) {
	go func() {
		steps := []struct {
			delay time.Duration
			to    database.MessageStatus
		}{
			{e.deliveredDelay, database.StatusDelivered},
			{e.readDelay, database.StatusRead},
		}

		for _, step := range steps {
			timer := time.NewTimer(step.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if _, err := e.Advance(ctx, messageID, step.to); err != nil {
				e.log.ErrorContext(ctx, "Simulated transition failed", "message_id", messageID, "to", step.to, "error", err)
				return
			}
		}
	}()
}
