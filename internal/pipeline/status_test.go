package pipeline_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ruanpv/zapdesk/internal/database"
	"github.com/ruanpv/zapdesk/internal/pipeline"
	"github.com/ruanpv/zapdesk/internal/realtime"
	"github.com/ruanpv/zapdesk/internal/whatsapp"
)

func TestStatusEngine_ForwardOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		current     database.MessageStatus
		to          database.MessageStatus
		wantApplied bool
	}{
		{"sent to delivered", database.StatusSent, database.StatusDelivered, true},
		{"sent to read skips delivered", database.StatusSent, database.StatusRead, true},
		{"delivered to read", database.StatusDelivered, database.StatusRead, true},
		{"read to delivered rejected", database.StatusRead, database.StatusDelivered, false},
		{"delivered to sent rejected", database.StatusDelivered, database.StatusSent, false},
		{"same status rejected", database.StatusDelivered, database.StatusDelivered, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMemStore()
			hub := &memHub{}
			engine := pipeline.NewStatusEngine(store, hub, time.Second, time.Second, discardLogger())

			msg := &database.Message{Status: tt.current}
			if err := store.SaveMessage(context.Background(), msg); err != nil {
				t.Fatal(err)
			}

			applied, err := engine.Advance(context.Background(), msg.ID, tt.to)
			if err != nil {
				t.Fatalf("Advance() error = %v", err)
			}
			if applied != tt.wantApplied {
				t.Errorf("Advance() applied = %v, want %v", applied, tt.wantApplied)
			}

			events := hub.eventsOfType(realtime.EventMessageStatusChange)
			if tt.wantApplied && len(events) != 1 {
				t.Errorf("got %d status change events, want 1", len(events))
			}
			if !tt.wantApplied && len(events) != 0 {
				t.Errorf("got %d status change events for rejected transition, want 0", len(events))
			}
		})
	}
}

func TestStatusEngine_ApplyReceipt(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	hub := &memHub{}
	engine := pipeline.NewStatusEngine(store, hub, time.Second, time.Second, discardLogger())

	msg := &database.Message{
		ExternalID: sql.NullString{String: "wamid.out", Valid: true},
		Status:     database.StatusSent,
	}
	if err := store.SaveMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	engine.ApplyReceipt(context.Background(), whatsapp.StatusReceipt{ExternalID: "wamid.out", Status: "delivered"})
	engine.ApplyReceipt(context.Background(), whatsapp.StatusReceipt{ExternalID: "wamid.out", Status: "read"})
	// Late delivered receipt after read must not regress.
	engine.ApplyReceipt(context.Background(), whatsapp.StatusReceipt{ExternalID: "wamid.out", Status: "delivered"})
	// Receipts for unknown messages and statuses are dropped.
	engine.ApplyReceipt(context.Background(), whatsapp.StatusReceipt{ExternalID: "wamid.ghost", Status: "read"})
	engine.ApplyReceipt(context.Background(), whatsapp.StatusReceipt{ExternalID: "wamid.out", Status: "exploded"})

	final, err := store.GetMessageByExternalID(context.Background(), "wamid.out")
	if err != nil || final == nil {
		t.Fatalf("GetMessageByExternalID() = %v, %v", final, err)
	}
	if final.Status != database.StatusRead {
		t.Errorf("final status = %q, want %q", final.Status, database.StatusRead)
	}

	if got := len(hub.eventsOfType(realtime.EventMessageStatusChange)); got != 2 {
		t.Errorf("got %d status change events, want 2", got)
	}
}

func TestStatusEngine_Simulate(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	hub := &memHub{}
	engine := pipeline.NewStatusEngine(store, hub, 10*time.Millisecond, 10*time.Millisecond, discardLogger())

	msg := &database.Message{Status: database.StatusSent}
	if err := store.SaveMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	engine.Simulate(context.Background(), msg.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hub.eventsOfType(realtime.EventMessageStatusChange)) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	msgs := store.snapshotMessages()
	if len(msgs) != 1 || msgs[0].Status != database.StatusRead {
		t.Fatalf("message did not reach read: %+v", msgs)
	}
}

func TestStatusEngine_SimulateStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	hub := &memHub{}
	engine := pipeline.NewStatusEngine(store, hub, time.Hour, time.Hour, discardLogger())

	msg := &database.Message{Status: database.StatusSent}
	if err := store.SaveMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine.Simulate(ctx, msg.ID)
	cancel()

	time.Sleep(50 * time.Millisecond)

	msgs := store.snapshotMessages()
	if msgs[0].Status != database.StatusSent {
		t.Errorf("cancelled simulation still advanced status to %q", msgs[0].Status)
	}
}
