package database

import (
	"database/sql"
	"time"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
)

// MessageStatus is the delivery state of a message. Transitions only move
// forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank returns the ordinal position of a status in the delivery sequence.
// Unknown statuses rank below sent so they can never win a transition.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Customer is a WhatsApp contact, keyed by phone number. Created on first
// contact and never deleted.
type Customer struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	Phone string `db:"phone"`
	Name  string `db:"name"`
}

// Conversation is the single thread of messages with a customer (1:1).
type Conversation struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	CustomerID    int64     `db:"customer_id"`
	UnreadCount   int       `db:"unread_count"`
	LastMessageAt time.Time `db:"last_message_at"`
}

// Message belongs to exactly one conversation. Immutable except for Status.
// ExternalID is the platform message id (wamid); device-origin messages
// drained from the queue may not have one.
type Message struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	ConversationID int64          `db:"conversation_id"`
	ExternalID     sql.NullString `db:"external_id"`
	Sender         SenderType     `db:"sender"`
	Content        string         `db:"content"`
	MediaID        sql.NullString `db:"media_id"`
	MediaType      sql.NullString `db:"media_type"`
	Timestamp      time.Time      `db:"timestamp"`
	Status         MessageStatus  `db:"status"`
}

// Lead is a CRM opportunity tied to a conversation. At most one lead exists
// per conversation, enforced by a unique index.
type Lead struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`

	ConversationID int64   `db:"conversation_id"`
	Stage          string  `db:"stage"`
	LoanType       string  `db:"loan_type"`
	Amount         float64 `db:"amount"`
	ClientType     string  `db:"client_type"`
	Urgency        string  `db:"urgency"`
	Confidence     float64 `db:"confidence"`
	Note           string  `db:"note"`
}

// DefaultLeadStage is the first column of the default pipeline, where
// auto-detected leads land.
const DefaultLeadStage = "new"
