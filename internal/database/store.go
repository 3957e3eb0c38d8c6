package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// GetOrCreateCustomer resolves a customer by phone number, creating one on
	// first contact. The second return value reports whether a row was created.
	GetOrCreateCustomer(ctx context.Context, phone, name string) (*Customer, bool, error)

	// GetOrCreateConversation resolves the single conversation for a customer,
	// creating it if absent. The second return value reports creation.
	GetOrCreateConversation(ctx context.Context, customerID int64) (*Conversation, bool, error)

	// GetConversation retrieves a conversation by ID. Returns nil, nil if not found.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)

	// SaveMessage inserts a new message record and fills in its generated ID.
	SaveMessage(ctx context.Context, message *Message) error

	// GetMessageByExternalID retrieves a message by its platform id.
	// Returns nil, nil if not found.
	GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error)

	// GetRecentMessages retrieves the most recent 'limit' messages of a
	// conversation in chronological (oldest first) order.
	GetRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)

	// SetMessageExternalID records the platform id assigned to an outbound
	// message after the send call returns it.
	SetMessageExternalID(ctx context.Context, messageID int64, externalID string) error

	// AdvanceMessageStatus moves a message status forward. The update only
	// applies when the target status ranks above the current one; the first
	// return value reports whether the transition happened.
	AdvanceMessageStatus(ctx context.Context, messageID int64, to MessageStatus) (bool, error)

	// TouchConversation updates last_message_at and optionally increments the
	// unread counter (inbound customer messages only).
	TouchConversation(ctx context.Context, conversationID int64, at time.Time, incrementUnread bool) error

	// MarkConversationRead resets the unread counter to zero.
	MarkConversationRead(ctx context.Context, conversationID int64) error

	// CreateLeadIfAbsent inserts a lead for a conversation unless one already
	// exists. The insert is atomic via the unique index on conversation_id;
	// the first return value reports whether a row was created.
	CreateLeadIfAbsent(ctx context.Context, lead *Lead) (bool, error)

	// RunMaintenance performs database maintenance tasks like VACUUM.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) GetOrCreateCustomer(ctx context.Context, phone, name string) (*Customer, bool, error) {
	if phone == "" {
		return nil, false, fmt.Errorf("customer phone cannot be empty")
	}

	var customer Customer
	err := s.db.GetContext(ctx, &customer, `SELECT * FROM customers WHERE phone = ?;`, phone)
	if err == nil {
		return &customer, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up customer %s: %w", phone, err)
	}

	now := time.Now().UTC()
	customer = Customer{CreatedAt: now, UpdatedAt: now, Phone: phone, Name: name}

	// Concurrent first contact can race to the same phone; the unique
	// constraint resolves it and the loser re-reads the winner's row.
	res, err := s.db.NamedExecContext(ctx, `
        INSERT OR IGNORE INTO customers (created_at, updated_at, phone, name)
        VALUES (:created_at, :updated_at, :phone, :name);`, &customer)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create customer %s: %w", phone, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		if err := s.db.GetContext(ctx, &customer, `SELECT * FROM customers WHERE phone = ?;`, phone); err != nil {
			return nil, false, fmt.Errorf("failed to re-read customer %s: %w", phone, err)
		}
		return &customer, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read customer id: %w", err)
	}
	customer.ID = id

	s.logger.InfoContext(ctx, "Customer created", "customer_id", customer.ID, "phone", phone)
	return &customer, true, nil
}

func (s *sqlxStore) GetOrCreateConversation(ctx context.Context, customerID int64) (*Conversation, bool, error) {
	if customerID == 0 {
		return nil, false, fmt.Errorf("customer_id cannot be zero")
	}

	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE customer_id = ?;`, customerID)
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up conversation for customer %d: %w", customerID, err)
	}

	now := time.Now().UTC()
	conv = Conversation{CreatedAt: now, UpdatedAt: now, CustomerID: customerID, LastMessageAt: now}

	res, err := s.db.NamedExecContext(ctx, `
        INSERT OR IGNORE INTO conversations (created_at, updated_at, customer_id, unread_count, last_message_at)
        VALUES (:created_at, :updated_at, :customer_id, 0, :last_message_at);`, &conv)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation for customer %d: %w", customerID, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		if err := s.db.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE customer_id = ?;`, customerID); err != nil {
			return nil, false, fmt.Errorf("failed to re-read conversation for customer %d: %w", customerID, err)
		}
		return &conv, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read conversation id: %w", err)
	}
	conv.ID = id

	s.logger.InfoContext(ctx, "Conversation created", "conversation_id", conv.ID, "customer_id", customerID)
	return &conv, true, nil
}

func (s *sqlxStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE id = ?;`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	return &conv, nil
}

func (s *sqlxStore) SaveMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ConversationID == 0 {
		return fmt.Errorf("message must have a non-zero conversation_id")
	}
	if message.Content == "" && !message.MediaID.Valid {
		return fmt.Errorf("message must have content or a media reference")
	}
	if message.Timestamp.IsZero() {
		return fmt.Errorf("message must have a non-zero timestamp")
	}

	message.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO messages (created_at, conversation_id, external_id, sender, content, media_id, media_type, timestamp, status)
        VALUES (:created_at, :conversation_id, :external_id, :sender, :content, :media_id, :media_type, :timestamp, :status);
    `
	result, err := s.db.NamedExecContext(ctx, query, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"conversation_id", message.ConversationID, "sender", message.Sender, "error", err)
		return fmt.Errorf("failed to save message (conversation %d): %w", message.ConversationID, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		message.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
			"conversation_id", message.ConversationID, "error", err)
	}

	s.logger.DebugContext(ctx, "Message saved",
		"conversation_id", message.ConversationID, "message_id", message.ID, "status", message.Status)
	return nil
}

func (s *sqlxStore) GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external_id cannot be empty")
	}

	var message Message
	err := s.db.GetContext(ctx, &message, `SELECT * FROM messages WHERE external_id = ?;`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by external id %s: %w", externalID, err)
	}
	return &message, nil
}

func (s *sqlxStore) GetRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if conversationID == 0 {
		return nil, fmt.Errorf("conversation_id cannot be zero")
	}
	if limit <= 0 {
		limit = 10
	} else if limit > 100 {
		limit = 100
	}

	var messages []Message
	query := `
        SELECT * FROM (
            SELECT * FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?
        ) ORDER BY timestamp ASC, id ASC;
    `
	if err := s.db.SelectContext(ctx, &messages, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("failed to get recent messages for conversation %d: %w", conversationID, err)
	}
	return messages, nil
}

func (s *sqlxStore) SetMessageExternalID(ctx context.Context, messageID int64, externalID string) error {
	if messageID == 0 || externalID == "" {
		return fmt.Errorf("message_id and external_id are required")
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET external_id = ? WHERE id = ? AND external_id IS NULL;`,
		externalID, messageID)
	if err != nil {
		return fmt.Errorf("failed to set external id on message %d: %w", messageID, err)
	}
	return nil
}

func (s *sqlxStore) AdvanceMessageStatus(ctx context.Context, messageID int64, to MessageStatus) (bool, error) {
	if messageID == 0 {
		return false, fmt.Errorf("message_id cannot be zero")
	}
	if to.Rank() == 0 {
		return false, fmt.Errorf("unknown message status %q", to)
	}

	// Forward-only guard lives in the WHERE clause so concurrent receipt and
	// simulator triggers cannot move a status backward.
	query := `
        UPDATE messages SET status = ?
        WHERE id = ?
          AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END) <
              (CASE ? WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END);
    `
	result, err := s.db.ExecContext(ctx, query, to, messageID, to)
	if err != nil {
		return false, fmt.Errorf("failed to advance status of message %d: %w", messageID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows for message %d: %w", messageID, err)
	}
	return affected == 1, nil
}

func (s *sqlxStore) TouchConversation(ctx context.Context, conversationID int64, at time.Time, incrementUnread bool) error {
	if conversationID == 0 {
		return fmt.Errorf("conversation_id cannot be zero")
	}

	increment := 0
	if incrementUnread {
		increment = 1
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE conversations
        SET last_message_at = ?, unread_count = unread_count + ?, updated_at = ?
        WHERE id = ?;`, at.UTC(), increment, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %d: %w", conversationID, err)
	}
	return nil
}

func (s *sqlxStore) MarkConversationRead(ctx context.Context, conversationID int64) error {
	if conversationID == 0 {
		return fmt.Errorf("conversation_id cannot be zero")
	}

	_, err := s.db.ExecContext(ctx, `
        UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?;`,
		time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark conversation %d read: %w", conversationID, err)
	}
	return nil
}

func (s *sqlxStore) CreateLeadIfAbsent(ctx context.Context, lead *Lead) (bool, error) {
	if lead == nil {
		return false, fmt.Errorf("cannot save nil lead")
	}
	if lead.ConversationID == 0 {
		return false, fmt.Errorf("lead must have a non-zero conversation_id")
	}
	if lead.Stage == "" {
		lead.Stage = DefaultLeadStage
	}

	lead.CreatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
        INSERT INTO leads (created_at, conversation_id, stage, loan_type, amount, client_type, urgency, confidence, note)
        VALUES (:created_at, :conversation_id, :stage, :loan_type, :amount, :client_type, :urgency, :confidence, :note)
        ON CONFLICT (conversation_id) DO NOTHING;`, lead)
	if err != nil {
		return false, fmt.Errorf("failed to create lead for conversation %d: %w", lead.ConversationID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows for lead insert: %w", err)
	}
	if affected == 0 {
		s.logger.DebugContext(ctx, "Lead already exists for conversation", "conversation_id", lead.ConversationID)
		return false, nil
	}

	if id, err := result.LastInsertId(); err == nil {
		lead.ID = id
	}

	s.logger.InfoContext(ctx, "Lead created",
		"lead_id", lead.ID, "conversation_id", lead.ConversationID, "stage", lead.Stage)
	return true, nil
}

func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("VACUUM failed: %w", err)
	}
	s.logger.InfoContext(ctx, "Database maintenance completed.")
	return nil
}
