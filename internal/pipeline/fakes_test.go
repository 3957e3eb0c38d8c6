package pipeline_test

import (
	"context"
	"sync"
	"time"

	"github.com/ruanpv/zapdesk/internal/ai"
	"github.com/ruanpv/zapdesk/internal/database"
	"github.com/ruanpv/zapdesk/internal/realtime"
)

// memStore is an in-memory database.Store with the same semantics the SQL
// implementation guarantees: one conversation per customer, one lead per
// conversation, forward-only status transitions.
type memStore struct {
	mu            sync.Mutex
	customers     map[string]*database.Customer    // by phone
	conversations map[int64]*database.Conversation // by customer id
	messages      []*database.Message
	leads         map[int64]*database.Lead // by conversation id
	nextID        int64
}

func newMemStore() *memStore {
	return &memStore{
		customers:     make(map[string]*database.Customer),
		conversations: make(map[int64]*database.Conversation),
		leads:         make(map[int64]*database.Lead),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) GetOrCreateCustomer(_ context.Context, phone, name string) (*database.Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers[phone]; ok {
		return c, false, nil
	}
	c := &database.Customer{ID: s.id(), Phone: phone, Name: name}
	s.customers[phone] = c
	return c, true, nil
}

func (s *memStore) GetOrCreateConversation(_ context.Context, customerID int64) (*database.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[customerID]; ok {
		return c, false, nil
	}
	c := &database.Conversation{ID: s.id(), CustomerID: customerID}
	s.conversations[customerID] = c
	return c, true, nil
}

func (s *memStore) GetConversation(_ context.Context, id int64) (*database.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (s *memStore) SaveMessage(_ context.Context, message *database.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	message.ID = s.id()
	s.messages = append(s.messages, message)
	return nil
}

func (s *memStore) GetMessageByExternalID(_ context.Context, externalID string) (*database.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ExternalID.Valid && m.ExternalID.String == externalID {
			return m, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetRecentMessages(_ context.Context, conversationID int64, limit int) ([]database.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) SetMessageExternalID(_ context.Context, messageID int64, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID && !m.ExternalID.Valid {
			m.ExternalID.String = externalID
			m.ExternalID.Valid = true
		}
	}
	return nil
}

func (s *memStore) AdvanceMessageStatus(_ context.Context, messageID int64, to database.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID {
			if to.Rank() <= m.Status.Rank() {
				return false, nil
			}
			m.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) TouchConversation(_ context.Context, conversationID int64, at time.Time, incrementUnread bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ID == conversationID {
			c.LastMessageAt = at
			if incrementUnread {
				c.UnreadCount++
			}
		}
	}
	return nil
}

func (s *memStore) MarkConversationRead(_ context.Context, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ID == conversationID {
			c.UnreadCount = 0
		}
	}
	return nil
}

func (s *memStore) CreateLeadIfAbsent(_ context.Context, lead *database.Lead) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[lead.ConversationID]; ok {
		return false, nil
	}
	lead.ID = s.id()
	s.leads[lead.ConversationID] = lead
	return true, nil
}

func (s *memStore) RunMaintenance(context.Context) error { return nil }

func (s *memStore) snapshotMessages() []database.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]database.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

func (s *memStore) leadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leads)
}

// memHub records broadcast events instead of writing to websockets.
type memHub struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (h *memHub) Broadcast(event realtime.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *memHub) eventsOfType(t realtime.EventType) []realtime.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []realtime.Event
	for _, e := range h.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// stubAI returns canned responses.
type stubAI struct {
	reply     string
	replyErr  error
	intent    *ai.LeadIntent
	intentErr error
}

func (a *stubAI) GenerateReply(context.Context, []database.Message) (string, error) {
	return a.reply, a.replyErr
}

func (a *stubAI) DetectLeadIntent(context.Context, string) (*ai.LeadIntent, error) {
	if a.intent == nil && a.intentErr == nil {
		return &ai.LeadIntent{}, nil
	}
	return a.intent, a.intentErr
}

// stubSender records outbound sends.
type stubSender struct {
	mu    sync.Mutex
	sent  []string
	wamid string
	err   error
}

func (s *stubSender) SendText(_ context.Context, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, text)
	return s.wamid, nil
}

func (s *stubSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
