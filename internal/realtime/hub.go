// Package realtime pushes typed JSON events to connected UI clients over
// websockets. Delivery is best-effort fan-out: no acknowledgment, no
// per-client filtering; a client disconnected during a broadcast misses
// the event and reconciles with a full refetch on reconnect.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// EventType identifies the kind of payload pushed to clients.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventNewMessage            EventType = "new_message"
	EventNewConversation       EventType = "new_conversation"
	EventConversationUpdated   EventType = "conversation_updated"
	EventMessageStatusChange   EventType = "message_status_change"
	EventTicketUpdate          EventType = "ticket_update"
	EventLeadUpdate            EventType = "lead_update"
)

// Event is the envelope pushed to every connected client.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Broadcaster is the publishing side of the hub, consumed by the pipeline.
type Broadcaster interface {
	Broadcast(event Event)
}

// Hub maintains the registry of connected clients. All mutation goes through
// methods guarded by the internal mutex.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Connection
	log   *slog.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		conns: make(map[string]*Connection),
		log:   log.With("component", "realtime_hub"),
	}
}

// Register adopts an upgraded websocket, starts its write loop, and greets the
// client with a connection_established event carrying its id. The greeting is
// enqueued before the connection joins the registry so a concurrent Broadcast
// cannot slip an event ahead of it: the client's first frame is always the
// greeting.
func (h *Hub) Register(ws *websocket.Conn) *Connection {
	conn := NewConnection(ws)
	conn.Start()

	greeting, err := json.Marshal(Event{
		Type:    EventConnectionEstablished,
		Payload: map[string]string{"id": conn.ID},
	})
	if err == nil {
		if err := conn.Send(greeting); err != nil {
			conn.Close(websocket.CloseGoingAway, "greeting failed")
			return conn
		}
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	count := len(h.conns)
	h.mu.Unlock()

	h.log.Info("Client connected", "connection_id", conn.ID, "clients", count)
	return conn
}

// Unregister removes a connection from the registry and closes it.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	_, tracked := h.conns[conn.ID]
	delete(h.conns, conn.ID)
	count := len(h.conns)
	h.mu.Unlock()

	conn.Close(websocket.CloseNormalClosure, "unregistered")
	if tracked {
		h.log.Info("Client disconnected", "connection_id", conn.ID, "clients", count)
	}
}

// Broadcast serializes the event once and writes it to every currently-open
// connection. Connections that fail to accept the write are removed lazily.
func (h *Hub) Broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("Failed to serialize event", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	var dead []*Connection
	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		h.Unregister(conn)
	}

	h.log.Debug("Event broadcast", "type", event.Type, "clients", len(conns)-len(dead))
}

// Close terminates all tracked connections and clears the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
