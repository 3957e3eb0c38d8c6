package realtime_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruanpv/zapdesk/internal/realtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newHubServer(t *testing.T, hub *realtime.Hub) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(ws)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) realtime.Event {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var event realtime.Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return event
}

func TestHub_GreetingIsFirstFrame(t *testing.T) {
	t.Parallel()

	hub := realtime.NewHub(discardLogger())
	t.Cleanup(hub.Close)
	ts := newHubServer(t, hub)

	// Broadcast continuously while clients connect: no broadcast event may
	// reach a client ahead of its connection_established greeting.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				hub.Broadcast(realtime.Event{Type: realtime.EventNewMessage, Payload: "m"})
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	for i := 0; i < 5; i++ {
		ws := dialHub(t, ts)
		first := readEvent(t, ws)
		if first.Type != realtime.EventConnectionEstablished {
			t.Fatalf("client %d first frame = %q, want %q", i, first.Type, realtime.EventConnectionEstablished)
		}
	}
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	t.Parallel()

	hub := realtime.NewHub(discardLogger())
	t.Cleanup(hub.Close)
	ts := newHubServer(t, hub)

	clients := []*websocket.Conn{dialHub(t, ts), dialHub(t, ts), dialHub(t, ts)}
	for _, ws := range clients {
		if got := readEvent(t, ws).Type; got != realtime.EventConnectionEstablished {
			t.Fatalf("greeting type = %q", got)
		}
	}

	hub.Broadcast(realtime.Event{Type: realtime.EventConversationUpdated, Payload: map[string]any{"id": 7}})

	for i, ws := range clients {
		event := readEvent(t, ws)
		if event.Type != realtime.EventConversationUpdated {
			t.Errorf("client %d got %q, want %q", i, event.Type, realtime.EventConversationUpdated)
		}
	}
}
