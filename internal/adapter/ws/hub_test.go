package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/port/notifier"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, nil)
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
	if hub.Name() != "ws" {
		t.Errorf("unexpected name %s", hub.Name())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub(nil, nil)
	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), Message{Type: "test", Payload: []byte(`{"key":"value"}`)})
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub(nil, nil)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel})
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHub_SnapshotAndNotify(t *testing.T) {
	existing := session.Session{ID: "s1", Name: "desk", Status: session.StatusRunning}
	hub := NewHub(nil, func() []session.Session { return []session.Session{existing} })
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	c := dial(t, srv)

	msg := readMessage(t, c)
	if msg.Type != notifier.EventSessionUpdate {
		t.Fatalf("expected snapshot session_update, got %s", msg.Type)
	}
	var snap session.Session
	if err := json.Unmarshal(msg.Payload, &snap); err != nil || snap.ID != "s1" {
		t.Fatalf("unexpected snapshot %s (%v)", msg.Payload, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	err := hub.Notify(context.Background(), notifier.Event{
		Type:      notifier.EventAIStatusUpdate,
		SessionID: "s1",
		AIStatus:  &notifier.AIStatus{SessionID: "s1", ControlMode: session.ModeManualOverride},
	})
	if err != nil {
		t.Fatal(err)
	}

	msg = readMessage(t, c)
	if msg.Type != notifier.EventAIStatusUpdate {
		t.Fatalf("expected ai_status_update, got %s", msg.Type)
	}
	var st notifier.AIStatus
	if err := json.Unmarshal(msg.Payload, &st); err != nil || st.ControlMode != session.ModeManualOverride {
		t.Fatalf("unexpected payload %s (%v)", msg.Payload, err)
	}
}

func TestHub_DisconnectRemovesConnection(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	c := dial(t, srv)
	deadline := time.Now().Add(5 * time.Second)
	for hub.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = c.Close(websocket.StatusNormalClosure, "bye")

	deadline = time.Now().Add(5 * time.Second)
	for hub.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected connection to be removed, %d left", hub.ConnectionCount())
	}
}

func httpHandler(hub *Hub) http.HandlerFunc { return hub.HandleWS }
