// Package ws implements the WebSocket push channel for dashboard clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/port/notifier"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// SnapshotFunc returns the sessions a new client should see on connect.
type SnapshotFunc func() []session.Session

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*conn]struct{}
	origins  []string
	snapshot SnapshotFunc
}

// NewHub creates a hub. origins restricts browser origins (empty allows the
// request host only); snapshot may be nil.
func NewHub(origins []string, snapshot SnapshotFunc) *Hub {
	return &Hub{
		conns:    make(map[*conn]struct{}),
		origins:  origins,
		snapshot: snapshot,
	}
}

// HandleWS upgrades the connection and serves it until the client leaves.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel}
	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	if h.snapshot != nil {
		for _, s := range h.snapshot() {
			if err := h.write(ctx, c, notifier.EventSessionUpdate, s); err != nil {
				return
			}
		}
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("websocket connected", "remote", r.RemoteAddr)

	// Clients only listen; reading detects disconnects and consumes pings.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) write(ctx context.Context, c *conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("websocket write failed", "error", err)
			h.remove(c)
		}
	}
}

// Name implements notifier.Notifier.
func (h *Hub) Name() string { return "ws" }

// Notify implements notifier.Notifier by broadcasting the event payload.
func (h *Hub) Notify(ctx context.Context, ev notifier.Event) error {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	h.Broadcast(ctx, Message{Type: ev.Type, Payload: payload})
	return nil
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.conns, c)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
