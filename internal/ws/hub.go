package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"messaging-service/internal/observability"
)

const (
	wsKind       = "conversation"
	wsRoutingKey = "ws_events.conversations"
)

// Hub tracks live websocket connections per user.
type Hub struct {
	conns map[string]map[*websocket.Conn]ConnInfo
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]ConnInfo)}
}

// Add registers a connection for info.UserID.
func (h *Hub) Add(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[info.UserID]; !ok {
		h.conns[info.UserID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.conns[info.UserID][conn] = info
}

// Remove forgets a connection.
func (h *Hub) Remove(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.conns[userID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Connections reports how many sockets userID holds open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Users reports how many distinct users are connected.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll sends a going-away close frame to every connection. Read loops then
// unwind and deregister themselves.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var conns []*websocket.Conn
	for _, byConn := range h.conns {
		for conn := range byConn {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}
}

// publishWSEvent emits one operational connection event.
func publishWSEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"role":      info.Role,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(ctx, info.RequestID, info.TraceID)
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.WSEnvelope(event, payload), headers)
	observability.IncWSEvent(wsKind, event)
}
