package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messaging-service/internal/identity"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
)

// SessionFactory builds the session for a freshly authenticated connection.
type SessionFactory func(id identity.Identity) Session

// SessionHandler hosts one messaging session per websocket connection.
type SessionHandler struct {
	hub        *Hub
	validator  identity.Validator
	newSession SessionFactory
	logger     *slog.Logger
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(hub *Hub, validator identity.Validator, factory SessionFactory) *SessionHandler {
	return &SessionHandler{
		hub:        hub,
		validator:  validator,
		newSession: factory,
		logger:     slog.Default().With("component", "ws"),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and serves the session on it.
func (h *SessionHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, err := middleware.BearerToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	id, err := h.validator.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	meta := observability.RequestMetaFrom(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      id.UserID,
		Role:        id.Role,
		DisplayName: id.DisplayName,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	h.hub.Add(conn, info)

	observability.IncWSActive(wsKind)
	publishWSEvent(ctx, "ws_connect", info, "")

	// The request context ends with Handle; the connection outlives it.
	connCtx := context.WithoutCancel(ctx)
	cl := newClient(conn, h.newSession(id), info, h.logger)
	go func() {
		var closeReason string
		defer func() {
			h.hub.Remove(info.UserID, conn)
			observability.DecWSActive(wsKind)
			publishWSEvent(connCtx, "ws_disconnect", info, closeReason)
			conn.Close()
		}()
		closeReason = cl.serve(connCtx)
	}()
}
