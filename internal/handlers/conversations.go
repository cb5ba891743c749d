package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/store"
	"messaging-service/internal/telemetry"
)

// ConversationStore is the store surface behind the HTTP API. *store.Client satisfies it.
type ConversationStore interface {
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error)
	OpenConversation(ctx context.Context, req store.OpenRequest) (models.Conversation, bool, error)
	LoadMessages(ctx context.Context, conversationID, userID string, page store.Page) ([]models.Message, error)
	Send(ctx context.Context, req store.SendRequest) (models.Message, error)
	DeleteConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error)
	RestoreConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (models.ReadReceipt, error)
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) (models.Conversation, error)
	UnreadTotal(ctx context.Context, userID string) (int, error)
}

var _ ConversationStore = (*store.Client)(nil)

// PresenceReader answers presence lookups.
type PresenceReader interface {
	IsOnline(userID string) bool
	LastSeen(ctx context.Context, userID string) (time.Time, bool)
}

// ConversationHandler manages conversation endpoints.
type ConversationHandler struct {
	store    ConversationStore
	notifier notify.Notifier
	presence PresenceReader
	audit    *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler. presence and audit may be nil.
func NewConversationHandler(st ConversationStore, notifier notify.Notifier, presence PresenceReader, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{
		store:    st,
		notifier: notifier,
		presence: presence,
		audit:    audit,
	}
}

// Register mounts the conversation and presence routes on r behind auth.
func (h *ConversationHandler) Register(r gin.IRouter, auth gin.HandlerFunc) {
	convs := r.Group("/conversations", auth)
	convs.GET("", h.ListConversations)
	convs.POST("", h.OpenConversation)
	convs.GET("/unread", h.UnreadTotal)
	convs.GET("/:conversation_id", h.GetConversation)
	convs.GET("/:conversation_id/messages", h.GetMessages)
	convs.POST("/:conversation_id/messages", h.PostMessage)
	convs.POST("/:conversation_id/read", h.MarkRead)
	convs.DELETE("/:conversation_id/me", h.DeleteForMe)
	convs.POST("/:conversation_id/restore", h.Restore)
	convs.POST("/:conversation_id/archive", h.Archive)
	convs.DELETE("/:conversation_id/archive", h.Unarchive)

	r.GET("/presence/:user_id", auth, h.GetPresence)
}

// ListConversations returns the caller's visible conversations.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	includeArchived := false
	if raw := c.Query("include_archived"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid include_archived"})
			return
		}
		includeArchived = parsed
	}

	convs, err := h.store.ListConversations(c.Request.Context(), me.ID, includeArchived)
	if err != nil {
		respondError(c, err, "failed to load conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// OpenConversation gets or creates the caller's conversation with a counterpart.
func (h *ConversationHandler) OpenConversation(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	var req struct {
		CounterpartID   string `json:"counterpart_id" binding:"required"`
		CounterpartRole string `json:"counterpart_role" binding:"required"`
		ContextKind     string `json:"context_kind"`
		ContextID       string `json:"context_id"`
		Subject         string `json:"subject"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CounterpartID == me.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
		return
	}

	open := store.OpenRequest{
		Initiator:   me,
		Counterpart: models.Participant{ID: req.CounterpartID, Role: models.Role(req.CounterpartRole)},
		Subject:     req.Subject,
	}
	if req.ContextKind != "" || req.ContextID != "" {
		open.Context = &models.ContextAnchor{Kind: req.ContextKind, ID: req.ContextID}
	}

	conv, created, err := h.store.OpenConversation(c.Request.Context(), open)
	if err != nil {
		respondError(c, err, "could not open conversation")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

// UnreadTotal returns the caller's total unread count.
func (h *ConversationHandler) UnreadTotal(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	total, err := h.store.UnreadTotal(c.Request.Context(), me.ID)
	if err != nil {
		respondError(c, err, "failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": total})
}

// GetConversation returns one conversation the caller takes part in.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	conv, err := h.store.GetConversation(c.Request.Context(), c.Param("conversation_id"), me.ID)
	if err != nil {
		respondError(c, err, "conversation not found")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetMessages returns a page of a conversation's messages in ascending order.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	page := store.Page{After: c.Query("after")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		page.Limit = limit
	}

	msgs, err := h.store.LoadMessages(c.Request.Context(), c.Param("conversation_id"), me.ID, page)
	if err != nil {
		respondError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message and notifies the receiver.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversationID := c.Param("conversation_id")
	conv, err := h.store.GetConversation(c.Request.Context(), conversationID, me.ID)
	if err != nil {
		respondError(c, err, "conversation not found")
		return
	}
	receiver, _ := conv.Counterpart(me.ID)

	msg, err := h.store.Send(c.Request.Context(), store.SendRequest{
		ConversationID: conversationID,
		Sender:         me,
		Receiver:       receiver,
		Body:           req.Body,
	})
	if err != nil {
		respondError(c, err, "failed to store message")
		return
	}

	if h.notifier != nil {
		h.notifier.Notify(c.Request.Context(), receiver.ID, notify.NewMessage(msg.Sender, msg.Receiver, conversationID, msg.Body))
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead marks every message addressed to the caller as read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	receipt, err := h.store.MarkRead(c.Request.Context(), c.Param("conversation_id"), me.ID)
	if err != nil {
		respondError(c, err, "failed to mark conversation read")
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// DeleteForMe hides the conversation for the caller.
func (h *ConversationHandler) DeleteForMe(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	conversationID := c.Param("conversation_id")
	if _, err := h.store.DeleteConversation(c.Request.Context(), conversationID, me.ID); err != nil {
		respondError(c, err, "failed to delete conversation")
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "conversation "+conversationID+" deleted", requestIDFromContext(c), userIDFromContext(c))
	c.Status(http.StatusNoContent)
}

// Restore brings a deleted conversation back for the caller.
func (h *ConversationHandler) Restore(c *gin.Context) {
	me, ok := caller(c)
	if !ok {
		return
	}
	conversationID := c.Param("conversation_id")
	conv, err := h.store.RestoreConversation(c.Request.Context(), conversationID, me.ID)
	if err != nil {
		respondError(c, err, "failed to restore conversation")
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "conversation "+conversationID+" restored", requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusOK, conv)
}

// Archive archives the conversation for both participants.
func (h *ConversationHandler) Archive(c *gin.Context) {
	h.setArchived(c, true)
}

// Unarchive makes an archived conversation active again.
func (h *ConversationHandler) Unarchive(c *gin.Context) {
	h.setArchived(c, false)
}

func (h *ConversationHandler) setArchived(c *gin.Context, archived bool) {
	me, ok := caller(c)
	if !ok {
		return
	}
	conv, err := h.store.SetArchived(c.Request.Context(), c.Param("conversation_id"), me.ID, archived)
	if err != nil {
		respondError(c, err, "could not update conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetPresence reports whether a user is online and when they were last seen.
func (h *ConversationHandler) GetPresence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not configured"})
		return
	}
	userID := c.Param("user_id")
	resp := gin.H{"user_id": userID, "online": h.presence.IsOnline(userID)}
	if seen, ok := h.presence.LastSeen(c.Request.Context(), userID); ok {
		resp["last_seen"] = seen.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func caller(c *gin.Context) (models.Participant, bool) {
	id, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return models.Participant{}, false
	}
	return id.Participant(), true
}

// respondError maps store errors onto status codes. fallback is the message for
// anything that is not a client error.
func respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
	case errors.Is(err, models.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, models.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrTransientIO):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fallback})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
