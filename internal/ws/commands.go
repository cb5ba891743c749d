package ws

import (
	"context"
	"errors"
	"fmt"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
)

// Command types a client may send.
const (
	CommandOpen     = "open"
	CommandSend     = "send"
	CommandDelete   = "delete"
	CommandUndo     = "undo"
	CommandRestore  = "restore"
	CommandMarkRead = "mark_read"
	CommandTyping   = "typing"
	CommandStatus   = "status"
	CommandRefresh  = "refresh"
)

var errUnknownCommand = errors.New("unknown command")

// Command is one client frame.
type Command struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Session is what a connection drives. *messaging.Session satisfies it.
type Session interface {
	Start(ctx context.Context) error
	Close()
	Events() <-chan messaging.Event
	Refresh(ctx context.Context) error
	Open(ctx context.Context, conversationID string) error
	Send(ctx context.Context, conversationID, body string) (models.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	Undo(ctx context.Context, conversationID string) error
	RestoreConversation(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID string) error
	SetTyping(ctx context.Context, conversationID string, isTyping bool) error
	SetStatus(ctx context.Context, status models.PresenceStatus) error
}

var _ Session = (*messaging.Session)(nil)

// dispatch runs cmd against s.
func dispatch(ctx context.Context, s Session, cmd Command) error {
	// An open without a conversation closes the active one.
	switch cmd.Type {
	case CommandSend, CommandDelete, CommandUndo, CommandRestore, CommandMarkRead, CommandTyping:
		if cmd.ConversationID == "" {
			return &models.ValidationError{Field: "conversation_id", Reason: "is required"}
		}
	}

	switch cmd.Type {
	case CommandOpen:
		return s.Open(ctx, cmd.ConversationID)
	case CommandSend:
		_, err := s.Send(ctx, cmd.ConversationID, cmd.Body)
		return err
	case CommandDelete:
		return s.DeleteConversation(ctx, cmd.ConversationID)
	case CommandUndo:
		return s.Undo(ctx, cmd.ConversationID)
	case CommandRestore:
		return s.RestoreConversation(ctx, cmd.ConversationID)
	case CommandMarkRead:
		return s.MarkRead(ctx, cmd.ConversationID)
	case CommandTyping:
		return s.SetTyping(ctx, cmd.ConversationID, cmd.IsTyping)
	case CommandStatus:
		status := models.PresenceStatus(cmd.Status)
		switch status {
		case models.PresenceOnline, models.PresenceAway:
		default:
			return &models.ValidationError{Field: "status", Reason: "must be online or away"}
		}
		return s.SetStatus(ctx, status)
	case CommandRefresh:
		return s.Refresh(ctx)
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd.Type)
	}
}

// reportsOwnErrors lists commands whose failures the session already emits as
// error events.
func reportsOwnErrors(commandType string) bool {
	switch commandType {
	case CommandDelete, CommandUndo, CommandRestore:
		return true
	}
	return false
}
