package messaging

import (
	"time"

	"messaging-service/internal/models"
)

// EventType names what changed in a Session.
type EventType string

const (
	EventDirectoryChanged  EventType = "directory.changed"
	EventMessagesChanged   EventType = "messages.changed"
	EventMutationConfirmed EventType = "mutation.confirmed"
	EventMutationFailed    EventType = "mutation.failed"
	EventUndoOffered       EventType = "undo.offered"
	EventUndoExpired       EventType = "undo.expired"
	EventTypingChanged     EventType = "typing.changed"
	EventPresenceChanged   EventType = "presence.changed"
	EventNotification      EventType = "notification"
	EventError             EventType = "error"
)

// Event tells the UI layer which part of the state to re-read. Getters on the
// Session stay authoritative; a dropped event loses a nudge, never state.
type Event struct {
	Type           EventType              `json:"type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Mutation       *MutationInfo          `json:"mutation,omitempty"`
	Undo           *UndoOffer             `json:"undo,omitempty"`
	TypingText     string                 `json:"typing_text,omitempty"`
	Presence       *models.PresenceRecord `json:"presence,omitempty"`
	Notification   *models.Notification   `json:"notification,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// MutationInfo describes a settled mutation.
type MutationInfo struct {
	ID       string         `json:"id"`
	Kind     MutationKind   `json:"kind"`
	TargetID string         `json:"target_id"`
	Status   MutationStatus `json:"status"`
	// Draft is the body of a failed send, kept for resubmission.
	Draft string `json:"draft,omitempty"`
}

// UndoOffer is the time-boxed affordance shown after a delete.
type UndoOffer struct {
	ConversationID string    `json:"conversation_id"`
	Label          string    `json:"label"`
	ExpiresAt      time.Time `json:"expires_at"`
}
