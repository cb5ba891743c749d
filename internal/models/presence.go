package models

import "time"

// PresenceStatus is a participant's ephemeral availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord lives only as long as the participant keeps heartbeating.
type PresenceRecord struct {
	UserID               string         `json:"user_id" validate:"required"`
	DisplayName          string         `json:"display_name,omitempty"`
	Role                 Role           `json:"role,omitempty"`
	Status               PresenceStatus `json:"status" validate:"required,oneof=online away offline"`
	LastSeen             time.Time      `json:"last_seen"`
	ActiveConversationID string         `json:"active_conversation_id,omitempty"`
}

// TypingSignal is a self-expiring "is typing" indicator for one user in one conversation.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	UserID         string    `json:"user_id" validate:"required"`
	DisplayName    string    `json:"display_name,omitempty"`
	IsTyping       bool      `json:"is_typing"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// Notification is a best-effort alert delivered outside the message channel.
type Notification struct {
	TargetUserID string    `json:"target_user_id" validate:"required"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Type         string    `json:"type" validate:"required"`
	Link         string    `json:"link,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
