package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxBodyLength caps a message body in runes.
const DefaultMaxBodyLength = 4000

// Message is an immutable chat message; only the read flag changes after acceptance.
type Message struct {
	ID             string         `json:"id" validate:"required"`
	ConversationID string         `json:"conversation_id" validate:"required"`
	Sender         Participant    `json:"sender"`
	Receiver       Participant    `json:"receiver"`
	Body           string         `json:"body" validate:"required"`
	Context        *ContextAnchor `json:"context,omitempty" validate:"omitempty"`
	CreatedAt      time.Time      `json:"created_at" validate:"required"`
	IsRead         bool           `json:"is_read"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`

	// Pending marks a locally synthesized message that the store has not accepted yet.
	Pending bool `json:"pending,omitempty"`
}

// MessageBefore is the total order within a conversation: created_at, then id.
func MessageBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MarkRead sets the read flag. It never clears it.
func (m *Message) MarkRead(at time.Time) {
	if m.IsRead {
		return
	}
	m.IsRead = true
	m.ReadAt = &at
}

// NormalizeBody trims body and checks it against maxLen runes.
func NormalizeBody(body string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLength
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(body) > maxLen {
		return "", &ValidationError{Field: "body", Reason: "too long"}
	}
	return body, nil
}

// ReadReceipt records that reader has read messages in a conversation.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	ReaderID       string    `json:"reader_id" validate:"required"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at" validate:"required"`
}

// PreviewLength caps the directory's last-message preview in runes.
const PreviewLength = 120

// Preview returns the directory preview for body.
func Preview(body string) string {
	if utf8.RuneCountInString(body) <= PreviewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:PreviewLength]) + "..."
}
