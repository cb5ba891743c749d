package repositories

import (
	"fmt"
	"time"

	"messaging-service/internal/models"
)

const conversationColumns = `id, participant_a_id, participant_a_role, participant_b_id, participant_b_role,
        context_kind, context_id, subject, status, last_message_preview, last_message_at,
        unread_a, unread_b, deleted_by_a, deleted_by_b, deleted_at_a, deleted_at_b, created_at, updated_at`

const messageColumns = `id, conversation_id, sender_id, sender_role, receiver_id, receiver_role,
        body, context_kind, context_id, is_read, read_at, created_at`

type conversationRow struct {
	ID                 string     `db:"id"`
	ParticipantAID     string     `db:"participant_a_id"`
	ParticipantARole   string     `db:"participant_a_role"`
	ParticipantBID     string     `db:"participant_b_id"`
	ParticipantBRole   string     `db:"participant_b_role"`
	ContextKind        string     `db:"context_kind"`
	ContextID          string     `db:"context_id"`
	Subject            string     `db:"subject"`
	Status             string     `db:"status"`
	LastMessagePreview string     `db:"last_message_preview"`
	LastMessageAt      *time.Time `db:"last_message_at"`
	UnreadA            int        `db:"unread_a"`
	UnreadB            int        `db:"unread_b"`
	DeletedByA         bool       `db:"deleted_by_a"`
	DeletedByB         bool       `db:"deleted_by_b"`
	DeletedAtA         *time.Time `db:"deleted_at_a"`
	DeletedAtB         *time.Time `db:"deleted_at_b"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r conversationRow) decode() (models.Conversation, error) {
	c := models.Conversation{
		ID:                 r.ID,
		ParticipantA:       models.Participant{ID: r.ParticipantAID, Role: models.Role(r.ParticipantARole)},
		ParticipantB:       models.Participant{ID: r.ParticipantBID, Role: models.Role(r.ParticipantBRole)},
		Context:            anchor(r.ContextKind, r.ContextID),
		Subject:            r.Subject,
		Status:             models.ConversationStatus(r.Status),
		LastMessagePreview: r.LastMessagePreview,
		LastMessageAt:      r.LastMessageAt,
		UnreadA:            r.UnreadA,
		UnreadB:            r.UnreadB,
		DeletedByA:         r.DeletedByA,
		DeletedByB:         r.DeletedByB,
		DeletedAtA:         r.DeletedAtA,
		DeletedAtB:         r.DeletedAtB,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if err := c.Validate(); err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", r.ID, err)
	}
	return c, nil
}

type messageRow struct {
	ID             string     `db:"id"`
	ConversationID string     `db:"conversation_id"`
	SenderID       string     `db:"sender_id"`
	SenderRole     string     `db:"sender_role"`
	ReceiverID     string     `db:"receiver_id"`
	ReceiverRole   string     `db:"receiver_role"`
	Body           string     `db:"body"`
	ContextKind    string     `db:"context_kind"`
	ContextID      string     `db:"context_id"`
	IsRead         bool       `db:"is_read"`
	ReadAt         *time.Time `db:"read_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

func (r messageRow) decode() (models.Message, error) {
	m := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Sender:         models.Participant{ID: r.SenderID, Role: models.Role(r.SenderRole)},
		Receiver:       models.Participant{ID: r.ReceiverID, Role: models.Role(r.ReceiverRole)},
		Body:           r.Body,
		Context:        anchor(r.ContextKind, r.ContextID),
		IsRead:         r.IsRead,
		ReadAt:         r.ReadAt,
		CreatedAt:      r.CreatedAt,
	}
	if err := m.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", r.ID, err)
	}
	return m, nil
}

func anchor(kind, id string) *models.ContextAnchor {
	if kind == "" && id == "" {
		return nil
	}
	return &models.ContextAnchor{Kind: kind, ID: id}
}

func anchorColumns(a *models.ContextAnchor) (string, string) {
	if a == nil {
		return "", ""
	}
	return a.Kind, a.ID
}
