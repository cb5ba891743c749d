package models

import "time"

// Role identifies which kind of platform account a participant is.
type Role string

const (
	RoleStudent      Role = "student"
	RoleRecruiter    Role = "recruiter"
	RoleEducator     Role = "educator"
	RoleSchoolAdmin  Role = "school_admin"
	RoleCollegeAdmin Role = "college_admin"
)

// ConversationStatus is the archive state shared by both participants.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
)

// Side is which participant slot of a conversation a user occupies.
type Side int

const (
	SideNone Side = iota
	SideA
	SideB
)

// Participant is a user id paired with the role it talks as.
type Participant struct {
	ID   string `json:"id" validate:"required"`
	Role Role   `json:"role" validate:"required,oneof=student recruiter educator school_admin college_admin"`
}

// ContextAnchor links a conversation or message to the platform object it is about.
type ContextAnchor struct {
	Kind string `json:"kind" validate:"required,oneof=application opportunity course class"`
	ID   string `json:"id" validate:"required"`
}

// Conversation is a durable pairing of two participants, optionally scoped to a context.
type Conversation struct {
	ID                 string             `json:"id" validate:"required"`
	ParticipantA       Participant        `json:"participant_a"`
	ParticipantB       Participant        `json:"participant_b"`
	Context            *ContextAnchor     `json:"context,omitempty" validate:"omitempty"`
	Subject            string             `json:"subject,omitempty" validate:"max=255"`
	Status             ConversationStatus `json:"status" validate:"required,oneof=active archived"`
	LastMessagePreview string             `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time         `json:"last_message_at,omitempty"`
	UnreadA            int                `json:"unread_a" validate:"min=0"`
	UnreadB            int                `json:"unread_b" validate:"min=0"`
	DeletedByA         bool               `json:"deleted_by_a"`
	DeletedByB         bool               `json:"deleted_by_b"`
	DeletedAtA         *time.Time         `json:"deleted_at_a,omitempty"`
	DeletedAtB         *time.Time         `json:"deleted_at_b,omitempty"`
	CreatedAt          time.Time          `json:"created_at" validate:"required"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// SideOf reports which slot userID occupies.
func (c Conversation) SideOf(userID string) Side {
	switch userID {
	case c.ParticipantA.ID:
		return SideA
	case c.ParticipantB.ID:
		return SideB
	default:
		return SideNone
	}
}

// IsParticipant reports whether userID is one of the two participants.
func (c Conversation) IsParticipant(userID string) bool {
	return c.SideOf(userID) != SideNone
}

// Participant returns the participant record for userID.
func (c Conversation) Participant(userID string) (Participant, bool) {
	switch c.SideOf(userID) {
	case SideA:
		return c.ParticipantA, true
	case SideB:
		return c.ParticipantB, true
	default:
		return Participant{}, false
	}
}

// Counterpart returns the other participant from userID's point of view.
func (c Conversation) Counterpart(userID string) (Participant, bool) {
	switch c.SideOf(userID) {
	case SideA:
		return c.ParticipantB, true
	case SideB:
		return c.ParticipantA, true
	default:
		return Participant{}, false
	}
}

// UnreadFor returns userID's unread counter.
func (c Conversation) UnreadFor(userID string) int {
	switch c.SideOf(userID) {
	case SideA:
		return c.UnreadA
	case SideB:
		return c.UnreadB
	default:
		return 0
	}
}

// SetUnread overwrites userID's unread counter.
func (c *Conversation) SetUnread(userID string, n int) {
	if n < 0 {
		n = 0
	}
	switch c.SideOf(userID) {
	case SideA:
		c.UnreadA = n
	case SideB:
		c.UnreadB = n
	}
}

// DeletedFor reports whether userID has soft-deleted the conversation.
func (c Conversation) DeletedFor(userID string) bool {
	switch c.SideOf(userID) {
	case SideA:
		return c.DeletedByA
	case SideB:
		return c.DeletedByB
	default:
		return false
	}
}

// SetDeleted flips userID's soft-delete flag; the other side is untouched.
func (c *Conversation) SetDeleted(userID string, deleted bool, at time.Time) {
	var stamp *time.Time
	if deleted {
		stamp = &at
	}
	switch c.SideOf(userID) {
	case SideA:
		c.DeletedByA, c.DeletedAtA = deleted, stamp
	case SideB:
		c.DeletedByB, c.DeletedAtB = deleted, stamp
	}
}

// LastActivity is the timestamp the directory orders by.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// ConversationBefore orders conversations newest activity first, ties by id.
func ConversationBefore(a, b Conversation) bool {
	la, lb := a.LastActivity(), b.LastActivity()
	if !la.Equal(lb) {
		return la.After(lb)
	}
	return a.ID > b.ID
}
