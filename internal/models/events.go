package models

// Event types carried on conversation and directory topics.
const (
	EventMessageCreated      = "message.created"
	EventMessagesRead        = "messages.read"
	EventConversationUpdated = "conversation.updated"
)

// ConversationEvent is the change-stream envelope the store publishes.
type ConversationEvent struct {
	Type         string        `json:"type"`
	Message      *Message      `json:"message,omitempty"`
	Receipt      *ReadReceipt  `json:"receipt,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
}
