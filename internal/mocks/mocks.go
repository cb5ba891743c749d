package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/repositories"
	"messaging-service/internal/store"
)

var (
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository      = (*MessageRepositoryMock)(nil)
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateOrGet(ctx context.Context, a, b models.Participant, anchor *models.ContextAnchor, subject string) (models.Conversation, bool, error) {
	args := m.Called(ctx, a, b, anchor, subject)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) ListForParticipant(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error) {
	args := m.Called(ctx, userID, includeArchived)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) SetDeletedForUser(ctx context.Context, conversationID, userID string, deleted bool, at time.Time) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID, deleted, at)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, status)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) UnreadTotal(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, msg models.Message) (models.Message, models.Conversation, error) {
	args := m.Called(ctx, msg)
	var (
		stored models.Message
		conv   models.Conversation
	)
	switch val := args.Get(0).(type) {
	case func(models.Message) models.Message:
		stored = val(msg)
	case models.Message:
		stored = val
	}
	if val := args.Get(1); val != nil {
		conv = val.(models.Conversation)
	}
	return stored, conv, args.Error(2)
}

func (m *MessageRepositoryMock) List(ctx context.Context, conversationID string, page repositories.Page) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, page)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, models.Conversation, error) {
	args := m.Called(ctx, conversationID, readerID, at)
	var (
		ids  []string
		conv models.Conversation
	)
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	if val := args.Get(1); val != nil {
		conv = val.(models.Conversation)
	}
	return ids, conv, args.Error(2)
}

// ConversationStoreMock stands in for the store client behind the HTTP handlers.
type ConversationStoreMock struct {
	mock.Mock
}

func (m *ConversationStoreMock) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error) {
	args := m.Called(ctx, userID, includeArchived)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationStoreMock) GetConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationStoreMock) OpenConversation(ctx context.Context, req store.OpenRequest) (models.Conversation, bool, error) {
	args := m.Called(ctx, req)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationStoreMock) LoadMessages(ctx context.Context, conversationID, userID string, page store.Page) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, userID, page)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ConversationStoreMock) Send(ctx context.Context, req store.SendRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ConversationStoreMock) DeleteConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationStoreMock) RestoreConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationStoreMock) MarkRead(ctx context.Context, conversationID, readerID string) (models.ReadReceipt, error) {
	args := m.Called(ctx, conversationID, readerID)
	var receipt models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipt = val.(models.ReadReceipt)
	}
	return receipt, args.Error(1)
}

func (m *ConversationStoreMock) SetArchived(ctx context.Context, conversationID, userID string, archived bool) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID, archived)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationStoreMock) UnreadTotal(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

// NotifierMock records fire-and-forget notifications.
type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Notify(ctx context.Context, targetUserID string, payload notify.Payload) {
	m.Called(ctx, targetUserID, payload)
}
