// Package store is the durable side of messaging: Postgres-backed conversations and
// messages plus the ordered change streams other components subscribe to.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messaging-service/internal/keylock"
	"messaging-service/internal/models"
	"messaging-service/internal/pubsub"
	"messaging-service/internal/repositories"
)

var tracer = otel.Tracer("messaging-service/store")

// Page re-exports the repository paging struct so callers need only this package.
type Page = repositories.Page

// SendRequest carries a message draft. Without ConversationID the conversation is
// get-or-created from Sender, Receiver and Context, which then need roles.
type SendRequest struct {
	ConversationID string
	Sender         models.Participant
	Receiver       models.Participant
	Body           string
	Context        *models.ContextAnchor
}

// OpenRequest starts or reopens a conversation between Initiator and Counterpart.
type OpenRequest struct {
	Initiator   models.Participant
	Counterpart models.Participant
	Context     *models.ContextAnchor
	Subject     string
}

// Options tunes a Client.
type Options struct {
	MaxBodyLength int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Client implements the message store over the repositories and the bus.
type Client struct {
	convs repositories.ConversationRepository
	msgs  repositories.MessageRepository
	bus   pubsub.PubSub

	maxBody int
	now     func() time.Time
	logger  *slog.Logger

	locks  *keylock.Map
	lastMu sync.Mutex
	lastAt map[string]time.Time
}

// New builds a Client.
func New(convs repositories.ConversationRepository, msgs repositories.MessageRepository, bus pubsub.PubSub, opts Options) *Client {
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = models.DefaultMaxBodyLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "store")
	}
	return &Client{
		convs:   convs,
		msgs:    msgs,
		bus:     bus,
		maxBody: opts.MaxBodyLength,
		now:     opts.Now,
		logger:  opts.Logger,
		locks:   keylock.New(),
		lastAt:  make(map[string]time.Time),
	}
}

// ListConversations returns userID's visible conversations, newest activity first.
func (c *Client) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "store.ListConversations", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	convs, err := c.convs.ListForParticipant(ctx, userID, includeArchived)
	if err != nil {
		return nil, fail(span, models.Transient("list conversations", err))
	}
	return convs, nil
}

// GetConversation fetches one conversation on behalf of userID.
func (c *Client) GetConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "store.GetConversation", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	conv, err := c.convs.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, fail(span, models.Transient("get conversation", err))
	}
	if !conv.IsParticipant(userID) {
		return models.Conversation{}, fail(span, models.ErrNotParticipant)
	}
	return conv, nil
}

// OpenConversation returns the conversation for the pair and context, creating it if needed.
// Reopening clears both sides' deleted flags.
func (c *Client) OpenConversation(ctx context.Context, req OpenRequest) (models.Conversation, bool, error) {
	ctx, span := tracer.Start(ctx, "store.OpenConversation")
	defer span.End()

	if err := req.Initiator.Validate(); err != nil {
		return models.Conversation{}, false, fail(span, err)
	}
	if err := req.Counterpart.Validate(); err != nil {
		return models.Conversation{}, false, fail(span, err)
	}
	if req.Context != nil {
		if err := req.Context.Validate(); err != nil {
			return models.Conversation{}, false, fail(span, err)
		}
	}

	conv, created, err := c.convs.CreateOrGet(ctx, req.Initiator, req.Counterpart, req.Context, req.Subject)
	if err != nil {
		return models.Conversation{}, false, fail(span, models.Transient("open conversation", err))
	}
	c.publishDirectory(ctx, conv, req.Initiator.ID)
	return conv, created, nil
}

// LoadMessages returns a page of the conversation in ascending order.
func (c *Client) LoadMessages(ctx context.Context, conversationID, userID string, page Page) ([]models.Message, error) {
	ctx, span := tracer.Start(ctx, "store.LoadMessages", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if _, err := c.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, fail(span, err)
	}
	msgs, err := c.msgs.List(ctx, conversationID, page)
	if err != nil {
		return nil, fail(span, models.Transient("load messages", err))
	}
	return msgs, nil
}

// Send persists a message and publishes it. Ids and timestamps are assigned under the
// conversation's lock so subscribers see messages in order-key order.
func (c *Client) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "store.Send", trace.WithAttributes(attribute.String("conversation.id", req.ConversationID)))
	defer span.End()

	body, err := models.NormalizeBody(req.Body, c.maxBody)
	if err != nil {
		return models.Message{}, fail(span, err)
	}

	conv, err := c.resolve(ctx, req)
	if err != nil {
		return models.Message{}, fail(span, err)
	}
	sender, ok := conv.Participant(req.Sender.ID)
	if !ok {
		return models.Message{}, fail(span, models.ErrNotParticipant)
	}
	receiver, _ := conv.Counterpart(sender.ID)
	if req.Receiver.ID != "" && req.Receiver.ID != receiver.ID {
		return models.Message{}, fail(span, &models.ValidationError{Field: "receiver", Reason: "is not the counterpart in this conversation"})
	}
	anchor := req.Context
	if anchor == nil {
		anchor = conv.Context
	}

	unlock := c.locks.Lock(conv.ID)
	defer unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, fail(span, models.Transient("send", err))
	}
	msg := models.Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		Sender:         sender,
		Receiver:       receiver,
		Body:           body,
		Context:        anchor,
		CreatedAt:      c.stamp(conv.ID),
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, fail(span, err)
	}

	stored, updated, err := c.msgs.Append(ctx, msg)
	if err != nil {
		return models.Message{}, fail(span, models.Transient("send", err))
	}

	c.publish(ctx, pubsub.ConversationTopic(conv.ID), sender.ID, models.ConversationEvent{
		Type:         models.EventMessageCreated,
		Message:      &stored,
		Conversation: &updated,
	})
	c.publishDirectory(ctx, updated, sender.ID)
	return stored, nil
}

// DeleteConversation hides the conversation from userID only. It is idempotent.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	return c.setDeleted(ctx, "delete conversation", conversationID, userID, true)
}

// RestoreConversation reverses DeleteConversation for userID. It is idempotent; a
// conversation that no longer exists is a conflict.
func (c *Client) RestoreConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	return c.setDeleted(ctx, "restore conversation", conversationID, userID, false)
}

func (c *Client) setDeleted(ctx context.Context, op, conversationID, userID string, deleted bool) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "store.SetDeleted", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Bool("deleted", deleted),
	))
	defer span.End()

	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.convs.SetDeletedForUser(ctx, conversationID, userID, deleted, c.now().UTC())
	if err != nil {
		if !deleted && isNotFound(err) {
			err = &models.ConflictError{Op: op, Reason: "conversation no longer exists"}
		}
		return models.Conversation{}, fail(span, models.Transient(op, err))
	}
	c.publishDirectory(ctx, conv, userID)
	return conv, nil
}

// MarkRead flips every unread message addressed to readerID and zeroes the reader's
// badge. Already-read messages are left alone, so it is safe to repeat.
func (c *Client) MarkRead(ctx context.Context, conversationID, readerID string) (models.ReadReceipt, error) {
	ctx, span := tracer.Start(ctx, "store.MarkRead", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	unlock := c.locks.Lock(conversationID)
	defer unlock()

	at := c.now().UTC()
	ids, conv, err := c.msgs.MarkConversationRead(ctx, conversationID, readerID, at)
	if err != nil {
		return models.ReadReceipt{}, fail(span, models.Transient("mark read", err))
	}
	receipt := models.ReadReceipt{ConversationID: conversationID, ReaderID: readerID, MessageIDs: ids, ReadAt: at}

	if len(ids) > 0 {
		c.publish(ctx, pubsub.ConversationTopic(conversationID), readerID, models.ConversationEvent{
			Type:         models.EventMessagesRead,
			Receipt:      &receipt,
			Conversation: &conv,
		})
	}
	c.publishDirectory(ctx, conv, readerID)
	return receipt, nil
}

// SetArchived archives or reactivates the conversation for both participants.
func (c *Client) SetArchived(ctx context.Context, conversationID, userID string, archived bool) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "store.SetArchived", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if _, err := c.GetConversation(ctx, conversationID, userID); err != nil {
		return models.Conversation{}, fail(span, err)
	}
	status := models.StatusActive
	if archived {
		status = models.StatusArchived
	}
	conv, err := c.convs.SetStatus(ctx, conversationID, status)
	if err != nil {
		return models.Conversation{}, fail(span, models.Transient("archive conversation", err))
	}
	c.publishDirectory(ctx, conv, userID)
	return conv, nil
}

// UnreadTotal sums userID's badges.
func (c *Client) UnreadTotal(ctx context.Context, userID string) (int, error) {
	total, err := c.convs.UnreadTotal(ctx, userID)
	if err != nil {
		return 0, models.Transient("unread total", err)
	}
	return total, nil
}

// SubscribeConversation delivers the conversation's change stream until ctx ends.
// Events that fail validation are dropped.
func (c *Client) SubscribeConversation(ctx context.Context, conversationID string, handler func(models.ConversationEvent)) error {
	return c.bus.Subscribe(ctx, pubsub.ConversationTopic(conversationID), func(_ context.Context, msg pubsub.Message) error {
		ev, err := pubsub.Decode[models.ConversationEvent](msg)
		if err != nil {
			return err
		}
		if err := validateEvent(ev); err != nil {
			return fmt.Errorf("reject %s event: %w", ev.Type, err)
		}
		handler(ev)
		return nil
	})
}

// SubscribeDirectory delivers updated conversations for userID until ctx ends.
func (c *Client) SubscribeDirectory(ctx context.Context, userID string, handler func(models.Conversation)) error {
	return c.bus.Subscribe(ctx, pubsub.DirectoryTopic(userID), func(_ context.Context, msg pubsub.Message) error {
		ev, err := pubsub.Decode[models.ConversationEvent](msg)
		if err != nil {
			return err
		}
		if ev.Conversation == nil {
			return fmt.Errorf("directory event without conversation")
		}
		if err := ev.Conversation.Validate(); err != nil {
			return err
		}
		handler(*ev.Conversation)
		return nil
	})
}

func (c *Client) resolve(ctx context.Context, req SendRequest) (models.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := c.convs.Get(ctx, req.ConversationID)
		return conv, models.Transient("send", err)
	}
	if err := req.Sender.Validate(); err != nil {
		return models.Conversation{}, err
	}
	if err := req.Receiver.Validate(); err != nil {
		return models.Conversation{}, err
	}
	conv, _, err := c.convs.CreateOrGet(ctx, req.Sender, req.Receiver, req.Context, "")
	return conv, models.Transient("send", err)
}

// stamp returns a creation time strictly after the previous one for the conversation.
// Postgres keeps microseconds, so that is the resolution.
func (c *Client) stamp(conversationID string) time.Time {
	at := c.now().UTC().Truncate(time.Microsecond)
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	if last, ok := c.lastAt[conversationID]; ok && !at.After(last) {
		at = last.Add(time.Microsecond)
	}
	c.lastAt[conversationID] = at
	return at
}

func (c *Client) publishDirectory(ctx context.Context, conv models.Conversation, actorID string) {
	ev := models.ConversationEvent{Type: models.EventConversationUpdated, Conversation: &conv}
	for _, p := range []models.Participant{conv.ParticipantA, conv.ParticipantB} {
		c.publish(ctx, pubsub.DirectoryTopic(p.ID), actorID, ev)
	}
}

// publish never fails the caller: the write is already durable and readers can re-fetch.
func (c *Client) publish(ctx context.Context, topic, actorID string, ev models.ConversationEvent) {
	if err := pubsub.PublishJSON(ctx, c.bus, topic, actorID, ev, nil); err != nil {
		c.logger.Warn("publish change event failed", "topic", topic, "type", ev.Type, "error", err)
	}
}

func validateEvent(ev models.ConversationEvent) error {
	switch ev.Type {
	case models.EventMessageCreated:
		if ev.Message == nil {
			return fmt.Errorf("missing message")
		}
		return ev.Message.Validate()
	case models.EventMessagesRead:
		if ev.Receipt == nil {
			return fmt.Errorf("missing receipt")
		}
		return ev.Receipt.Validate()
	case models.EventConversationUpdated:
		if ev.Conversation == nil {
			return fmt.Errorf("missing conversation")
		}
		return ev.Conversation.Validate()
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrConversationNotFound)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
