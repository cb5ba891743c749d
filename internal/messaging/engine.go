// Package messaging is the client-side core of a signed-in participant: the
// conversation directory, message channels, optimistic mutations with rollback,
// read receipts, and the Session that wires them to presence and typing.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/store"
	"messaging-service/internal/timers"
)

// Defaults for EngineConfig durations.
const (
	DefaultMutationTimeout = 10 * time.Second
	DefaultDurableTimeout  = 30 * time.Second
	DefaultUndoWindow      = 5 * time.Second
)

// ErrUndoUnavailable is returned by Undo when no offer is open for the conversation.
var ErrUndoUnavailable = errors.New("undo no longer available")

// Store is the durable message store as the engine sees it. *store.Client satisfies it.
type Store interface {
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error)
	LoadMessages(ctx context.Context, conversationID, userID string, page store.Page) ([]models.Message, error)
	Send(ctx context.Context, req store.SendRequest) (models.Message, error)
	DeleteConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error)
	RestoreConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (models.ReadReceipt, error)
	SubscribeConversation(ctx context.Context, conversationID string, handler func(models.ConversationEvent)) error
	SubscribeDirectory(ctx context.Context, userID string, handler func(models.Conversation)) error
}

var _ Store = (*store.Client)(nil)

// EngineConfig tunes an Engine.
type EngineConfig struct {
	Viewer          models.Participant
	MutationTimeout time.Duration
	DurableTimeout  time.Duration
	UndoWindow      time.Duration
	MaxBodyLength   int
	IncludeArchived bool
	Now             func() time.Time
	Logger          *slog.Logger
}

func (c *EngineConfig) defaults() {
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = DefaultMutationTimeout
	}
	if c.DurableTimeout <= 0 {
		c.DurableTimeout = DefaultDurableTimeout
	}
	if c.UndoWindow <= 0 {
		c.UndoWindow = DefaultUndoWindow
	}
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = models.DefaultMaxBodyLength
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "messaging")
	}
}

// Engine owns the local cache and is the only thing that writes to it. Every write
// is one of its transitions: optimistic apply, confirm, rollback, remote apply or
// refresh.
type Engine struct {
	store  Store
	cfg    EngineConfig
	emit   func(Event)
	logger *slog.Logger

	mu        sync.Mutex
	dir       *Directory
	channels  map[string]*Channel
	mutations map[string]*Mutation
	undo      map[string]UndoOffer
	receipts  receipts

	undoTimers *timers.Arena[string]

	serialMu sync.Mutex
	tails    map[string]chan struct{}

	refreshMu      sync.Mutex
	refreshPending bool
}

// NewEngine builds an Engine. emit receives state-change events and must not block.
func NewEngine(st Store, cfg EngineConfig, emit func(Event)) *Engine {
	cfg.defaults()
	if emit == nil {
		emit = func(Event) {}
	}
	return &Engine{
		store:      st,
		cfg:        cfg,
		emit:       emit,
		logger:     cfg.Logger,
		dir:        NewDirectory(cfg.Viewer.ID, ListOptions{IncludeArchived: cfg.IncludeArchived}),
		channels:   make(map[string]*Channel),
		mutations:  make(map[string]*Mutation),
		undo:       make(map[string]UndoOffer),
		receipts:   newReceipts(),
		undoTimers: timers.NewArena[string](),
		tails:      make(map[string]chan struct{}),
	}
}

// Close stops undo timers. In-flight durable calls still settle.
func (e *Engine) Close() {
	e.undoTimers.Stop()
}

// Conversations returns the visible directory.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.List()
}

// Conversation returns the cached conversation id, visible or not.
func (e *Engine) Conversation(id string) (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.Get(id)
}

// TotalUnread sums the viewer's visible badges.
func (e *Engine) TotalUnread() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.TotalUnread()
}

// Messages returns the rendered message list of a conversation.
func (e *Engine) Messages(conversationID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.channels[conversationID]; ok {
		return ch.Messages()
	}
	return nil
}

// PendingMutations returns the mutations still awaiting the store.
func (e *Engine) PendingMutations() []Mutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Mutation, 0, len(e.mutations))
	for _, m := range e.mutations {
		out = append(out, *m)
	}
	return out
}

// UndoOffer returns the open undo offer for a conversation.
func (e *Engine) UndoOffer(conversationID string) (UndoOffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	offer, ok := e.undo[conversationID]
	return offer, ok
}

// Refresh reloads the directory. Store values win, except for entries with a
// mutation still in flight or an open undo offer. On failure the cache is left as is.
func (e *Engine) Refresh(ctx context.Context) error {
	convs, err := e.store.ListConversations(ctx, e.cfg.Viewer.ID, e.cfg.IncludeArchived)
	if err != nil {
		return models.Transient("list conversations", err)
	}
	e.mu.Lock()
	e.dir.replace(convs, func(id string) bool {
		_, undoable := e.undo[id]
		return undoable || e.pendingFor(id)
	})
	e.mu.Unlock()
	e.emit(Event{Type: EventDirectoryChanged})
	return nil
}

// scheduleRefresh coalesces background refreshes after a late durable outcome.
func (e *Engine) scheduleRefresh() {
	e.refreshMu.Lock()
	if e.refreshPending {
		e.refreshMu.Unlock()
		return
	}
	e.refreshPending = true
	e.refreshMu.Unlock()

	go func() {
		e.refreshMu.Lock()
		e.refreshPending = false
		e.refreshMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DurableTimeout)
		defer cancel()
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("reconciling refresh failed", "error", err)
		}
	}()
}

// Load fetches a conversation's history into its channel.
func (e *Engine) Load(ctx context.Context, conversationID string) error {
	msgs, err := e.store.LoadMessages(ctx, conversationID, e.cfg.Viewer.ID, store.Page{})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.channel(conversationID).seed(msgs)
	e.mu.Unlock()
	e.emit(Event{Type: EventMessagesChanged, ConversationID: conversationID})
	return nil
}

// ApplyConversation applies a server version of a conversation from the directory
// stream. It reports whether the viewer's badge went up.
func (e *Engine) ApplyConversation(conv models.Conversation) bool {
	e.mu.Lock()
	changed, grew := e.dir.apply(conv)
	if grew {
		e.receipts.forget(conv.ID)
	}
	e.mu.Unlock()
	if changed {
		e.emit(Event{Type: EventDirectoryChanged, ConversationID: conv.ID})
	}
	return grew
}

// ApplyEvent applies one event of a conversation's change stream.
func (e *Engine) ApplyEvent(ev models.ConversationEvent) {
	var convID string
	changed := false
	e.mu.Lock()
	switch ev.Type {
	case models.EventMessageCreated:
		convID = ev.Message.ConversationID
		changed = e.channel(convID).arrive(*ev.Message)
	case models.EventMessagesRead:
		convID = ev.Receipt.ConversationID
		changed = e.channel(convID).applyReceipt(*ev.Receipt)
	}
	e.mu.Unlock()

	if changed {
		e.emit(Event{Type: EventMessagesChanged, ConversationID: convID})
	}
	if ev.Conversation != nil {
		e.ApplyConversation(*ev.Conversation)
	}
}

// ClearUnread zeroes the viewer's badge locally. It is idempotent.
func (e *Engine) ClearUnread(conversationID string) {
	e.mu.Lock()
	changed := e.dir.Unread(conversationID) > 0
	if changed {
		e.dir.mutate(conversationID, func(c *models.Conversation) { c.SetUnread(e.cfg.Viewer.ID, 0) })
	}
	e.mu.Unlock()
	if changed {
		e.emit(Event{Type: EventDirectoryChanged, ConversationID: conversationID})
	}
}

// Send posts body to a conversation the directory knows. The message shows as
// pending at once; on failure it is removed, the directory entry is put back and
// a SendFailedError carries the draft. Sends are never retried here.
func (e *Engine) Send(ctx context.Context, conversationID, body string) (models.Message, error) {
	body, err := models.NormalizeBody(body, e.cfg.MaxBodyLength)
	if err != nil {
		return models.Message{}, err
	}

	e.mu.Lock()
	conv, ok := e.dir.Get(conversationID)
	if !ok {
		e.mu.Unlock()
		return models.Message{}, models.ErrConversationNotFound
	}
	receiver, ok := conv.Counterpart(e.cfg.Viewer.ID)
	if !ok {
		e.mu.Unlock()
		return models.Message{}, models.ErrNotParticipant
	}
	now := e.cfg.Now().UTC()
	m := e.begin(KindSend, conversationID, now)
	m.tempID = "tmp-" + uuid.NewString()
	m.draft = body
	e.channel(conversationID).addPending(models.Message{
		ID:             m.tempID,
		ConversationID: conversationID,
		Sender:         e.cfg.Viewer,
		Receiver:       receiver,
		Body:           body,
		CreatedAt:      now,
		Pending:        true,
	})
	m.rev = e.dir.mutate(conversationID, func(c *models.Conversation) {
		c.LastMessagePreview = models.Preview(body)
		c.LastMessageAt = &now
		c.SetUnread(receiver.ID, c.UnreadFor(receiver.ID)+1)
		c.SetDeleted(e.cfg.Viewer.ID, false, now)
	})
	e.mu.Unlock()
	e.emit(Event{Type: EventMessagesChanged, ConversationID: conversationID})
	e.emit(Event{Type: EventDirectoryChanged, ConversationID: conversationID})

	done := launch(ctx, e, "", func(ctx context.Context) (models.Message, error) {
		return e.store.Send(ctx, store.SendRequest{
			ConversationID: conversationID,
			Sender:         e.cfg.Viewer,
			Receiver:       receiver,
			Body:           body,
		})
	})

	var confirmed models.Message
	err = await(ctx, e.cfg.MutationTimeout, done,
		func(s settlement[models.Message]) error {
			if s.err != nil {
				e.rollbackSend(m, s.err)
				return &models.SendFailedError{Draft: body, Err: s.err}
			}
			confirmed = s.value
			e.confirmSend(m, s.value)
			return nil
		},
		func() { e.rollbackSend(m, models.ErrMutationTimeout) },
		func(s settlement[models.Message]) { e.late(m, s.err, func() { e.arriveLate(s.value) }) },
	)
	if errors.Is(err, models.ErrMutationTimeout) {
		return models.Message{}, &models.SendFailedError{Draft: body, Err: err}
	}
	if err != nil {
		return models.Message{}, err
	}
	return confirmed, nil
}

func (e *Engine) confirmSend(m *Mutation, msg models.Message) {
	e.mu.Lock()
	if !e.settle(m, StatusConfirmed) {
		e.mu.Unlock()
		return
	}
	e.channel(m.TargetID).confirm(m.tempID, msg)
	if e.dir.current(m.TargetID, m.rev) {
		// Nothing newer arrived: move the entry to the stored timestamp.
		e.dir.mutate(m.TargetID, func(c *models.Conversation) {
			at := msg.CreatedAt
			c.LastMessageAt = &at
			c.LastMessagePreview = models.Preview(msg.Body)
		})
	}
	delete(e.mutations, m.ID)
	e.mu.Unlock()
	e.finished(m, nil)
	e.emit(Event{Type: EventMessagesChanged, ConversationID: m.TargetID})
}

func (e *Engine) rollbackSend(m *Mutation, cause error) {
	e.mu.Lock()
	if !e.settle(m, StatusFailed) {
		e.mu.Unlock()
		return
	}
	e.channel(m.TargetID).dropPending(m.tempID)
	if m.hadEntry {
		e.dir.restore(m.TargetID, m.snapshot, m.rev)
	}
	e.settle(m, StatusRolledBack)
	delete(e.mutations, m.ID)
	e.mu.Unlock()
	e.finished(m, cause)
	e.emit(Event{Type: EventMessagesChanged, ConversationID: m.TargetID})
	e.emit(Event{Type: EventDirectoryChanged, ConversationID: m.TargetID})
}

// arriveLate applies a send that succeeded after its mutation timed out, as if the
// stream had delivered it.
func (e *Engine) arriveLate(msg models.Message) {
	e.ApplyEvent(models.ConversationEvent{Type: models.EventMessageCreated, Message: &msg})
}

// DeleteConversation hides a conversation from the viewer at once and opens an
// undo offer. A failed delete makes it visible again.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	now := e.cfg.Now().UTC()
	e.mu.Lock()
	if _, ok := e.dir.Get(conversationID); !ok {
		e.mu.Unlock()
		return models.ErrConversationNotFound
	}
	m := e.begin(KindDelete, conversationID, now)
	m.rev = e.dir.pin(conversationID, false, m.ID)
	offer := UndoOffer{ConversationID: conversationID, Label: "Undo", ExpiresAt: now.Add(e.cfg.UndoWindow)}
	e.undo[conversationID] = offer
	e.mu.Unlock()
	e.undoTimers.Arm(conversationID, e.cfg.UndoWindow, func() { e.expireUndo(conversationID, offer.ExpiresAt) })
	e.emit(Event{Type: EventDirectoryChanged, ConversationID: conversationID})
	e.emit(Event{Type: EventUndoOffered, ConversationID: conversationID, Undo: &offer})

	done := launch(ctx, e, conversationID, func(ctx context.Context) (models.Conversation, error) {
		return e.store.DeleteConversation(ctx, conversationID, e.cfg.Viewer.ID)
	})
	return await(ctx, e.cfg.MutationTimeout, done,
		func(s settlement[models.Conversation]) error {
			if s.err != nil {
				e.rollbackVisibility(m, s.err, "failed to delete conversation")
				return fmt.Errorf("failed to delete conversation: %w", s.err)
			}
			e.confirmVisibility(m, s.value)
			return nil
		},
		func() { e.rollbackVisibility(m, models.ErrMutationTimeout, "failed to delete conversation") },
		func(s settlement[models.Conversation]) { e.late(m, s.err, func() { e.ApplyConversation(s.value) }) },
	)
}

// Undo restores a conversation deleted within the undo window.
func (e *Engine) Undo(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	_, ok := e.undo[conversationID]
	e.mu.Unlock()
	if !ok {
		return ErrUndoUnavailable
	}
	return e.RestoreConversation(ctx, conversationID)
}

// RestoreConversation reverses a delete for the viewer. The entry reappears at its
// previous position immediately; durable calls for the conversation run after any
// delete still in flight.
func (e *Engine) RestoreConversation(ctx context.Context, conversationID string) error {
	now := e.cfg.Now().UTC()
	e.mu.Lock()
	_, known := e.dir.Get(conversationID)
	m := e.begin(KindRestore, conversationID, now)
	if known {
		m.rev = e.dir.pin(conversationID, true, m.ID)
	}
	_, hadOffer := e.undo[conversationID]
	delete(e.undo, conversationID)
	e.mu.Unlock()
	if hadOffer {
		e.undoTimers.Cancel(conversationID)
	}
	if known {
		e.emit(Event{Type: EventDirectoryChanged, ConversationID: conversationID})
	}

	done := launch(ctx, e, conversationID, func(ctx context.Context) (models.Conversation, error) {
		return e.store.RestoreConversation(ctx, conversationID, e.cfg.Viewer.ID)
	})
	return await(ctx, e.cfg.MutationTimeout, done,
		func(s settlement[models.Conversation]) error {
			if s.err != nil {
				e.rollbackVisibility(m, s.err, "failed to restore conversation")
				return fmt.Errorf("failed to restore conversation: %w", s.err)
			}
			e.confirmVisibility(m, s.value)
			return nil
		},
		func() { e.rollbackVisibility(m, models.ErrMutationTimeout, "failed to restore conversation") },
		func(s settlement[models.Conversation]) { e.late(m, s.err, func() { e.ApplyConversation(s.value) }) },
	)
}

func (e *Engine) confirmVisibility(m *Mutation, conv models.Conversation) {
	e.mu.Lock()
	if !e.settle(m, StatusConfirmed) {
		e.mu.Unlock()
		return
	}
	e.dir.apply(conv)
	e.dir.unpin(m.TargetID, m.ID)
	delete(e.mutations, m.ID)
	e.mu.Unlock()
	e.finished(m, nil)
	e.emit(Event{Type: EventDirectoryChanged, ConversationID: m.TargetID})
}

func (e *Engine) rollbackVisibility(m *Mutation, cause error, message string) {
	e.mu.Lock()
	if !e.settle(m, StatusFailed) {
		e.mu.Unlock()
		return
	}
	e.dir.unpin(m.TargetID, m.ID)
	var withdrawn bool
	if m.Kind == KindDelete {
		_, withdrawn = e.undo[m.TargetID]
		delete(e.undo, m.TargetID)
	}
	e.settle(m, StatusRolledBack)
	delete(e.mutations, m.ID)
	e.mu.Unlock()
	if withdrawn {
		e.undoTimers.Cancel(m.TargetID)
		e.emit(Event{Type: EventUndoExpired, ConversationID: m.TargetID})
	}
	e.finishedWith(m, cause, message)
	e.emit(Event{Type: EventDirectoryChanged, ConversationID: m.TargetID})
}

func (e *Engine) expireUndo(conversationID string, expiresAt time.Time) {
	e.mu.Lock()
	offer, ok := e.undo[conversationID]
	if ok && offer.ExpiresAt.Equal(expiresAt) {
		delete(e.undo, conversationID)
	} else {
		ok = false
	}
	e.mu.Unlock()
	if ok {
		e.emit(Event{Type: EventUndoExpired, ConversationID: conversationID})
	}
}

// late handles a durable outcome that arrived after the mutation timed out and was
// rolled back. A success is applied as server truth and a refresh reconciles the rest.
func (e *Engine) late(m *Mutation, err error, apply func()) {
	if err != nil {
		e.logger.Info("durable call failed after timeout", "kind", m.Kind, "target_id", m.TargetID, "error", err)
		return
	}
	e.logger.Warn("durable call succeeded after timeout, reconciling", "kind", m.Kind, "target_id", m.TargetID)
	apply()
	e.scheduleRefresh()
}

// begin registers a pending mutation. e.mu must be held.
func (e *Engine) begin(kind MutationKind, targetID string, now time.Time) *Mutation {
	m := &Mutation{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetID:  targetID,
		Status:    StatusPending,
		StartedAt: now,
	}
	m.snapshot, m.hadEntry = e.dir.Get(targetID)
	e.mutations[m.ID] = m
	return m
}

// settle moves m to status, logging and refusing invalid edges. e.mu must be held.
func (e *Engine) settle(m *Mutation, status MutationStatus) bool {
	if err := m.transition(status); err != nil {
		e.logger.Error("ignoring mutation transition", "mutation_id", m.ID, "error", err)
		return false
	}
	return true
}

func (e *Engine) finished(m *Mutation, cause error) {
	e.finishedWith(m, cause, "")
}

func (e *Engine) finishedWith(m *Mutation, cause error, message string) {
	result := "confirmed"
	ev := Event{Type: EventMutationConfirmed, ConversationID: m.TargetID, Mutation: m.info()}
	if cause != nil {
		result = "rolled_back"
		if errors.Is(cause, models.ErrMutationTimeout) {
			result = "timeout"
		}
		if message == "" {
			message = cause.Error()
		}
		ev.Type = EventMutationFailed
		ev.Error = message
		e.logger.Warn("mutation rolled back", "kind", m.Kind, "target_id", m.TargetID, "error", cause)
	}
	observability.ObserveMutation(string(m.Kind), result, time.Since(m.StartedAt))
	e.emit(ev)
}

// pendingFor reports whether id has a mutation in flight. e.mu must be held.
func (e *Engine) pendingFor(id string) bool {
	for _, m := range e.mutations {
		if m.TargetID == id {
			return true
		}
	}
	return false
}

// channel returns id's channel, creating it. e.mu must be held.
func (e *Engine) channel(id string) *Channel {
	ch, ok := e.channels[id]
	if !ok {
		ch = newChannel(e.cfg.Viewer.ID)
		e.channels[id] = ch
	}
	return ch
}

// enqueue appends a durable call to key's line. The caller waits on prev, if any,
// and calls finish when done.
func (e *Engine) enqueue(key string) (prev <-chan struct{}, finish func()) {
	if key == "" {
		return nil, func() {}
	}
	mine := make(chan struct{})
	e.serialMu.Lock()
	if tail, ok := e.tails[key]; ok {
		prev = tail
	}
	e.tails[key] = mine
	e.serialMu.Unlock()
	return prev, func() {
		e.serialMu.Lock()
		if e.tails[key] == mine {
			delete(e.tails, key)
		}
		e.serialMu.Unlock()
		close(mine)
	}
}
