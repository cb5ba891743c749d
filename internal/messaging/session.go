package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/presence"
	"messaging-service/internal/pubsub"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultEventBuffer       = 128
)

// Presence is the part of the presence tracker a session uses.
type Presence interface {
	Join(ctx context.Context, scope string, rec models.PresenceRecord) error
	Heartbeat(ctx context.Context, scope, userID string, status models.PresenceStatus) error
	Leave(ctx context.Context, scope, userID string) error
	IsOnline(userID string) bool
	Subscribe(scope string, fn func(presence.Change)) (func(), error)
}

// Typing is the part of the typing coordinator a session uses.
type Typing interface {
	SetTyping(ctx context.Context, conversationID, userID, displayName string, isTyping bool) error
	TypingText(conversationID string, exclude ...string) string
	Subscribe(conversationID string, fn func(models.TypingSignal)) (func(), error)
}

// Deps are a session's collaborators. Presence, Typing, Notifier and Notifications
// are optional.
type Deps struct {
	Store         Store
	Presence      Presence
	Typing        Typing
	Notifier      notify.Notifier
	Notifications pubsub.Subscriber
}

// Config tunes a Session.
type Config struct {
	Viewer            models.Participant
	DisplayName       string
	AutoMarkRead      bool
	MutationTimeout   time.Duration
	DurableTimeout    time.Duration
	UndoWindow        time.Duration
	HeartbeatInterval time.Duration
	MaxBodyLength     int
	IncludeArchived   bool
	EventBuffer       int
	Now               func() time.Time
	Logger            *slog.Logger
}

// DefaultConfig returns the defaults for viewer, with auto mark-read on.
func DefaultConfig(viewer models.Participant, displayName string) Config {
	return Config{
		Viewer:            viewer,
		DisplayName:       displayName,
		AutoMarkRead:      true,
		MutationTimeout:   DefaultMutationTimeout,
		DurableTimeout:    DefaultDurableTimeout,
		UndoWindow:        DefaultUndoWindow,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxBodyLength:     models.DefaultMaxBodyLength,
		EventBuffer:       DefaultEventBuffer,
	}
}

// Session is one signed-in participant's view: directory, the active conversation
// and its presence and typing scopes.
type Session struct {
	cfg    Config
	deps   Deps
	engine *Engine
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	eventsMu sync.RWMutex
	events   chan Event
	closed   bool

	// openMu serializes Open and Close; handlers never take it.
	openMu   sync.Mutex
	mu       sync.Mutex
	active   string
	stopping bool
	status   models.PresenceStatus
	releases []func()
	global   []func()
}

// NewSession builds a Session. Call Start before use and Close when done.
func NewSession(deps Deps, cfg Config) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "session", "user_id", cfg.Viewer.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, cfg.EventBuffer),
		status: models.PresenceOnline,
	}
	s.engine = NewEngine(deps.Store, EngineConfig{
		Viewer:          cfg.Viewer,
		MutationTimeout: cfg.MutationTimeout,
		DurableTimeout:  cfg.DurableTimeout,
		UndoWindow:      cfg.UndoWindow,
		MaxBodyLength:   cfg.MaxBodyLength,
		IncludeArchived: cfg.IncludeArchived,
		Now:             cfg.Now,
		Logger:          cfg.Logger,
	}, s.emit)
	return s
}

// Events streams state-change events. The channel closes with the session.
func (s *Session) Events() <-chan Event { return s.events }

// Engine exposes the cache for read-only inspection.
func (s *Session) Engine() *Engine { return s.engine }

// Start subscribes the directory stream, loads the directory and joins global
// presence. A failed initial listing is returned but the session stays usable.
func (s *Session) Start(ctx context.Context) error {
	if err := s.deps.Store.SubscribeDirectory(s.ctx, s.cfg.Viewer.ID, s.onDirectory); err != nil {
		return fmt.Errorf("subscribe directory: %w", err)
	}
	if s.deps.Notifications != nil {
		if err := s.deps.Notifications.Subscribe(s.ctx, pubsub.NotificationTopic(s.cfg.Viewer.ID), s.onNotification); err != nil {
			return fmt.Errorf("subscribe notifications: %w", err)
		}
	}
	if s.deps.Presence != nil {
		release, err := s.deps.Presence.Subscribe(presence.GlobalScope, s.onPresence)
		if err != nil {
			return fmt.Errorf("subscribe presence: %w", err)
		}
		s.mu.Lock()
		s.global = append(s.global, release)
		s.mu.Unlock()
		if err := s.deps.Presence.Join(ctx, presence.GlobalScope, s.record("")); err != nil {
			s.logger.Warn("join global presence failed", "error", err)
		}
		s.wg.Add(1)
		go s.heartbeat()
	}
	return s.engine.Refresh(ctx)
}

// Close leaves presence, cancels every subscription and closes Events.
func (s *Session) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	s.stopping = true
	active := s.active
	releases := append(s.releases, s.global...)
	s.releases, s.global, s.active = nil, nil, ""
	s.mu.Unlock()

	for _, release := range releases {
		release()
	}
	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if active != "" {
			_ = s.deps.Presence.Leave(ctx, presence.ConversationScope(active), s.cfg.Viewer.ID)
		}
		_ = s.deps.Presence.Leave(ctx, presence.GlobalScope, s.cfg.Viewer.ID)
		cancel()
	}
	s.cancel()
	s.engine.Close()
	s.wg.Wait()

	s.eventsMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.eventsMu.Unlock()
}

// Refresh reloads the directory from the store.
func (s *Session) Refresh(ctx context.Context) error { return s.engine.Refresh(ctx) }

// Conversations is the visible directory, newest activity first.
func (s *Session) Conversations() []models.Conversation { return s.engine.Conversations() }

// TotalUnread sums the viewer's badges.
func (s *Session) TotalUnread() int { return s.engine.TotalUnread() }

// Messages is the rendered list of a conversation.
func (s *Session) Messages(conversationID string) []models.Message {
	return s.engine.Messages(conversationID)
}

// ActiveConversation is the id of the open conversation, if any.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// TypingText summarizes who else is typing in a conversation.
func (s *Session) TypingText(conversationID string) string {
	if s.deps.Typing == nil {
		return ""
	}
	return s.deps.Typing.TypingText(conversationID, s.cfg.Viewer.ID)
}

// IsOnline reports a user's global presence.
func (s *Session) IsOnline(userID string) bool {
	return s.deps.Presence != nil && s.deps.Presence.IsOnline(userID)
}

// Open makes conversationID the active conversation. The previous conversation's
// stream and scopes are released first; its cache stays for a later revisit.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	prev := s.active
	if prev == conversationID && prev != "" {
		s.mu.Unlock()
		return nil
	}
	releases := s.releases
	s.releases, s.active = nil, ""
	s.mu.Unlock()

	for _, release := range releases {
		release()
	}
	if prev != "" && s.deps.Presence != nil {
		if err := s.deps.Presence.Leave(ctx, presence.ConversationScope(prev), s.cfg.Viewer.ID); err != nil {
			s.logger.Warn("leave conversation presence failed", "conversation_id", prev, "error", err)
		}
	}
	if conversationID == "" {
		return nil
	}

	streamCtx, stop := context.WithCancel(s.ctx)
	acquired := []func(){stop}
	fail := func(err error) error {
		for _, release := range acquired {
			release()
		}
		return err
	}
	if err := s.deps.Store.SubscribeConversation(streamCtx, conversationID, s.onConversationEvent); err != nil {
		return fail(fmt.Errorf("subscribe conversation: %w", err))
	}
	if s.deps.Typing != nil {
		release, err := s.deps.Typing.Subscribe(conversationID, func(models.TypingSignal) {
			s.emit(Event{Type: EventTypingChanged, ConversationID: conversationID, TypingText: s.TypingText(conversationID)})
		})
		if err != nil {
			return fail(fmt.Errorf("subscribe typing: %w", err))
		}
		acquired = append(acquired, release)
	}
	if s.deps.Presence != nil {
		release, err := s.deps.Presence.Subscribe(presence.ConversationScope(conversationID), s.onPresence)
		if err != nil {
			return fail(fmt.Errorf("subscribe presence: %w", err))
		}
		acquired = append(acquired, release)
	}

	s.mu.Lock()
	s.active, s.releases = conversationID, acquired
	s.mu.Unlock()

	if s.deps.Presence != nil {
		if err := s.deps.Presence.Join(ctx, presence.ConversationScope(conversationID), s.record(conversationID)); err != nil {
			s.logger.Warn("join conversation presence failed", "conversation_id", conversationID, "error", err)
		}
	}
	if err := s.engine.Load(ctx, conversationID); err != nil {
		return err
	}
	s.autoMarkRead(conversationID)
	return nil
}

// Send posts body to a conversation and notifies the counterpart. Notification
// problems never reach the caller.
func (s *Session) Send(ctx context.Context, conversationID, body string) (models.Message, error) {
	msg, err := s.engine.Send(ctx, conversationID, body)
	if err != nil {
		return msg, err
	}
	if s.deps.Typing != nil {
		_ = s.deps.Typing.SetTyping(ctx, conversationID, s.cfg.Viewer.ID, s.cfg.DisplayName, false)
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify(ctx, msg.Receiver.ID, notify.NewMessage(msg.Sender, msg.Receiver, conversationID, msg.Body))
	}
	return msg, nil
}

// DeleteConversation hides a conversation for the viewer, with an undo offer.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	err := s.engine.DeleteConversation(ctx, conversationID)
	if err != nil {
		s.emit(Event{Type: EventError, ConversationID: conversationID, Error: err.Error()})
	}
	return err
}

// Undo takes back a delete within its window.
func (s *Session) Undo(ctx context.Context, conversationID string) error {
	err := s.engine.Undo(ctx, conversationID)
	if err != nil {
		s.emit(Event{Type: EventError, ConversationID: conversationID, Error: err.Error()})
	}
	return err
}

// RestoreConversation brings a deleted conversation back at any time.
func (s *Session) RestoreConversation(ctx context.Context, conversationID string) error {
	err := s.engine.RestoreConversation(ctx, conversationID)
	if err != nil {
		s.emit(Event{Type: EventError, ConversationID: conversationID, Error: err.Error()})
	}
	return err
}

// MarkRead marks a conversation read for the viewer.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	return s.engine.MarkRead(ctx, conversationID)
}

// ClearUnread zeroes a badge locally.
func (s *Session) ClearUnread(conversationID string) { s.engine.ClearUnread(conversationID) }

// SetTyping publishes the viewer's typing state in a conversation.
func (s *Session) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if s.deps.Typing == nil {
		return nil
	}
	return s.deps.Typing.SetTyping(ctx, conversationID, s.cfg.Viewer.ID, s.cfg.DisplayName, isTyping)
}

// SetStatus changes the viewer's presence status, e.g. to away.
func (s *Session) SetStatus(ctx context.Context, status models.PresenceStatus) error {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if s.deps.Presence == nil {
		return nil
	}
	return s.deps.Presence.Heartbeat(ctx, presence.GlobalScope, s.cfg.Viewer.ID, status)
}

func (s *Session) onConversationEvent(ev models.ConversationEvent) {
	s.engine.ApplyEvent(ev)
	if ev.Type == models.EventMessageCreated && ev.Message.Receiver.ID == s.cfg.Viewer.ID {
		s.autoMarkRead(ev.Message.ConversationID)
	}
}

func (s *Session) onDirectory(conv models.Conversation) {
	if s.engine.ApplyConversation(conv) {
		s.autoMarkRead(conv.ID)
	}
}

// autoMarkRead runs off the calling goroutine: stream handlers must not wait on
// the store, which publishes while holding the conversation lock.
func (s *Session) autoMarkRead(conversationID string) {
	if !s.cfg.AutoMarkRead {
		return
	}
	s.mu.Lock()
	if s.stopping || s.active != conversationID {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if err := s.engine.MarkRead(s.ctx, conversationID); err != nil {
			s.logger.Warn("auto mark read failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

func (s *Session) onPresence(change presence.Change) {
	rec := change.Record
	s.emit(Event{Type: EventPresenceChanged, Presence: &rec})
}

func (s *Session) onNotification(_ context.Context, msg pubsub.Message) error {
	n, err := pubsub.Decode[models.Notification](msg)
	if err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	s.emit(Event{Type: EventNotification, Notification: &n})
	return nil
}

func (s *Session) heartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			status, active := s.status, s.active
			s.mu.Unlock()
			if err := s.deps.Presence.Heartbeat(s.ctx, presence.GlobalScope, s.cfg.Viewer.ID, status); err != nil {
				s.logger.Warn("presence heartbeat failed", "error", err)
			}
			if active != "" {
				_ = s.deps.Presence.Heartbeat(s.ctx, presence.ConversationScope(active), s.cfg.Viewer.ID, status)
			}
		}
	}
}

func (s *Session) record(activeConversationID string) models.PresenceRecord {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	now := time.Now
	if s.cfg.Now != nil {
		now = s.cfg.Now
	}
	return models.PresenceRecord{
		UserID:               s.cfg.Viewer.ID,
		DisplayName:          s.cfg.DisplayName,
		Role:                 s.cfg.Viewer.Role,
		Status:               status,
		LastSeen:             now().UTC(),
		ActiveConversationID: activeConversationID,
	}
}

// emit never blocks. A full buffer drops the event; state getters stay correct.
func (s *Session) emit(ev Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session event buffer full, dropping event", "type", ev.Type, "conversation_id", ev.ConversationID)
	}
}
