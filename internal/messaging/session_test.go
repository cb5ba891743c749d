package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/presence"
	"messaging-service/internal/pubsub"
	"messaging-service/internal/store"
)

// scopeCounter tracks live listener registrations per scope.
type scopeCounter struct {
	mu   sync.Mutex
	live map[string]int
}

func (s *scopeCounter) add(scope string) func() {
	s.mu.Lock()
	if s.live == nil {
		s.live = make(map[string]int)
	}
	s.live[scope]++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.live[scope]--
			s.mu.Unlock()
		})
	}
}

func (s *scopeCounter) count(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[scope]
}

type fakePresence struct {
	scopeCounter
	joined map[string]bool
	beats  int
}

func (p *fakePresence) Join(_ context.Context, scope string, rec models.PresenceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joined == nil {
		p.joined = make(map[string]bool)
	}
	p.joined[scope+"/"+rec.UserID] = true
	return nil
}

func (p *fakePresence) Heartbeat(context.Context, string, string, models.PresenceStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beats++
	return nil
}

func (p *fakePresence) Leave(_ context.Context, scope, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.joined, scope+"/"+userID)
	return nil
}

func (p *fakePresence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined[presence.GlobalScope+"/"+userID]
}

func (p *fakePresence) in(scope, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined[scope+"/"+userID]
}

func (p *fakePresence) Subscribe(scope string, _ func(presence.Change)) (func(), error) {
	return p.add(scope), nil
}

type fakeTyping struct {
	scopeCounter
	listeners map[string]func(models.TypingSignal)
	stopped   []string
}

func (ty *fakeTyping) SetTyping(_ context.Context, conversationID, userID, displayName string, isTyping bool) error {
	ty.mu.Lock()
	if !isTyping {
		ty.stopped = append(ty.stopped, conversationID)
	}
	fn := ty.listeners[conversationID]
	ty.mu.Unlock()
	if fn != nil {
		fn(models.TypingSignal{ConversationID: conversationID, UserID: userID, DisplayName: displayName, IsTyping: isTyping})
	}
	return nil
}

func (ty *fakeTyping) TypingText(conversationID string, exclude ...string) string {
	for _, id := range exclude {
		if id == recruiter.ID {
			return ""
		}
	}
	return "Rita is typing..."
}

func (ty *fakeTyping) Subscribe(conversationID string, fn func(models.TypingSignal)) (func(), error) {
	ty.mu.Lock()
	if ty.listeners == nil {
		ty.listeners = make(map[string]func(models.TypingSignal))
	}
	ty.listeners[conversationID] = fn
	ty.mu.Unlock()
	return ty.add(conversationID), nil
}

type sessionFixture struct {
	store    *fakeStore
	presence *fakePresence
	typing   *fakeTyping
	session  *Session
}

func newSession(t *testing.T, f *fakeStore, tune func(*Config, *Deps)) *sessionFixture {
	t.Helper()
	fx := &sessionFixture{store: f, presence: &fakePresence{}, typing: &fakeTyping{}}
	cfg := DefaultConfig(student, "Ana")
	cfg.MutationTimeout = time.Second
	deps := Deps{Store: f, Presence: fx.presence, Typing: fx.typing}
	if tune != nil {
		tune(&cfg, &deps)
	}
	fx.session = NewSession(deps, cfg)
	t.Cleanup(fx.session.Close)
	require.NoError(t, fx.session.Start(context.Background()))
	return fx
}

func drain(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSessionStartLoadsDirectoryAndJoinsPresence(t *testing.T) {
	fx := newSession(t, newFakeStore(conversation("c1"), conversation("c2")), nil)

	assert.Len(t, fx.session.Conversations(), 2)
	assert.True(t, fx.session.IsOnline(student.ID))
	assert.Equal(t, 1, fx.presence.count(presence.GlobalScope))
}

func TestSessionOpenSwitchReleasesPreviousConversation(t *testing.T) {
	f := newFakeStore(conversation("c1"), conversation("c2"))
	fx := newSession(t, f, nil)
	scope1, scope2 := presence.ConversationScope("c1"), presence.ConversationScope("c2")

	require.NoError(t, fx.session.Open(context.Background(), "c1"))
	assert.Equal(t, "c1", fx.session.ActiveConversation())
	assert.Equal(t, 1, f.liveConversationSubs("c1"))
	assert.Equal(t, 1, fx.typing.count("c1"))
	assert.Equal(t, 1, fx.presence.count(scope1))
	assert.True(t, fx.presence.in(scope1, student.ID))

	require.NoError(t, fx.session.Open(context.Background(), "c2"))
	assert.Equal(t, "c2", fx.session.ActiveConversation())
	assert.Zero(t, f.liveConversationSubs("c1"))
	assert.Zero(t, fx.typing.count("c1"))
	assert.Zero(t, fx.presence.count(scope1))
	assert.False(t, fx.presence.in(scope1, student.ID))
	assert.Equal(t, 1, f.liveConversationSubs("c2"))

	require.NoError(t, fx.session.Open(context.Background(), "c2"))
	assert.Equal(t, 1, f.liveConversationSubs("c2"), "reopening the active conversation is a no-op")
	assert.Equal(t, 1, fx.typing.count("c2"))

	fx.session.Close()
	assert.Zero(t, f.liveConversationSubs("c2"))
	assert.Zero(t, fx.presence.count(scope2))
	assert.Zero(t, fx.presence.count(presence.GlobalScope))
	assert.False(t, fx.presence.in(presence.GlobalScope, student.ID))
	_, open := <-fx.session.Events()
	for open {
		_, open = <-fx.session.Events()
	}
}

func TestSessionAutoMarksReadOnOpenAndArrival(t *testing.T) {
	conv := conversation("c1")
	conv.UnreadA = 2
	f := newFakeStore(conv)
	fx := newSession(t, f, nil)

	require.NoError(t, fx.session.Open(context.Background(), "c1"))
	require.Eventually(t, func() bool { return fx.session.TotalUnread() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.count("mark_read"))

	_, err := f.Send(context.Background(), store.SendRequest{ConversationID: "c1", Sender: recruiter, Receiver: student, Body: "still there?"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.count("mark_read") == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fx.session.TotalUnread() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, fx.session.Messages("c1"), 1)
}

func TestSessionWithoutAutoMarkReadKeepsBadge(t *testing.T) {
	conv := conversation("c1")
	conv.UnreadA = 2
	f := newFakeStore(conv)
	fx := newSession(t, f, func(c *Config, _ *Deps) { c.AutoMarkRead = false })

	require.NoError(t, fx.session.Open(context.Background(), "c1"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, fx.session.TotalUnread())
	assert.Zero(t, f.count("mark_read"))
}

func TestSessionSendNotifiesCounterpart(t *testing.T) {
	notifier := &mocks.NotifierMock{}
	f := newFakeStore(conversation("c1"))
	fx := newSession(t, f, func(_ *Config, d *Deps) { d.Notifier = notifier })
	require.NoError(t, fx.session.Open(context.Background(), "c1"))

	notifier.On("Notify", mock.Anything, recruiter.ID, mock.MatchedBy(func(p notify.Payload) bool {
		return p.Type == "message" && p.Message == "Hello" && p.Link == "/recruiter/messages?conversation=c1"
	})).Once()

	msg, err := fx.session.Send(context.Background(), "c1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Body)
	notifier.AssertExpectations(t)
	assert.Equal(t, []string{"c1"}, fx.typing.stopped, "sending clears the viewer's typing state")
}

func TestSessionFailedSendDoesNotNotify(t *testing.T) {
	notifier := &mocks.NotifierMock{}
	f := newFakeStore(conversation("c1"))
	f.fail("send", &models.TransientError{Op: "send", Err: context.DeadlineExceeded})
	fx := newSession(t, f, func(_ *Config, d *Deps) { d.Notifier = notifier })

	_, err := fx.session.Send(context.Background(), "c1", "Hello")
	require.Error(t, err)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionTypingEventCarriesSummary(t *testing.T) {
	fx := newSession(t, newFakeStore(conversation("c1")), nil)
	require.NoError(t, fx.session.Open(context.Background(), "c1"))
	drain(fx.session.Events())

	require.NoError(t, fx.typing.SetTyping(context.Background(), "c1", recruiter.ID, "Rita", true))
	var typing []Event
	for _, ev := range drain(fx.session.Events()) {
		if ev.Type == EventTypingChanged {
			typing = append(typing, ev)
		}
	}
	require.Len(t, typing, 1)
	assert.Equal(t, "Rita is typing...", typing[0].TypingText)
}

func TestSessionDeliversNotificationsFromBus(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	fx := newSession(t, newFakeStore(conversation("c1")), func(_ *Config, d *Deps) { d.Notifications = bus })
	drain(fx.session.Events())

	n := models.Notification{TargetUserID: student.ID, Title: "New Message from Recruiter", Message: "Hi", Type: "message", CreatedAt: base}
	require.NoError(t, pubsub.PublishJSON(context.Background(), bus, pubsub.NotificationTopic(student.ID), recruiter.ID, n, nil))

	require.Eventually(t, func() bool {
		for _, ev := range drain(fx.session.Events()) {
			if ev.Type == EventNotification {
				return assert.Equal(t, "Hi", ev.Notification.Message)
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSessionDropsEventsWhenNobodyListens(t *testing.T) {
	f := newFakeStore(conversation("c1"))
	fx := newSession(t, f, func(c *Config, _ *Deps) { c.EventBuffer = 1 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, fx.session.Open(context.Background(), "c1"))
		for i := 0; i < 20; i++ {
			_, err := fx.session.Send(context.Background(), "c1", "spam")
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a full event buffer must never block the session")
	}
	assert.Len(t, fx.session.Messages("c1"), 20, "getters stay correct when events are dropped")
}

func TestSessionDeleteFailureEmitsError(t *testing.T) {
	f := newFakeStore(conversation("c1"))
	f.fail("delete", &models.TransientError{Op: "delete", Err: context.DeadlineExceeded})
	fx := newSession(t, f, nil)
	drain(fx.session.Events())

	require.Error(t, fx.session.DeleteConversation(context.Background(), "c1"))
	var errs []Event
	for _, ev := range drain(fx.session.Events()) {
		if ev.Type == EventError {
			errs = append(errs, ev)
		}
	}
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "failed to delete conversation")
	assert.Len(t, fx.session.Conversations(), 1)
}
