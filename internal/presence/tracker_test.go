package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/cache"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/pubsub"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func newTracker(t *testing.T, bus pubsub.PubSub, opts ...Option) *Tracker {
	t.Helper()
	tr := NewTracker(bus, opts...)
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Close)
	return tr
}

func TestJoinIsVisibleLocallyWithoutEcho(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	tr := newTracker(t, bus)

	var rec recorder
	release, err := tr.Subscribe(GlobalScope, rec.add)
	require.NoError(t, err)
	defer release()

	require.NoError(t, tr.Join(context.Background(), GlobalScope, models.PresenceRecord{UserID: "stu-1", DisplayName: "Ana"}))

	assert.True(t, tr.IsOnline("stu-1"))
	time.Sleep(30 * time.Millisecond)
	changes := rec.all()
	require.Len(t, changes, 1, "own announcements must not be applied twice")
	assert.Equal(t, models.PresenceOnline, changes[0].Record.Status)
}

func TestRemoteProcessSeesJoinAndLeave(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	a := newTracker(t, bus)
	b := newTracker(t, bus)

	ctx := context.Background()
	require.NoError(t, a.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "rec-1"}))
	require.Eventually(t, func() bool { return b.IsOnline("rec-1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Leave(ctx, GlobalScope, "rec-1"))
	require.Eventually(t, func() bool { return !b.IsOnline("rec-1") }, time.Second, 5*time.Millisecond)
}

func TestUserStaysOnlineUntilLastSessionLeaves(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	tr := newTracker(t, bus)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "stu-1"}))
	require.NoError(t, tr.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "stu-1"}))
	require.NoError(t, tr.Heartbeat(ctx, GlobalScope, "stu-1", models.PresenceAway))

	require.NoError(t, tr.Leave(ctx, GlobalScope, "stu-1"))
	assert.True(t, tr.IsOnline("stu-1"), "one session is still open")

	require.NoError(t, tr.Leave(ctx, GlobalScope, "stu-1"))
	assert.False(t, tr.IsOnline("stu-1"))
}

func TestRemoteLeaveDoesNotHideLocalSession(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	a := newTracker(t, bus)
	b := newTracker(t, bus)
	ctx := context.Background()

	require.NoError(t, a.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "stu-1"}))
	require.NoError(t, b.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "stu-1"}))
	require.Eventually(t, func() bool { return a.IsOnline("stu-1") && b.IsOnline("stu-1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Leave(ctx, GlobalScope, "stu-1"))
	require.Eventually(t, func() bool { return a.IsOnline("stu-1") }, time.Second, 5*time.Millisecond,
		"the process still holding a session must announce it again")
	assert.True(t, b.IsOnline("stu-1"))
}

func TestHeartbeatTimeoutGoesOffline(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	tr := newTracker(t, bus, WithTimeout(40*time.Millisecond))

	var rec recorder
	scope := ConversationScope("c1")
	release, err := tr.Subscribe(scope, rec.add)
	require.NoError(t, err)
	defer release()

	require.NoError(t, tr.Join(context.Background(), scope, models.PresenceRecord{UserID: "stu-1"}))
	require.Len(t, tr.Online(scope), 1)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Online(scope))
	changes := rec.all()
	assert.Equal(t, models.PresenceOffline, changes[1].Record.Status)
}

func TestHeartbeatRenewsAndChangesStatus(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	tr := newTracker(t, bus, WithTimeout(80*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "stu-1", DisplayName: "Ana"}))
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, tr.Heartbeat(ctx, GlobalScope, "stu-1", ""))
	}
	assert.True(t, tr.IsOnline("stu-1"))

	require.NoError(t, tr.Heartbeat(ctx, GlobalScope, "stu-1", models.PresenceAway))
	got, ok := tr.Get(GlobalScope, "stu-1")
	require.True(t, ok)
	assert.Equal(t, models.PresenceAway, got.Status)
	assert.Equal(t, "Ana", got.DisplayName)
	assert.True(t, tr.IsOnline("stu-1"))
}

func TestScopeSubscriptionIsRefCounted(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	tr := newTracker(t, bus)
	topic := pubsub.PresenceTopic(ConversationScope("c1"))

	r1, err := tr.Subscribe(ConversationScope("c1"), func(Change) {})
	require.NoError(t, err)
	r2, err := tr.Subscribe(ConversationScope("c1"), func(Change) {})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.group.Refs(topic))

	r1()
	r1()
	assert.Equal(t, 1, tr.group.Refs(topic))
	r2()
	assert.Equal(t, 0, tr.group.Refs(topic))
}

func TestLastSeenFallsBackToCache(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	mem := cache.NewMemory()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tr := newTracker(t, bus, WithCache(mem), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "stu-1"}))
	require.NoError(t, tr.Leave(ctx, GlobalScope, "stu-1"))

	other := newTracker(t, bus, WithCache(mem))
	at, ok := other.LastSeen(ctx, "stu-1")
	require.True(t, ok)
	assert.True(t, at.Equal(now))
}

func TestCacheFailuresDoNotBreakPresence(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	cm := new(mocks.CacheMock)
	cm.On("Set", mock.Anything, "presence:last_seen:stu-1", mock.Anything, lastSeenTTL).Return(errors.New("redis down"))
	cm.On("Get", mock.Anything, "presence:last_seen:rec-1").Return("", errors.New("redis down"))
	tr := newTracker(t, bus, WithCache(cm))
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, GlobalScope, models.PresenceRecord{UserID: "stu-1"}))
	assert.True(t, tr.IsOnline("stu-1"))

	_, ok := tr.LastSeen(ctx, "rec-1")
	assert.False(t, ok)
	cm.AssertExpectations(t)
}

func TestJoinRejectsInvalidRecord(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	tr := newTracker(t, bus)

	err := tr.Join(context.Background(), GlobalScope, models.PresenceRecord{})
	assert.ErrorIs(t, err, models.ErrValidation)
}
