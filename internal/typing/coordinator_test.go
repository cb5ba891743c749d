package typing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
	"messaging-service/internal/pubsub"
)

type countingBus struct {
	*pubsub.WatermillBridge
	published atomic.Int32
}

func (b *countingBus) Publish(ctx context.Context, msg pubsub.Message) error {
	b.published.Add(1)
	return b.WatermillBridge.Publish(ctx, msg)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "", Summary(nil))
	assert.Equal(t, "Alice is typing...", Summary([]string{"Alice"}))
	assert.Equal(t, "Alice and Bob are typing...", Summary([]string{"Alice", "Bob"}))
	assert.Equal(t, "Alice, Bob and 1 other is typing...", Summary([]string{"Alice", "Bob", "Cy"}))
	assert.Equal(t, "Alice, Bob and 2 others are typing...", Summary([]string{"Alice", "Bob", "Cy", "Di"}))
}

func TestTypingLapsesWithoutRenewal(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	c := New(bus, WithExpiry(40*time.Millisecond))
	defer c.Close()

	require.NoError(t, c.SetTyping(context.Background(), "c1", "u1", "Alice", true))
	assert.Equal(t, "Alice is typing...", c.TypingText("c1"))

	require.Eventually(t, func() bool { return c.TypingText("c1") == "" }, time.Second, 5*time.Millisecond)
}

func TestRenewalsCoalesceIntoOneTimer(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	c := New(bus, WithExpiry(80*time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", true))
		time.Sleep(25 * time.Millisecond)
	}
	assert.Equal(t, 1, c.timers.Len())
	assert.Equal(t, "Alice is typing...", c.TypingText("c1"), "renewals keep the signal alive past one window")
}

func TestStopClearsImmediately(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	c := New(bus)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", true))
	require.NoError(t, c.SetTyping(ctx, "c1", "u2", "Bob", true))
	assert.Equal(t, "Alice and Bob are typing...", c.TypingText("c1"))
	assert.Equal(t, "Bob is typing...", c.TypingText("c1", "u1"))

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", false))
	assert.Equal(t, "Bob is typing...", c.TypingText("c1"))
	assert.False(t, c.timers.Armed(key{conversationID: "c1", userID: "u1"}))
}

func TestRenewalsAreThrottledOnTheBus(t *testing.T) {
	bus := &countingBus{WatermillBridge: pubsub.NewWatermillBridge()}
	defer bus.Close()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New(bus, WithExpiry(time.Second), WithClock(clock))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", true))
	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", true))
	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", true))
	assert.Equal(t, int32(1), bus.published.Load())

	mu.Lock()
	now = now.Add(600 * time.Millisecond)
	mu.Unlock()
	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", true))
	assert.Equal(t, int32(2), bus.published.Load())

	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", false))
	require.NoError(t, c.SetTyping(ctx, "c1", "u1", "Alice", false))
	assert.Equal(t, int32(3), bus.published.Load())
}

func TestRemoteSignalsReachListeners(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	a := New(bus)
	defer a.Close()
	b := New(bus, WithExpiry(50*time.Millisecond))
	defer b.Close()

	var mu sync.Mutex
	var got []models.TypingSignal
	release, err := b.Subscribe("c1", func(sig models.TypingSignal) {
		mu.Lock()
		got = append(got, sig)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer release()

	require.NoError(t, a.SetTyping(context.Background(), "c1", "u1", "Alice", true))
	require.Eventually(t, func() bool { return b.TypingText("c1") == "Alice is typing..." }, time.Second, 5*time.Millisecond)

	// b's own timer lapses the remote signal when renewals stop arriving.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && !got[1].IsTyping
	}, time.Second, 5*time.Millisecond)
}

func TestSetTypingRejectsMissingIDs(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	c := New(bus)
	defer c.Close()

	err := c.SetTyping(context.Background(), "", "u1", "Alice", true)
	assert.ErrorIs(t, err, models.ErrValidation)
}
