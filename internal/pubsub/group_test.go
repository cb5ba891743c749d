package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupOpensOneBusSubscriptionPerTopic(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	var remote collector
	g := NewGroup[string](bus, remote.handle)

	var mu sync.Mutex
	var seen []string
	listen := func(v string) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}
	releaseA, err := g.Subscribe("typing.c1", listen)
	require.NoError(t, err)
	releaseB, err := g.Subscribe("typing.c1", listen)
	require.NoError(t, err)

	assert.Equal(t, 1, g.Refs("typing.c1"))
	assert.True(t, g.Listening("typing.c1"))

	require.NoError(t, PublishJSON(context.Background(), bus, "typing.c1", "u1", "x", nil))
	require.Eventually(t, func() bool { return remote.len() == 1 }, time.Second, 5*time.Millisecond)

	g.Emit("typing.c1", "local")
	mu.Lock()
	assert.Equal(t, []string{"local", "local"}, seen)
	mu.Unlock()

	releaseA()
	releaseA()
	assert.Equal(t, 1, g.Refs("typing.c1"))
	releaseB()
	assert.Equal(t, 0, g.Refs("typing.c1"))
	assert.False(t, g.Listening("typing.c1"))
}

func TestGroupEmitWithoutListenersIsNoop(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()
	g := NewGroup[int](bus, func(context.Context, Message) error { return nil })

	assert.NotPanics(t, func() { g.Emit("presence.global", 1) })
}
