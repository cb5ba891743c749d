package notify_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/pubsub"
)

func TestNotifyDeliversToBusAndRabbit(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "notifications.message", mock.AnythingOfType("models.Notification")).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var got []models.Notification
	require.NoError(t, bus.Subscribe(ctx, pubsub.NotificationTopic("stu-1"), func(_ context.Context, msg pubsub.Message) error {
		n, err := pubsub.Decode[models.Notification](msg)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return err
	}))

	b := notify.NewBroadcaster(bus, pub)
	b.Notify(ctx, "stu-1", notify.Payload{Title: "New Message from Recruiter", Message: "hi", Type: "message"})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Message)
	pub.AssertExpectations(t)
}

func TestNotifySwallowsDeliveryFailure(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	b := notify.NewBroadcaster(bus, pub)
	assert.NotPanics(t, func() {
		b.Notify(context.Background(), "stu-1", notify.Payload{Title: "t", Type: "message"})
	})
	b.Close()
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestNotifyReturnsBeforeDelivery(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	release := make(chan struct{})
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).Return(nil)

	b := notify.NewBroadcaster(bus, pub, notify.WithQueueSize(1))
	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Notify(context.Background(), "stu-1", notify.Payload{Title: "t", Type: "message"})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "overflow is dropped, never blocks")
	close(release)
	b.Close()
}

func TestNotifyDropsInvalidPayload(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	pub := new(mocks.PublisherMock)

	b := notify.NewBroadcaster(bus, pub)
	b.Notify(context.Background(), "", notify.Payload{Type: "message"})
	b.Close()
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestMessagePreview(t *testing.T) {
	assert.Equal(t, "short", notify.MessagePreview("short"))
	long := strings.Repeat("é", 60)
	preview := notify.MessagePreview(long)
	assert.Equal(t, strings.Repeat("é", 50)+"...", preview)
}

func TestNewMessagePayload(t *testing.T) {
	p := notify.NewMessage(
		models.Participant{ID: "a1", Role: models.RoleCollegeAdmin},
		models.Participant{ID: "s1", Role: models.RoleStudent},
		"c1", "hello")
	assert.Equal(t, "New Message from College Admin", p.Title)
	assert.Equal(t, "/student/messages?conversation=c1", p.Link)
	assert.Equal(t, "message", p.Type)
}
