// Package notify delivers best-effort notifications to a user outside the message channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/pubsub"
)

const (
	previewLength    = 50
	defaultQueueSize = 256
	deliverTimeout   = 5 * time.Second
)

// Payload is what callers supply; the broadcaster fills in target and time.
type Payload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Link    string `json:"link,omitempty"`
}

// ExternalPublisher is the RabbitMQ side of delivery.
type ExternalPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Notifier is what senders depend on.
type Notifier interface {
	Notify(ctx context.Context, targetUserID string, payload Payload)
}

type job struct {
	ctx          context.Context
	notification models.Notification
}

// Broadcaster fans notifications out to the local bus and RabbitMQ on a bounded
// worker. Failures are logged and counted and never reach the caller.
type Broadcaster struct {
	bus      pubsub.Publisher
	external ExternalPublisher
	now      func() time.Time
	logger   *slog.Logger

	queue     chan job
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ Notifier = (*Broadcaster)(nil)

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQueueSize bounds the backlog; notifications beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queue = make(chan job, n)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// NewBroadcaster starts the delivery worker. external may be nil.
func NewBroadcaster(bus pubsub.Publisher, external ExternalPublisher, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		bus:      bus,
		external: external,
		now:      time.Now,
		logger:   slog.Default().With("component", "notify"),
		queue:    make(chan job, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Notify queues a notification and returns immediately.
func (b *Broadcaster) Notify(ctx context.Context, targetUserID string, payload Payload) {
	n := models.Notification{
		TargetUserID: targetUserID,
		Title:        payload.Title,
		Message:      payload.Message,
		Type:         payload.Type,
		Link:         payload.Link,
		CreatedAt:    b.now().UTC(),
	}
	if err := n.Validate(); err != nil {
		b.failed(n, err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.failed(n, fmt.Errorf("broadcaster closed"))
		return
	}
	select {
	case b.queue <- job{ctx: context.WithoutCancel(ctx), notification: n}:
	default:
		observability.IncNotification("dropped")
		b.logger.Warn("notification queue full, dropping", "target_user_id", targetUserID, "type", n.Type)
	}
}

// Close stops accepting notifications and waits for the backlog to drain.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})
	b.wg.Wait()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	for j := range b.queue {
		b.deliver(j)
	}
}

func (b *Broadcaster) deliver(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, deliverTimeout)
	defer cancel()

	n := j.notification
	if err := pubsub.PublishJSON(ctx, b.bus, pubsub.NotificationTopic(n.TargetUserID), n.TargetUserID, n, nil); err != nil {
		b.failed(n, err)
		return
	}
	if b.external != nil {
		if err := b.external.Publish(ctx, "notifications."+n.Type, n); err != nil {
			b.failed(n, err)
			return
		}
	}
	observability.IncNotification("delivered")
}

func (b *Broadcaster) failed(n models.Notification, err error) {
	err = fmt.Errorf("%w: %v", models.ErrNotificationDelivery, err)
	observability.IncNotification("failed")
	b.logger.Warn("notification not delivered", "target_user_id", n.TargetUserID, "type", n.Type, "error", err)
}

// MessagePreview shortens a message body for a notification.
func MessagePreview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	return string([]rune(body)[:previewLength]) + "..."
}

// NewMessage builds the notification sent to the receiver of a message.
func NewMessage(sender, receiver models.Participant, conversationID, body string) Payload {
	return Payload{
		Title:   "New Message from " + roleLabel(sender.Role),
		Message: MessagePreview(body),
		Type:    "message",
		Link:    fmt.Sprintf("/%s/messages?conversation=%s", receiver.Role, conversationID),
	}
}

func roleLabel(role models.Role) string {
	words := strings.Split(string(role), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
