// Package typing coordinates self-expiring "is typing" signals per conversation.
package typing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/models"
	"messaging-service/internal/pubsub"
	"messaging-service/internal/timers"
)

// DefaultExpiry is the idle window after which a typing signal lapses.
const DefaultExpiry = 3 * time.Second

const metaOrigin = "origin"

type key struct {
	conversationID string
	userID         string
}

// Coordinator holds the live typing signals of every conversation this process has
// listeners for. Repeated true signals renew one timer per (conversation, user).
type Coordinator struct {
	bus    pubsub.PubSub
	group  *pubsub.Group[models.TypingSignal]
	origin string
	expiry time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	signals  map[string]map[string]models.TypingSignal
	lastSent map[key]time.Time
	timers   *timers.Arena[key]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExpiry overrides DefaultExpiry.
func WithExpiry(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.expiry = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New builds a Coordinator over bus.
func New(bus pubsub.PubSub, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:      bus,
		origin:   uuid.NewString(),
		expiry:   DefaultExpiry,
		now:      time.Now,
		logger:   slog.Default().With("component", "typing"),
		signals:  make(map[string]map[string]models.TypingSignal),
		lastSent: make(map[key]time.Time),
		timers:   timers.NewArena[key](),
	}
	c.group = pubsub.NewGroup[models.TypingSignal](bus, c.handleRemote)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTyping records that userID started or stopped typing. Callers send true once per
// keystroke batch; the signal lapses on its own after the expiry window.
func (c *Coordinator) SetTyping(ctx context.Context, conversationID, userID, displayName string, isTyping bool) error {
	sig := models.TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		IsTyping:       isTyping,
	}
	if isTyping {
		sig.ExpiresAt = c.now().Add(c.expiry)
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	changed := c.apply(sig)
	if !c.shouldPublish(sig, changed) {
		return nil
	}
	return pubsub.PublishJSON(ctx, c.bus, pubsub.TypingTopic(conversationID), userID, sig,
		map[string]string{metaOrigin: c.origin})
}

// Typing returns the live signals of a conversation ordered by display name.
func (c *Coordinator) Typing(conversationID string) []models.TypingSignal {
	c.mu.Lock()
	out := make([]models.TypingSignal, 0, len(c.signals[conversationID]))
	for _, sig := range c.signals[conversationID] {
		out = append(out, sig)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// TypingText summarizes who is typing, leaving out the excluded user ids.
func (c *Coordinator) TypingText(conversationID string, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var names []string
	for _, sig := range c.Typing(conversationID) {
		if skip[sig.UserID] {
			continue
		}
		name := sig.DisplayName
		if name == "" {
			name = "Someone"
		}
		names = append(names, name)
	}
	return Summary(names)
}

// Summary renders names as a typing indicator sentence.
func Summary(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	case 3:
		return fmt.Sprintf("%s, %s and 1 other is typing...", names[0], names[1])
	default:
		return fmt.Sprintf("%s, %s and %d others are typing...", names[0], names[1], len(names)-2)
	}
}

// Subscribe delivers signal changes for conversationID, including expiries.
func (c *Coordinator) Subscribe(conversationID string, fn func(models.TypingSignal)) (func(), error) {
	return c.group.Subscribe(pubsub.TypingTopic(conversationID), fn)
}

// Close stops every expiry timer.
func (c *Coordinator) Close() {
	c.timers.Stop()
}

func (c *Coordinator) handleRemote(_ context.Context, msg pubsub.Message) error {
	if msg.Metadata[metaOrigin] == c.origin {
		return nil
	}
	sig, err := pubsub.Decode[models.TypingSignal](msg)
	if err != nil {
		return err
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	c.apply(sig)
	return nil
}

// apply updates the local view and reports whether the typing state flipped.
func (c *Coordinator) apply(sig models.TypingSignal) bool {
	k := key{conversationID: sig.ConversationID, userID: sig.UserID}

	c.mu.Lock()
	recs := c.signals[sig.ConversationID]
	_, had := recs[sig.UserID]
	if sig.IsTyping {
		if recs == nil {
			recs = make(map[string]models.TypingSignal)
			c.signals[sig.ConversationID] = recs
		}
		recs[sig.UserID] = sig
	} else {
		delete(recs, sig.UserID)
		if len(recs) == 0 {
			delete(c.signals, sig.ConversationID)
		}
	}
	c.mu.Unlock()

	if sig.IsTyping {
		c.timers.Arm(k, c.expiry, func() { c.expire(k) })
	} else {
		c.timers.Cancel(k)
	}

	changed := had != sig.IsTyping
	if changed {
		c.group.Emit(pubsub.TypingTopic(sig.ConversationID), sig)
	}
	return changed
}

// shouldPublish lets state flips through and throttles renewals to one per half window.
func (c *Coordinator) shouldPublish(sig models.TypingSignal, changed bool) bool {
	k := key{conversationID: sig.ConversationID, userID: sig.UserID}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !sig.IsTyping {
		delete(c.lastSent, k)
		return changed
	}
	if last, ok := c.lastSent[k]; ok && !changed && now.Sub(last) < c.expiry/2 {
		return false
	}
	c.lastSent[k] = now
	return true
}

func (c *Coordinator) expire(k key) {
	c.mu.Lock()
	sig, ok := c.signals[k.conversationID][k.userID]
	if ok {
		delete(c.signals[k.conversationID], k.userID)
		if len(c.signals[k.conversationID]) == 0 {
			delete(c.signals, k.conversationID)
		}
	}
	delete(c.lastSent, k)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Debug("typing expired", "conversation_id", k.conversationID, "user_id", k.userID)
	sig.IsTyping = false
	sig.ExpiresAt = time.Time{}
	c.group.Emit(pubsub.TypingTopic(k.conversationID), sig)
}
