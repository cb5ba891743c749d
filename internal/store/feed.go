package store

import (
	"sync"

	"messaging-service/internal/models"
)

// Verdict is what a Feed decided about an offered message.
type Verdict int

const (
	// Deliver means the message is new and extends the stream in order.
	Deliver Verdict = iota
	// Duplicate means the id was already seen.
	Duplicate
	// Stale means the message is new but sorts before the last delivered one;
	// the consumer must merge it in position instead of appending.
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Feed is the consumer-side guard for one conversation's message stream. It drops
// replays by id and never lets an earlier order key follow a later one.
type Feed struct {
	mu   sync.Mutex
	seen map[string]struct{}
	last *models.Message
}

// NewFeed returns an empty Feed.
func NewFeed() *Feed {
	return &Feed{seen: make(map[string]struct{})}
}

// Seed marks history as seen and moves the high-water mark to its newest message.
func (f *Feed) Seed(msgs []models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range msgs {
		f.seen[msgs[i].ID] = struct{}{}
		f.advance(msgs[i])
	}
}

// Admit records msg and returns how the consumer should treat it.
func (f *Feed) Admit(msg models.Message) Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[msg.ID]; ok {
		return Duplicate
	}
	f.seen[msg.ID] = struct{}{}
	if f.last != nil && models.MessageBefore(msg, *f.last) {
		return Stale
	}
	f.advance(msg)
	return Deliver
}

// Seen reports whether id has been admitted or seeded.
func (f *Feed) Seen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[id]
	return ok
}

func (f *Feed) advance(msg models.Message) {
	if f.last == nil || models.MessageBefore(*f.last, msg) {
		m := msg
		f.last = &m
	}
}
