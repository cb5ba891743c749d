package messaging

import (
	"sort"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/store"
)

// Channel is the cached message list of one conversation: confirmed messages in
// (created_at, id) order followed by this session's pending sends in send order.
type Channel struct {
	viewer    string
	confirmed []models.Message
	pending   []models.Message
	feed      *store.Feed
	loaded    bool
}

func newChannel(viewer string) *Channel {
	return &Channel{viewer: viewer, feed: store.NewFeed()}
}

// Messages returns what the channel renders.
func (c *Channel) Messages() []models.Message {
	out := make([]models.Message, 0, len(c.confirmed)+len(c.pending))
	out = append(out, c.confirmed...)
	return append(out, c.pending...)
}

// seed merges history. Subscription deliveries that beat the load are kept.
func (c *Channel) seed(history []models.Message) {
	for _, m := range history {
		if c.feed.Seen(m.ID) {
			continue
		}
		c.insert(m)
	}
	c.feed.Seed(history)
	c.loaded = true
}

// arrive admits a message from the change stream. It reports whether the rendered
// list changed.
func (c *Channel) arrive(m models.Message) bool {
	switch c.feed.Admit(m) {
	case store.Duplicate:
		return false
	case store.Stale:
		observability.IncStoreStale()
	}
	m.Pending = false
	c.insert(m)
	c.claim(m)
	return true
}

// addPending appends a locally synthesized message to the pending tail.
func (c *Channel) addPending(m models.Message) {
	c.pending = append(c.pending, m)
}

// dropPending removes the pending message tempID. It reports whether it was there.
func (c *Channel) dropPending(tempID string) bool {
	for i := range c.pending {
		if c.pending[i].ID == tempID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// confirm swaps the pending message tempID for the stored m. If the stream already
// delivered m, only the pending copy goes.
func (c *Channel) confirm(tempID string, m models.Message) {
	c.dropPending(tempID)
	if c.feed.Admit(m) == store.Duplicate {
		return
	}
	m.Pending = false
	c.insert(m)
}

// applyReceipt marks the listed messages read. Read flags never revert.
func (c *Channel) applyReceipt(r models.ReadReceipt) bool {
	ids := make(map[string]struct{}, len(r.MessageIDs))
	for _, id := range r.MessageIDs {
		ids[id] = struct{}{}
	}
	changed := false
	for i := range c.confirmed {
		if _, ok := ids[c.confirmed[i].ID]; ok && !c.confirmed[i].IsRead {
			c.confirmed[i].MarkRead(r.ReadAt)
			changed = true
		}
	}
	return changed
}

func (c *Channel) insert(m models.Message) {
	i := sort.Search(len(c.confirmed), func(i int) bool { return models.MessageBefore(m, c.confirmed[i]) })
	c.confirmed = append(c.confirmed, models.Message{})
	copy(c.confirmed[i+1:], c.confirmed[i:])
	c.confirmed[i] = m
}

// claim retires the oldest pending copy of a stored message this viewer sent, so a
// stream delivery that beats the send response never renders twice.
func (c *Channel) claim(m models.Message) {
	if m.Sender.ID != c.viewer {
		return
	}
	for i := range c.pending {
		if c.pending[i].Body == m.Body {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}
