package messaging

import (
	"context"
	"fmt"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

// receipts deduplicates mark-read calls by conversation and unread snapshot.
type receipts struct {
	inflight map[string]struct{}
	// done holds the last confirmed key per conversation until the badge grows again.
	done map[string]string
}

func newReceipts() receipts {
	return receipts{inflight: make(map[string]struct{}), done: make(map[string]string)}
}

func receiptKey(conversationID string, unread int) string {
	return fmt.Sprintf("%s-%d", conversationID, unread)
}

func (r receipts) seen(conversationID, key string) bool {
	if _, ok := r.inflight[key]; ok {
		return true
	}
	return r.done[conversationID] == key
}

func (r receipts) forget(conversationID string) {
	delete(r.done, conversationID)
}

// MarkRead clears the viewer's badge and records the read durably. Repeated calls
// for the same unread snapshot make at most one durable write. On failure the badge
// comes back, plus anything that arrived meanwhile, and the call may be retried.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	unread := e.dir.Unread(conversationID)
	if unread == 0 {
		e.mu.Unlock()
		return nil
	}
	key := receiptKey(conversationID, unread)
	if e.receipts.seen(conversationID, key) {
		e.mu.Unlock()
		observability.IncMarkReadDedup()
		return nil
	}
	e.receipts.inflight[key] = struct{}{}
	m := e.begin(KindMarkRead, conversationID, e.cfg.Now().UTC())
	m.unread = unread
	m.rev = e.dir.mutate(conversationID, func(c *models.Conversation) { c.SetUnread(e.cfg.Viewer.ID, 0) })
	e.mu.Unlock()
	e.emit(Event{Type: EventDirectoryChanged, ConversationID: conversationID})

	done := launch(ctx, e, "", func(ctx context.Context) (models.ReadReceipt, error) {
		return e.store.MarkRead(ctx, conversationID, e.cfg.Viewer.ID)
	})
	return await(ctx, e.cfg.MutationTimeout, done,
		func(s settlement[models.ReadReceipt]) error {
			if s.err != nil {
				e.rollbackRead(m, key, s.err)
				return s.err
			}
			e.confirmRead(m, key, s.value)
			return nil
		},
		func() { e.rollbackRead(m, key, models.ErrMutationTimeout) },
		func(s settlement[models.ReadReceipt]) {
			e.late(m, s.err, func() {
				e.ApplyEvent(models.ConversationEvent{Type: models.EventMessagesRead, Receipt: &s.value})
			})
		},
	)
}

func (e *Engine) confirmRead(m *Mutation, key string, receipt models.ReadReceipt) {
	e.mu.Lock()
	delete(e.receipts.inflight, key)
	if !e.settle(m, StatusConfirmed) {
		e.mu.Unlock()
		return
	}
	e.receipts.done[m.TargetID] = key
	changed := e.channel(m.TargetID).applyReceipt(receipt)
	delete(e.mutations, m.ID)
	e.mu.Unlock()
	e.finished(m, nil)
	if changed {
		e.emit(Event{Type: EventMessagesChanged, ConversationID: m.TargetID})
	}
}

func (e *Engine) rollbackRead(m *Mutation, key string, cause error) {
	e.mu.Lock()
	delete(e.receipts.inflight, key)
	if !e.settle(m, StatusFailed) {
		e.mu.Unlock()
		return
	}
	// A newer server version already carries the real count, arrivals included.
	if e.dir.current(m.TargetID, m.rev) {
		e.dir.mutate(m.TargetID, func(c *models.Conversation) {
			c.SetUnread(e.cfg.Viewer.ID, c.UnreadFor(e.cfg.Viewer.ID)+m.unread)
		})
	}
	e.settle(m, StatusRolledBack)
	delete(e.mutations, m.ID)
	e.mu.Unlock()
	e.finished(m, cause)
	e.emit(Event{Type: EventDirectoryChanged, ConversationID: m.TargetID})
}
