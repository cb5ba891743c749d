package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
	"messaging-service/internal/store"
)

var (
	student   = models.Participant{ID: "stu-1", Role: models.RoleStudent}
	recruiter = models.Participant{ID: "rec-1", Role: models.RoleRecruiter}
	base      = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
)

type subscription[T any] struct {
	ctx context.Context
	fn  func(T)
}

// fakeStore mimics store.Client in memory. Durable calls can be held at a gate and
// made to fail; change events go to subscribers synchronously, like the real bus
// delivering before the call returns.
type fakeStore struct {
	mu    sync.Mutex
	clock time.Time
	convs map[string]models.Conversation
	msgs  map[string][]models.Message
	calls []string

	errs  map[string]error
	gates map[string]chan struct{}

	convSubs map[string][]subscription[models.ConversationEvent]
	dirSubs  map[string][]subscription[models.Conversation]
}

func newFakeStore(convs ...models.Conversation) *fakeStore {
	f := &fakeStore{
		clock:    base,
		convs:    make(map[string]models.Conversation),
		msgs:     make(map[string][]models.Message),
		errs:     make(map[string]error),
		gates:    make(map[string]chan struct{}),
		convSubs: make(map[string][]subscription[models.ConversationEvent]),
		dirSubs:  make(map[string][]subscription[models.Conversation]),
	}
	for _, c := range convs {
		f.convs[c.ID] = c
	}
	return f
}

func conversation(id string) models.Conversation {
	return models.Conversation{
		ID:           id,
		ParticipantA: student,
		ParticipantB: recruiter,
		Status:       models.StatusActive,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

func (f *fakeStore) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

// hold makes op block until the returned release is called.
func (f *fakeStore) hold(op string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, op)
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeStore) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	gate := f.gates[op]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[op]
}

func (f *fakeStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeStore) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) stored(id string) models.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[id]
}

// tick must be called with f.mu held.
func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func (f *fakeStore) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error) {
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Conversation
	for _, c := range f.convs {
		if c.IsParticipant(userID) && !c.DeletedFor(userID) && (includeArchived || c.Status != models.StatusArchived) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) LoadMessages(ctx context.Context, conversationID, userID string, _ store.Page) ([]models.Message, error) {
	if err := f.enter(ctx, "load"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.msgs[conversationID]...), nil
}

func (f *fakeStore) Send(ctx context.Context, req store.SendRequest) (models.Message, error) {
	if err := f.enter(ctx, "send"); err != nil {
		return models.Message{}, err
	}
	f.mu.Lock()
	conv := f.convs[req.ConversationID]
	id, _ := uuid.NewV7()
	msg := models.Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		Sender:         req.Sender,
		Receiver:       req.Receiver,
		Body:           req.Body,
		CreatedAt:      f.tick(),
	}
	f.msgs[conv.ID] = append(f.msgs[conv.ID], msg)
	at := msg.CreatedAt
	conv.LastMessageAt = &at
	conv.LastMessagePreview = models.Preview(msg.Body)
	conv.SetUnread(req.Receiver.ID, conv.UnreadFor(req.Receiver.ID)+1)
	conv.DeletedByA, conv.DeletedByB, conv.DeletedAtA, conv.DeletedAtB = false, false, nil, nil
	conv.UpdatedAt = f.tick()
	f.convs[conv.ID] = conv
	f.mu.Unlock()

	f.publish(models.ConversationEvent{Type: models.EventMessageCreated, Message: &msg, Conversation: &conv})
	return msg, nil
}

func (f *fakeStore) DeleteConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	return f.setDeleted(ctx, "delete", conversationID, userID, true)
}

func (f *fakeStore) RestoreConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	return f.setDeleted(ctx, "restore", conversationID, userID, false)
}

func (f *fakeStore) setDeleted(ctx context.Context, op, conversationID, userID string, deleted bool) (models.Conversation, error) {
	if err := f.enter(ctx, op); err != nil {
		return models.Conversation{}, err
	}
	f.mu.Lock()
	conv, ok := f.convs[conversationID]
	if !ok {
		f.mu.Unlock()
		return models.Conversation{}, &models.ConflictError{Op: op, Reason: "conversation no longer exists"}
	}
	conv.SetDeleted(userID, deleted, f.tick())
	conv.UpdatedAt = f.tick()
	f.convs[conversationID] = conv
	f.mu.Unlock()
	f.publishDirectory(conv)
	return conv, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, conversationID, readerID string) (models.ReadReceipt, error) {
	if err := f.enter(ctx, "mark_read"); err != nil {
		return models.ReadReceipt{}, err
	}
	f.mu.Lock()
	at := f.tick()
	var ids []string
	for i := range f.msgs[conversationID] {
		m := &f.msgs[conversationID][i]
		if m.Receiver.ID == readerID && !m.IsRead {
			m.MarkRead(at)
			ids = append(ids, m.ID)
		}
	}
	conv := f.convs[conversationID]
	conv.SetUnread(readerID, 0)
	conv.UpdatedAt = f.tick()
	f.convs[conversationID] = conv
	f.mu.Unlock()

	receipt := models.ReadReceipt{ConversationID: conversationID, ReaderID: readerID, MessageIDs: ids, ReadAt: at}
	if len(ids) > 0 {
		f.publish(models.ConversationEvent{Type: models.EventMessagesRead, Receipt: &receipt, Conversation: &conv})
	} else {
		f.publishDirectory(conv)
	}
	return receipt, nil
}

func (f *fakeStore) SubscribeConversation(ctx context.Context, conversationID string, handler func(models.ConversationEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convSubs[conversationID] = append(f.convSubs[conversationID], subscription[models.ConversationEvent]{ctx: ctx, fn: handler})
	return nil
}

func (f *fakeStore) SubscribeDirectory(ctx context.Context, userID string, handler func(models.Conversation)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirSubs[userID] = append(f.dirSubs[userID], subscription[models.Conversation]{ctx: ctx, fn: handler})
	return nil
}

// liveConversationSubs counts subscriptions whose context is still open.
func (f *fakeStore) liveConversationSubs(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.convSubs[conversationID] {
		if s.ctx.Err() == nil {
			n++
		}
	}
	return n
}

func (f *fakeStore) publish(ev models.ConversationEvent) {
	f.mu.Lock()
	var id string
	switch {
	case ev.Message != nil:
		id = ev.Message.ConversationID
	case ev.Receipt != nil:
		id = ev.Receipt.ConversationID
	}
	subs := append([]subscription[models.ConversationEvent](nil), f.convSubs[id]...)
	f.mu.Unlock()
	for _, s := range subs {
		if s.ctx.Err() == nil {
			s.fn(ev)
		}
	}
	if ev.Conversation != nil {
		f.publishDirectory(*ev.Conversation)
	}
}

func (f *fakeStore) publishDirectory(conv models.Conversation) {
	f.mu.Lock()
	var subs []subscription[models.Conversation]
	for _, p := range []models.Participant{conv.ParticipantA, conv.ParticipantB} {
		subs = append(subs, f.dirSubs[p.ID]...)
	}
	f.mu.Unlock()
	for _, s := range subs {
		if s.ctx.Err() == nil {
			s.fn(conv)
		}
	}
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// newEngine wires an engine for viewer to f's streams and loads the directory.
func newEngine(t *testing.T, f *fakeStore, viewer models.Participant, tune func(*EngineConfig)) (*Engine, *recorder) {
	t.Helper()
	cfg := EngineConfig{Viewer: viewer}
	if tune != nil {
		tune(&cfg)
	}
	rec := &recorder{}
	e := NewEngine(f, cfg, rec.emit)
	t.Cleanup(e.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.SubscribeDirectory(ctx, viewer.ID, func(c models.Conversation) { e.ApplyConversation(c) }))
	f.mu.Lock()
	ids := make([]string, 0, len(f.convs))
	for id := range f.convs {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		require.NoError(t, f.SubscribeConversation(ctx, id, e.ApplyEvent))
	}
	require.NoError(t, e.Refresh(context.Background()))
	return e, rec
}
