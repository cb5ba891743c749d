package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"messaging-service/internal/models"
)

// MutationKind is the entry point that started a mutation.
type MutationKind string

const (
	KindSend     MutationKind = "send"
	KindDelete   MutationKind = "delete"
	KindRestore  MutationKind = "restore"
	KindMarkRead MutationKind = "mark_read"
)

// MutationStatus is a state of the pending mutation machine.
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusConfirmed  MutationStatus = "confirmed"
	StatusFailed     MutationStatus = "failed"
	StatusRolledBack MutationStatus = "rolled_back"
)

// ErrInvalidTransition is returned for any edge outside
// pending→confirmed and pending→failed→rolled_back.
var ErrInvalidTransition = errors.New("invalid mutation transition")

var transitions = map[MutationStatus]MutationStatus{
	StatusFailed:     StatusPending,
	StatusConfirmed:  StatusPending,
	StatusRolledBack: StatusFailed,
}

// Mutation is one optimistic change awaiting the store.
type Mutation struct {
	ID        string
	Kind      MutationKind
	TargetID  string
	Status    MutationStatus
	StartedAt time.Time

	// snapshot is the directory entry before the optimistic change and rev the
	// entry revision the change produced. Rollback only applies while rev is current.
	snapshot models.Conversation
	hadEntry bool
	rev      uint64

	tempID string
	draft  string
	unread int
}

func (m *Mutation) transition(to MutationStatus) error {
	from, ok := transitions[to]
	if !ok || m.Status != from {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m.Kind, m.Status, to)
	}
	m.Status = to
	return nil
}

func (m *Mutation) info() *MutationInfo {
	return &MutationInfo{ID: m.ID, Kind: m.Kind, TargetID: m.TargetID, Status: m.Status, Draft: m.draft}
}

type settlement[T any] struct {
	value T
	err   error
}

// launch runs call on a context detached from the caller, bounded by the durable
// timeout. Calls sharing a non-empty serial key run one at a time in launch order.
func launch[T any](ctx context.Context, e *Engine, serialKey string, call func(context.Context) (T, error)) <-chan settlement[T] {
	out := make(chan settlement[T], 1)
	prev, finish := e.enqueue(serialKey)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DurableTimeout)
	go func() {
		defer cancel()
		defer finish()
		if prev != nil {
			<-prev
		}
		v, err := call(dctx)
		out <- settlement[T]{value: v, err: err}
	}()
	return out
}

// await waits for done under the mutation timeout. On timeout it runs expire and
// later hands the durable outcome to late. If ctx ends first the wait moves to the
// background unchanged and ctx.Err() is returned.
func await[T any](ctx context.Context, timeout time.Duration, done <-chan settlement[T],
	settle func(settlement[T]) error, expire func(), late func(settlement[T])) error {
	timer := time.NewTimer(timeout)
	select {
	case s := <-done:
		timer.Stop()
		return settle(s)
	case <-timer.C:
		expire()
		go func() { late(<-done) }()
		return models.ErrMutationTimeout
	case <-ctx.Done():
		go func() {
			select {
			case s := <-done:
				timer.Stop()
				_ = settle(s)
			case <-timer.C:
				expire()
				late(<-done)
			}
		}()
		return ctx.Err()
	}
}
