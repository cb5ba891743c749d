package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
)

func TestMutationTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  MutationStatus
		to    MutationStatus
		valid bool
	}{
		{"confirm", StatusPending, StatusConfirmed, true},
		{"fail", StatusPending, StatusFailed, true},
		{"roll back", StatusFailed, StatusRolledBack, true},
		{"roll back pending", StatusPending, StatusRolledBack, false},
		{"confirm twice", StatusConfirmed, StatusConfirmed, false},
		{"fail confirmed", StatusConfirmed, StatusFailed, false},
		{"revive", StatusRolledBack, StatusPending, false},
		{"confirm failed", StatusFailed, StatusConfirmed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Mutation{Kind: KindSend, Status: tt.from}
			err := m.transition(tt.to)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, tt.to, m.Status)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, m.Status)
		})
	}
}

func TestSettleIgnoresInvalidTransition(t *testing.T) {
	e := NewEngine(newFakeStore(), EngineConfig{Viewer: student}, nil)
	m := &Mutation{ID: "m1", Kind: KindDelete, Status: StatusConfirmed}

	e.mu.Lock()
	ok := e.settle(m, StatusRolledBack)
	e.mu.Unlock()
	assert.False(t, ok)
	assert.Equal(t, StatusConfirmed, m.Status)
}

func TestAwaitTimeoutHandsLateOutcomeOver(t *testing.T) {
	done := make(chan settlement[int], 1)
	expired := make(chan struct{})
	late := make(chan settlement[int], 1)

	err := await(context.Background(), 10*time.Millisecond, done,
		func(settlement[int]) error { t.Fatal("settle must not run after a timeout"); return nil },
		func() { close(expired) },
		func(s settlement[int]) { late <- s },
	)
	require.ErrorIs(t, err, models.ErrMutationTimeout)
	<-expired

	done <- settlement[int]{value: 7}
	select {
	case s := <-late:
		assert.Equal(t, 7, s.value)
	case <-time.After(time.Second):
		t.Fatal("late outcome was not delivered")
	}
}

func TestAwaitTimeoutReturnsWhileCallIsStillRunning(t *testing.T) {
	done := make(chan settlement[int])
	returned := make(chan error, 1)
	go func() {
		returned <- await(context.Background(), 10*time.Millisecond, done,
			func(settlement[int]) error { return nil },
			func() {},
			func(settlement[int]) {},
		)
	}()

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, models.ErrMutationTimeout)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("await must return at its timeout, not when the call settles")
	}
	close(done)
}

func TestLaunchSerializesByKey(t *testing.T) {
	e := NewEngine(newFakeStore(), EngineConfig{Viewer: student}, nil)
	gate := make(chan struct{})
	order := make(chan string, 3)

	first := launch(context.Background(), e, "c1", func(context.Context) (string, error) {
		<-gate
		order <- "first"
		return "first", nil
	})
	second := launch(context.Background(), e, "c1", func(context.Context) (string, error) {
		order <- "second"
		return "second", nil
	})
	other := launch(context.Background(), e, "c2", func(context.Context) (string, error) {
		order <- "other"
		return "", errors.New("boom")
	})

	assert.Error(t, (<-other).err, "other keys do not wait")
	close(gate)
	assert.Equal(t, "first", (<-first).value)
	assert.Equal(t, "second", (<-second).value)
	assert.Equal(t, "other", <-order)
	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}
