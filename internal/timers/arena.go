// Package timers holds keyed one-shot timers with cancel-on-renew semantics.
package timers

import (
	"sync"
	"time"
)

// Arena owns at most one outstanding timer per key. Arming a key that already has a
// timer replaces it, so repeated renewals never stack callbacks.
type Arena[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
	gen     uint64
	stopped bool
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// NewArena creates an empty arena.
func NewArena[K comparable]() *Arena[K] {
	return &Arena[K]{entries: make(map[K]*entry)}
}

// Arm schedules fn to run after d for key, cancelling any timer already armed for key.
// fn runs on its own goroutine and is skipped if the key was re-armed or cancelled in
// the meantime.
func (a *Arena[K]) Arm(key K, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if e, ok := a.entries[key]; ok {
		e.timer.Stop()
	}
	a.gen++
	gen := a.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		cur, ok := a.entries[key]
		if !ok || cur.gen != gen {
			a.mu.Unlock()
			return
		}
		delete(a.entries, key)
		a.mu.Unlock()
		fn()
	})
	a.entries[key] = e
}

// Cancel stops key's timer. It reports whether a timer was outstanding.
func (a *Arena[K]) Cancel(key K) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(a.entries, key)
	return true
}

// Armed reports whether key has an outstanding timer.
func (a *Arena[K]) Armed(key K) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[key]
	return ok
}

// Len returns the number of outstanding timers.
func (a *Arena[K]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Stop cancels every timer. Later Arm calls are ignored.
func (a *Arena[K]) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, e := range a.entries {
		e.timer.Stop()
		delete(a.entries, key)
	}
	a.stopped = true
}
