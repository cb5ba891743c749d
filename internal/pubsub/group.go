package pubsub

import "sync"

// Group keeps local listeners of typed changes per topic. The first listener of a
// topic opens one bus subscription that feeds onRemote, and the last release closes
// it. Owners apply remote messages in onRemote and call Emit for every change,
// local or remote, so each change is applied once per process.
type Group[T any] struct {
	scopes   *Scopes
	onRemote Handler

	// busMu orders bus acquire and release; onRemote must never take it.
	busMu    sync.Mutex
	releases map[string]func()

	mu        sync.Mutex
	listeners map[string]map[uint64]func(T)
	nextID    uint64
}

// NewGroup builds a Group over sub.
func NewGroup[T any](sub Subscriber, onRemote Handler) *Group[T] {
	return &Group[T]{
		scopes:    NewScopes(sub),
		onRemote:  onRemote,
		releases:  make(map[string]func()),
		listeners: make(map[string]map[uint64]func(T)),
	}
}

// Subscribe registers fn on topic. The returned release is idempotent.
func (g *Group[T]) Subscribe(topic string, fn func(T)) (func(), error) {
	g.busMu.Lock()
	defer g.busMu.Unlock()

	g.mu.Lock()
	if g.listeners[topic] == nil {
		g.listeners[topic] = make(map[uint64]func(T))
	}
	g.nextID++
	id := g.nextID
	g.listeners[topic][id] = fn
	first := len(g.listeners[topic]) == 1
	g.mu.Unlock()

	if first {
		release, err := g.scopes.Acquire(topic, g.onRemote)
		if err != nil {
			g.remove(topic, id)
			return nil, err
		}
		g.releases[topic] = release
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.unsubscribe(topic, id) })
	}, nil
}

// Emit delivers v to topic's local listeners synchronously.
func (g *Group[T]) Emit(topic string, v T) {
	g.mu.Lock()
	fns := make([]func(T), 0, len(g.listeners[topic]))
	for _, fn := range g.listeners[topic] {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Listening reports whether topic has local listeners.
func (g *Group[T]) Listening(topic string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.listeners[topic]) > 0
}

// Refs reports how many bus subscriptions back topic; it is 0 or 1.
func (g *Group[T]) Refs(topic string) int {
	return g.scopes.Refs(topic)
}

func (g *Group[T]) unsubscribe(topic string, id uint64) {
	g.busMu.Lock()
	defer g.busMu.Unlock()
	if !g.remove(topic, id) {
		return
	}
	if release, ok := g.releases[topic]; ok {
		release()
		delete(g.releases, topic)
	}
}

// remove reports whether topic has no listeners left.
func (g *Group[T]) remove(topic string, id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.listeners[topic], id)
	if len(g.listeners[topic]) == 0 {
		delete(g.listeners, topic)
		return true
	}
	return false
}
