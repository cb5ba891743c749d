package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// Scopes multiplexes many local listeners onto one bus subscription per topic.
// The first Acquire for a topic opens the subscription and the last release closes it.
type Scopes struct {
	sub    Subscriber
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]*scope
	nextID uint64
}

type scope struct {
	ctx       context.Context
	cancel    context.CancelFunc
	listeners map[uint64]Handler
}

// NewScopes builds a registry over sub.
func NewScopes(sub Subscriber) *Scopes {
	return &Scopes{
		sub:    sub,
		logger: slog.Default().With("component", "pubsub.scopes"),
		scopes: make(map[string]*scope),
	}
}

// Acquire registers handler on topic. The returned release is idempotent.
func (s *Scopes) Acquire(topic string, handler Handler) (func(), error) {
	s.mu.Lock()
	sc, exists := s.scopes[topic]
	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		sc = &scope{ctx: ctx, cancel: cancel, listeners: make(map[uint64]Handler)}
		s.scopes[topic] = sc
	}
	s.nextID++
	id := s.nextID
	sc.listeners[id] = handler
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { s.release(topic, id) })
	}

	if !exists {
		// The bus may block Subscribe behind in-flight deliveries, which take s.mu.
		if err := s.sub.Subscribe(sc.ctx, topic, s.dispatch(sc)); err != nil {
			s.mu.Lock()
			if s.scopes[topic] == sc {
				delete(s.scopes, topic)
			}
			s.mu.Unlock()
			sc.cancel()
			return nil, err
		}
		s.logger.Debug("scope opened", "topic", topic)
	}
	return release, nil
}

// Refs returns how many listeners hold topic.
func (s *Scopes) Refs(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scopes[topic]; ok {
		return len(sc.listeners)
	}
	return 0
}

func (s *Scopes) release(topic string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[topic]
	if !ok {
		return
	}
	if _, held := sc.listeners[id]; !held {
		return
	}
	delete(sc.listeners, id)
	if len(sc.listeners) == 0 {
		sc.cancel()
		delete(s.scopes, topic)
		s.logger.Debug("scope closed", "topic", topic)
	}
}

func (s *Scopes) dispatch(sc *scope) Handler {
	return func(ctx context.Context, msg Message) error {
		s.mu.Lock()
		handlers := make([]Handler, 0, len(sc.listeners))
		for _, h := range sc.listeners {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()

		for _, h := range handlers {
			if err := h(ctx, msg); err != nil {
				s.logger.Warn("scope listener failed", "topic", msg.Topic, "error", err)
			}
		}
		return nil
	}
}
