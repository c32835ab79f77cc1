// Package memory holds in-process implementations of the relay and the
// durable log, used by tests and by single-process deployments where both
// participants run in one agent.
package memory

import (
	"context"
	"sync"

	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/signal"
)

// Relay is an in-process broadcast bus. Delivery is synchronous and
// at-most-once: only handlers subscribed at publish time see a message.
type Relay struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]relay.Handler
}

func NewRelay() *Relay {
	return &Relay{handlers: make(map[string]map[int]relay.Handler)}
}

func (r *Relay) Publish(_ context.Context, topic string, msg signal.Message) error {
	r.mu.RLock()
	handlers := make([]relay.Handler, 0, len(r.handlers[topic]))
	for _, h := range r.handlers[topic] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}

	return nil
}

func (r *Relay) Subscribe(_ context.Context, topic string, h relay.Handler) (relay.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	if r.handlers[topic] == nil {
		r.handlers[topic] = make(map[int]relay.Handler)
	}
	r.handlers[topic][r.nextID] = h

	return &subscription{relay: r, topic: topic, id: r.nextID}, nil
}

type subscription struct {
	relay *Relay
	topic string
	id    int
}

func (s *subscription) Close() error {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()

	delete(s.relay.handlers[s.topic], s.id)
	if len(s.relay.handlers[s.topic]) == 0 {
		delete(s.relay.handlers, s.topic)
	}

	return nil
}
