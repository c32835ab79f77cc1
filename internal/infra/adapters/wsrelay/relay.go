// Package wsrelay implements the broadcast substrate over a websocket
// connection to a signaling server. Frames are JSON envelopes routed by
// topic; one connection multiplexes every subscription of the process.
package wsrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/peercall/peercall/internal/application/constant"
	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/signal"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPublish     = "publish"
	actionMessage     = "message"
)

type frame struct {
	Action  string          `json:"action"`
	Topic   string          `json:"topic"`
	Message *signal.Message `json:"message,omitempty"`
}

type Relay struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	nextID   int
	handlers map[string]map[int]relay.Handler
}

// Dial connects to the signaling server and starts the read loop.
func Dial(ctx context.Context, url string) (*Relay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", relay.ErrUnavailable, url, err)
	}

	r := &Relay{
		conn:     conn,
		handlers: make(map[string]map[int]relay.Handler),
	}
	go r.readLoop()

	return r, nil
}

func (r *Relay) Publish(_ context.Context, topic string, msg signal.Message) error {
	return r.write(frame{Action: actionPublish, Topic: topic, Message: &msg})
}

func (r *Relay) Subscribe(_ context.Context, topic string, h relay.Handler) (relay.Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, relay.ErrUnavailable
	}
	r.nextID++
	id := r.nextID
	first := len(r.handlers[topic]) == 0
	if first {
		r.handlers[topic] = make(map[int]relay.Handler)
	}
	r.handlers[topic][id] = h
	r.mu.Unlock()

	if first {
		if err := r.write(frame{Action: actionSubscribe, Topic: topic}); err != nil {
			r.remove(topic, id)
			return nil, err
		}
	}

	return &subscription{relay: r, topic: topic, id: id}, nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.handlers = make(map[string]map[int]relay.Handler)
	r.mu.Unlock()

	return r.conn.Close()
}

func (r *Relay) write(f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: write %s frame: %w", relay.ErrUnavailable, f.Action, err)
	}
	return nil
}

func (r *Relay) readLoop() {
	for {
		var f frame
		if err := r.conn.ReadJSON(&f); err != nil {
			r.mu.Lock()
			closed := r.closed
			r.closed = true
			r.mu.Unlock()
			if !closed {
				slog.Warn("ws relay read loop terminated", slog.Any(constant.Error, err))
			}
			return
		}

		if f.Action != actionMessage || f.Message == nil {
			continue
		}

		r.mu.Lock()
		handlers := make([]relay.Handler, 0, len(r.handlers[f.Topic]))
		for _, h := range r.handlers[f.Topic] {
			handlers = append(handlers, h)
		}
		r.mu.Unlock()

		for _, h := range handlers {
			h(*f.Message)
		}
	}
}

func (r *Relay) remove(topic string, id int) {
	r.mu.Lock()
	delete(r.handlers[topic], id)
	last := len(r.handlers[topic]) == 0
	if last {
		delete(r.handlers, topic)
	}
	closed := r.closed
	r.mu.Unlock()

	if last && !closed {
		_ = r.write(frame{Action: actionUnsubscribe, Topic: topic})
	}
}

type subscription struct {
	relay *Relay
	topic string
	id    int
}

func (s *subscription) Close() error {
	s.relay.remove(s.topic, s.id)
	return nil
}
