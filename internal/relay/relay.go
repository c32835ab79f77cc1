// Package relay abstracts the best-effort publish/subscribe transport that
// carries signaling between two clients with no direct channel. Delivery is
// at-most-once and reaches only currently-subscribed listeners; the durable
// log (internal/transport) is the reliable fallback.
package relay

import (
	"context"
	"errors"

	"github.com/peercall/peercall/internal/signal"
)

// ErrUnavailable is returned when the underlying substrate cannot accept a
// publish or a subscription.
var ErrUnavailable = errors.New("relay: unavailable")

// Handler receives one broadcast message. Handlers must not block; heavy
// work belongs on the session's own event loop.
type Handler func(msg signal.Message)

// Subscription is an active topic attachment.
type Subscription interface {
	Close() error
}

// Relay is the broadcast substrate.
type Relay interface {
	Publish(ctx context.Context, topic string, msg signal.Message) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}
