// Package transport is the signal transport adapter. Every outbound signal
// is written to the durable log first and then broadcast on the ephemeral
// channel; reconciliation reads the log to close the subscribe-after-publish
// race. Both delivery paths feed the same idempotent intake on the session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/peercall/peercall/internal/application/constant"
	"github.com/peercall/peercall/internal/application/metric"
	"github.com/peercall/peercall/internal/infra/adapters/postgres/repository"
	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/signal"
)

// ErrUnavailable is returned when the durable log rejects a signal even
// after bounded retries. The session surfaces it as a failed negotiation.
var ErrUnavailable = errors.New("transport: unavailable")

type Adapter struct {
	relay relay.Relay
	store repository.SignalRepository

	maxRetries uint64
	backoff    time.Duration
}

func NewAdapter(r relay.Relay, store repository.SignalRepository, maxRetries uint64, backoff time.Duration) *Adapter {
	return &Adapter{
		relay:      r,
		store:      store,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Publish persists msg and broadcasts it. The durable write is the source
// of truth and is retried on a constant backoff; the broadcast is
// best-effort and its failure is only logged.
func (a *Adapter) Publish(ctx context.Context, msg signal.Message) error {
	err := retry.Do(ctx, retry.WithMaxRetries(a.maxRetries, retry.NewConstant(a.backoff)), func(ctx context.Context) error {
		if err := a.store.Insert(ctx, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: persist %s signal: %w", ErrUnavailable, msg.Type, err)
	}

	if err := a.relay.Publish(ctx, signal.Topic(msg.RoomID), msg); err != nil {
		slog.Warn("broadcast failed, durable copy remains",
			slog.String(constant.RoomID, msg.RoomID),
			slog.String(constant.SigType, string(msg.Type)),
			slog.Any(constant.Error, err),
		)
	}

	metric.SignalPublished(string(msg.Type))

	return nil
}

// Subscribe attaches h to the room's broadcast topic, filtered to messages
// addressed to receiverID.
func (a *Adapter) Subscribe(ctx context.Context, roomID, receiverID string, h relay.Handler) (relay.Subscription, error) {
	sub, err := a.relay.Subscribe(ctx, signal.Topic(roomID), func(msg signal.Message) {
		if msg.RoomID != roomID || msg.ReceiverID != receiverID {
			return
		}
		h(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe room %s: %w", ErrUnavailable, roomID, err)
	}

	return sub, nil
}

// Reconcile returns the most recent signal of type t addressed to
// receiverID from the durable log, or nil when the log holds none. The
// caller feeds the result through the same intake as a live broadcast.
func (a *Adapter) Reconcile(ctx context.Context, roomID, receiverID string, t signal.Type) (*signal.Message, error) {
	msg, err := a.store.Latest(ctx, roomID, receiverID, t)
	if err != nil {
		return nil, fmt.Errorf("%w: reconcile room %s: %w", ErrUnavailable, roomID, err)
	}

	return msg, nil
}

// Purge removes every durable signal for the room. Called at session start
// (stale state from a previous attempt) and at session end.
func (a *Adapter) Purge(ctx context.Context, roomID string) error {
	if err := a.store.DeleteByRoom(ctx, roomID); err != nil {
		return fmt.Errorf("%w: purge room %s: %w", ErrUnavailable, roomID, err)
	}

	return nil
}
