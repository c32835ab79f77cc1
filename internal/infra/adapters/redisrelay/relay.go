// Package redisrelay implements the broadcast substrate on Redis pub/sub.
package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/peercall/peercall/internal/application/constant"
	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/signal"
)

type Relay struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Relay{client: client}, nil
}

func (r *Relay) Publish(ctx context.Context, topic string, msg signal.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	if err := r.client.Publish(ctx, topic, raw).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", relay.ErrUnavailable, topic, err)
	}

	return nil
}

func (r *Relay) Subscribe(ctx context.Context, topic string, h relay.Handler) (relay.Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)

	// Receive forces the SUBSCRIBE round trip so a following publish from the
	// same process cannot outrun the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe to %s: %w", relay.ErrUnavailable, topic, err)
	}

	go func() {
		for m := range ps.Channel() {
			var msg signal.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("drop malformed broadcast", slog.String(constant.Topic, topic), slog.Any(constant.Error, err))
				continue
			}
			h(msg)
		}
	}()

	return ps, nil
}

func (r *Relay) Close() error {
	return r.client.Close()
}
