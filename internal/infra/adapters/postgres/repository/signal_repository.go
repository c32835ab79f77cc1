package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/peercall/peercall/internal/signal"
)

// SignalRepository is the durable, room-scoped signal log. It is the source
// of truth for signaling: the broadcast channel is only a latency
// optimization on top of it.
type SignalRepository interface {
	Insert(ctx context.Context, msg signal.Message) error
	Latest(ctx context.Context, roomID, receiverID string, t signal.Type) (*signal.Message, error)
	DeleteByRoom(ctx context.Context, roomID string) error
}

type signalRepo struct {
	db *sqlx.DB
}

func NewSignalRepo(db *sqlx.DB) SignalRepository {
	return &signalRepo{db: db}
}

// Insert is idempotent by message ID: the initiator re-publishes the same
// offer on every retry tick.
func (r *signalRepo) Insert(ctx context.Context, msg signal.Message) error {
	query := `INSERT INTO call_signals (id, room_id, sender_id, receiver_id, type, payload, created_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7)
              ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.SenderID, msg.ReceiverID, msg.Type, []byte(msg.Payload), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}

	return nil
}

// Latest returns the most recent signal of the given type addressed to
// receiverID in the room, or nil when none exists.
func (r *signalRepo) Latest(ctx context.Context, roomID, receiverID string, t signal.Type) (*signal.Message, error) {
	var msg signal.Message

	query := `SELECT id, room_id, sender_id, receiver_id, type, payload, created_at
              FROM call_signals
              WHERE room_id = $1 AND receiver_id = $2 AND type = $3
              ORDER BY created_at DESC
              LIMIT 1`

	err := r.db.GetContext(ctx, &msg, query, roomID, receiverID, t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest %s signal: %w", t, err)
	}

	return &msg, nil
}

func (r *signalRepo) DeleteByRoom(ctx context.Context, roomID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM call_signals WHERE room_id = $1", roomID); err != nil {
		return fmt.Errorf("purge signals for room: %w", err)
	}

	return nil
}
