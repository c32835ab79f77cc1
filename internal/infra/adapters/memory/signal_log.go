package memory

import (
	"context"
	"sync"

	"github.com/peercall/peercall/internal/signal"
)

// SignalLog is the in-memory durable log. Semantics mirror the postgres
// repository: idempotent insert by ID, newest-first lookup, room purge.
type SignalLog struct {
	mu   sync.Mutex
	msgs map[string][]signal.Message // keyed by room
}

func NewSignalLog() *SignalLog {
	return &SignalLog{msgs: make(map[string][]signal.Message)}
}

func (l *SignalLog) Insert(_ context.Context, msg signal.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.msgs[msg.RoomID] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	l.msgs[msg.RoomID] = append(l.msgs[msg.RoomID], msg)

	return nil
}

func (l *SignalLog) Latest(_ context.Context, roomID, receiverID string, t signal.Type) (*signal.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *signal.Message
	for i := range l.msgs[roomID] {
		msg := l.msgs[roomID][i]
		if msg.ReceiverID != receiverID || msg.Type != t {
			continue
		}
		if latest == nil || msg.CreatedAt.After(latest.CreatedAt) {
			latest = &msg
		}
	}

	return latest, nil
}

func (l *SignalLog) DeleteByRoom(_ context.Context, roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.msgs, roomID)

	return nil
}

// Len reports the number of stored signals for a room.
func (l *SignalLog) Len(roomID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.msgs[roomID])
}
