package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peercall/peercall/internal/infra/adapters/memory"
	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/signal"
)

// flakyStore fails the first `failures` inserts, then delegates to the
// in-memory log.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	inserts  int
	log      *memory.SignalLog
}

func (s *flakyStore) Insert(ctx context.Context, msg signal.Message) error {
	s.mu.Lock()
	s.inserts++
	fail := s.inserts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.log.Insert(ctx, msg)
}

func (s *flakyStore) Latest(ctx context.Context, roomID, receiverID string, t signal.Type) (*signal.Message, error) {
	return s.log.Latest(ctx, roomID, receiverID, t)
}

func (s *flakyStore) DeleteByRoom(ctx context.Context, roomID string) error {
	return s.log.DeleteByRoom(ctx, roomID)
}

type deadRelay struct{}

func (deadRelay) Publish(context.Context, string, signal.Message) error {
	return errors.New("broker gone")
}

func (deadRelay) Subscribe(context.Context, string, relay.Handler) (relay.Subscription, error) {
	return nil, errors.New("broker gone")
}

func mustSignal(t *testing.T, roomID, sender, receiver string, st signal.Type) signal.Message {
	t.Helper()
	msg, err := signal.New(roomID, sender, receiver, st, nil)
	if err != nil {
		t.Fatalf("new signal: %v", err)
	}
	return msg
}

func TestPublish_DurableWriteSurvivesBrokenRelay(t *testing.T) {
	log := memory.NewSignalLog()
	a := NewAdapter(deadRelay{}, log, 2, time.Millisecond)

	msg := mustSignal(t, "u1-u2", "u1", "u2", signal.TypeOffer)
	if err := a.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish with dead relay: %v", err)
	}

	got, err := log.Latest(context.Background(), "u1-u2", "u2", signal.TypeOffer)
	if err != nil || got == nil {
		t.Fatalf("durable copy missing: %v, %v", got, err)
	}
	if got.ID != msg.ID {
		t.Fatalf("stored wrong signal: %s", got.ID)
	}
}

func TestPublish_RetriesDurableWrite(t *testing.T) {
	store := &flakyStore{failures: 2, log: memory.NewSignalLog()}
	a := NewAdapter(memory.NewRelay(), store, 3, time.Millisecond)

	msg := mustSignal(t, "u1-u2", "u1", "u2", signal.TypeOffer)
	if err := a.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish should survive two transient failures: %v", err)
	}

	store.mu.Lock()
	inserts := store.inserts
	store.mu.Unlock()
	if inserts != 3 {
		t.Fatalf("inserts = %d, want 3", inserts)
	}
}

func TestPublish_UnavailableAfterMaxRetries(t *testing.T) {
	store := &flakyStore{failures: 10, log: memory.NewSignalLog()}
	a := NewAdapter(memory.NewRelay(), store, 2, time.Millisecond)

	msg := mustSignal(t, "u1-u2", "u1", "u2", signal.TypeOffer)
	if err := a.Publish(context.Background(), msg); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestSubscribe_FiltersByReceiver(t *testing.T) {
	bus := memory.NewRelay()
	a := NewAdapter(bus, memory.NewSignalLog(), 1, time.Millisecond)

	var mu sync.Mutex
	var got []signal.Message
	sub, err := a.Subscribe(context.Background(), "u1-u2", "u2", func(m signal.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	forMe := mustSignal(t, "u1-u2", "u1", "u2", signal.TypeOffer)
	forPeer := mustSignal(t, "u1-u2", "u2", "u1", signal.TypeAnswer)
	if err := a.Publish(context.Background(), forMe); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := a.Publish(context.Background(), forPeer); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != forMe.ID {
		t.Fatalf("handler saw %d messages, want only the one addressed to u2", len(got))
	}
}

func TestReconcile_ReturnsLatestOfType(t *testing.T) {
	log := memory.NewSignalLog()
	a := NewAdapter(memory.NewRelay(), log, 1, time.Millisecond)
	ctx := context.Background()

	first := mustSignal(t, "u1-u2", "u1", "u2", signal.TypeOffer)
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	second := mustSignal(t, "u1-u2", "u1", "u2", signal.TypeOffer)

	if err := log.Insert(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := log.Insert(ctx, second); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := a.Reconcile(ctx, "u1-u2", "u2", signal.TypeOffer)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got == nil || got.ID != second.ID {
		t.Fatalf("reconcile returned the stale signal")
	}
}

func TestReconcile_EmptyLogIsNil(t *testing.T) {
	a := NewAdapter(memory.NewRelay(), memory.NewSignalLog(), 1, time.Millisecond)

	got, err := a.Reconcile(context.Background(), "u1-u2", "u2", signal.TypeAnswer)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != nil {
		t.Fatalf("empty log returned %v", got)
	}
}

func TestPurge_ClearsRoomOnly(t *testing.T) {
	log := memory.NewSignalLog()
	a := NewAdapter(memory.NewRelay(), log, 1, time.Millisecond)
	ctx := context.Background()

	if err := log.Insert(ctx, mustSignal(t, "u1-u2", "u1", "u2", signal.TypeOffer)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := log.Insert(ctx, mustSignal(t, "u3-u4", "u3", "u4", signal.TypeOffer)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := a.Purge(ctx, "u1-u2"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if log.Len("u1-u2") != 0 {
		t.Fatalf("purged room still holds signals")
	}
	if log.Len("u3-u4") != 1 {
		t.Fatalf("purge leaked into another room")
	}
}
