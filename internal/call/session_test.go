package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peercall/peercall/internal/infra/adapters/memory"
	"github.com/peercall/peercall/internal/media"
	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/signal"
	"github.com/peercall/peercall/internal/transport"
)

type callEnv struct {
	bus     *memory.Relay
	log     *memory.SignalLog
	adapter *transport.Adapter
}

func newCallEnv() *callEnv {
	bus := memory.NewRelay()
	log := memory.NewSignalLog()

	return &callEnv{
		bus:     bus,
		log:     log,
		adapter: transport.NewAdapter(bus, log, 2, time.Millisecond),
	}
}

func (e *callEnv) manager(id string, engines EngineFactory) *Manager {
	return e.managerWith(id, engines, 30*time.Millisecond, 2*time.Second)
}

func (e *callEnv) managerWith(id string, engines EngineFactory, interval, timeout time.Duration) *Manager {
	return NewManager(id, e.adapter, e.bus, engines, interval, timeout)
}

func singleEngine(eng *fakeEngine) EngineFactory {
	return func() (media.Engine, error) { return eng, nil }
}

// spy records every message broadcast for a room, unfiltered.
type spy struct {
	mu   sync.Mutex
	msgs []signal.Message
}

func (s *spy) attach(t *testing.T, bus *memory.Relay, roomID string) {
	t.Helper()
	_, err := bus.Subscribe(context.Background(), signal.Topic(roomID), func(m signal.Message) {
		s.mu.Lock()
		s.msgs = append(s.msgs, m)
		s.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("attach spy: %v", err)
	}
}

func (s *spy) count(t signal.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (s *spy) first(t signal.Type) (signal.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.Type == t {
			return m, true
		}
	}
	return signal.Message{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// mutedRelay drops every broadcast: only the durable log carries signals.
type mutedRelay struct{ relay.Relay }

func (mutedRelay) Publish(context.Context, string, signal.Message) error { return nil }

// Happy path: offer published before the responder subscribes; the
// responder reconciles it from the durable log, answers, and both sides
// reach Negotiating with the retry scheduler cancelled.
func TestCall_OfferAnswerFlow(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA, engB := newFakeEngine(), newFakeEngine()

	room := signal.RoomID("u1", "u2")
	watch := &spy{}
	watch.attach(t, env.bus, room)

	caller := env.manager("u1", singleEngine(engA))
	callee := env.manager("u2", singleEngine(engB))

	sessA, err := caller.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "initiator in Initiating", func() bool { return sessA.State() == StateInitiating })

	sessB, err := callee.Accept(ctx, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, "responder in Negotiating", func() bool { return sessB.State() == StateNegotiating })
	waitFor(t, "initiator in Negotiating", func() bool { return sessA.State() == StateNegotiating })

	// Retry cessation: the answered offer is never re-published.
	offers := watch.count(signal.TypeOffer)
	time.Sleep(120 * time.Millisecond)
	if got := watch.count(signal.TypeOffer); got != offers {
		t.Fatalf("offer re-published after answer: %d -> %d", offers, got)
	}

	engA.emitPath(media.PathConnected)
	engB.emitPath(media.PathConnected)

	waitFor(t, "both sides connected", func() bool {
		return sessA.State() == StateConnected && sessB.State() == StateConnected
	})
	if sessA.ConnectedAt().IsZero() {
		t.Fatalf("connectedAt not recorded")
	}
}

// Accept-before-dial: here the broadcast channel, not reconciliation,
// carries the offer.
func TestCall_AcceptBeforeDial(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA, engB := newFakeEngine(), newFakeEngine()

	callee := env.manager("u2", singleEngine(engB))
	sessB, err := callee.Accept(ctx, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if sessB.State() != StateAwaitingOffer {
		t.Fatalf("responder state = %s, want awaiting-offer", sessB.State())
	}

	caller := env.manager("u1", singleEngine(engA))
	sessA, err := caller.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, "responder in Negotiating", func() bool { return sessB.State() == StateNegotiating })
	waitFor(t, "initiator in Negotiating", func() bool { return sessA.State() == StateNegotiating })
}

// Race handling: with the broadcast channel delivering nothing, the
// durable log alone must drive the responder to Negotiating.
func TestCall_ReconcileAloneClosesSubscribeRace(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewRelay()
	log := memory.NewSignalLog()
	adapter := transport.NewAdapter(mutedRelay{bus}, log, 2, time.Millisecond)

	engA, engB := newFakeEngine(), newFakeEngine()
	caller := NewManager("u1", adapter, mutedRelay{bus}, singleEngine(engA), 30*time.Millisecond, 2*time.Second)
	callee := NewManager("u2", adapter, mutedRelay{bus}, singleEngine(engB), 30*time.Millisecond, 2*time.Second)

	if _, err := caller.Dial(ctx, "u2"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	sessB, err := callee.Accept(ctx, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, "responder negotiating from durable log only", func() bool {
		return sessB.State() == StateNegotiating
	})
}

// Unanswered call: no answer ever arrives; the same offer is re-emitted on the
// fixed interval and the session fails once the window closes.
func TestCall_RetryRepublishesSameOfferThenFails(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA := newFakeEngine()

	room := signal.RoomID("u1", "u2")
	watch := &spy{}
	watch.attach(t, env.bus, room)

	caller := env.managerWith("u1", singleEngine(engA), 25*time.Millisecond, 150*time.Millisecond)

	sessA, err := caller.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, "session failed on timeout", func() bool { return sessA.State() == StateFailed })

	if got := watch.count(signal.TypeOffer); got < 3 {
		t.Fatalf("expected the offer plus at least two retransmissions, got %d", got)
	}

	// Every retransmission is the same outstanding offer, not a new one.
	first, _ := watch.first(signal.TypeOffer)
	watch.mu.Lock()
	for _, m := range watch.msgs {
		if m.Type == signal.TypeOffer && m.ID != first.ID {
			watch.mu.Unlock()
			t.Fatalf("retry created a fresh offer: %s vs %s", m.ID, first.ID)
		}
	}
	watch.mu.Unlock()

	if !engA.isClosed() {
		t.Fatalf("media engine not released on failure")
	}
}

// The same offer delivered twice (broadcast + reconciliation
// overlap) is applied exactly once and never surfaces a duplicate
// negotiation to the engine.
func TestCall_DuplicateDeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA, engB := newFakeEngine(), newFakeEngine()

	room := signal.RoomID("u1", "u2")
	watch := &spy{}
	watch.attach(t, env.bus, room)

	caller := env.manager("u1", singleEngine(engA))
	callee := env.manager("u2", singleEngine(engB))

	if _, err := caller.Dial(ctx, "u2"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	sessB, err := callee.Accept(ctx, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, "responder negotiating", func() bool { return sessB.State() == StateNegotiating })

	offer, ok := watch.first(signal.TypeOffer)
	if !ok {
		t.Fatalf("no offer observed")
	}

	// Re-deliver the applied offer as a reconciliation overlap would.
	sessB.enqueue(evtSignal{msg: offer})

	time.Sleep(50 * time.Millisecond)
	if sessB.State() != StateNegotiating {
		t.Fatalf("duplicate delivery changed state to %s", sessB.State())
	}
	if engB.remoteCount() != 1 {
		t.Fatalf("duplicate offer reached the engine %d times", engB.remoteCount())
	}
	if got := watch.count(signal.TypeAnswer); got != 1 {
		t.Fatalf("duplicate delivery produced another answer: %d", got)
	}
}

// Either side hanging up mid-negotiation ends both sessions
// and leaves the durable log for the room empty.
func TestCall_EndCallTearsDownBothSides(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA, engB := newFakeEngine(), newFakeEngine()

	caller := env.manager("u1", singleEngine(engA))
	callee := env.manager("u2", singleEngine(engB))

	sessA, err := caller.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sessB, err := callee.Accept(ctx, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, "negotiating", func() bool {
		return sessA.State() == StateNegotiating && sessB.State() == StateNegotiating
	})

	sessA.Hangup()

	waitFor(t, "both sessions ended", func() bool {
		return sessA.State() == StateEnded && sessB.State() == StateEnded
	})

	if !engA.isClosed() || !engB.isClosed() {
		t.Fatalf("media engines not released")
	}
	room := signal.RoomID("u1", "u2")
	waitFor(t, "durable log purged", func() bool { return env.log.Len(room) == 0 })
}

// Symmetric initiation: both sides dial each other; the smaller ID keeps
// the initiator role, the other downgrades and answers.
func TestCall_SymmetricInitiationTieBreak(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA, engB := newFakeEngine(), newFakeEngine()

	caller1 := env.managerWith("u1", singleEngine(engA), 25*time.Millisecond, 2*time.Second)
	caller2 := env.managerWith("u2", singleEngine(engB), 25*time.Millisecond, 2*time.Second)

	sessA, err := caller1.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial from u1: %v", err)
	}
	sessB, err := caller2.Dial(ctx, "u1")
	if err != nil {
		t.Fatalf("dial from u2: %v", err)
	}

	waitFor(t, "both sides negotiating", func() bool {
		return sessA.State() == StateNegotiating && sessB.State() == StateNegotiating
	})

	if sessA.Role() != RoleInitiator {
		t.Fatalf("u1 (smaller id) lost the initiator role")
	}
	if sessB.Role() != RoleResponder {
		t.Fatalf("u2 did not downgrade to responder")
	}

	// The yielding side must roll back its own pending offer before it can
	// apply the remote one; the winner never rolls back.
	if engB.rollbackCount() != 1 {
		t.Fatalf("downgraded side rolled back %d times, want 1", engB.rollbackCount())
	}
	if engA.rollbackCount() != 0 {
		t.Fatalf("winning side rolled back its offer")
	}
}

// instantAnswerRelay answers an offer synchronously inside the publishing
// call, twice, before Publish returns: the tightest possible race between
// the initiator's start sequence and the responder, plus a broadcast
// duplicate.
type instantAnswerRelay struct {
	relay.Relay
}

func (r *instantAnswerRelay) Publish(ctx context.Context, topic string, msg signal.Message) error {
	if err := r.Relay.Publish(ctx, topic, msg); err != nil {
		return err
	}
	if msg.Type != signal.TypeOffer {
		return nil
	}

	ans, err := signal.New(msg.RoomID, msg.ReceiverID, msg.SenderID, signal.TypeAnswer,
		media.Description{Type: "answer", SDP: "v=0 instant"})
	if err != nil {
		return err
	}
	_ = r.Relay.Publish(ctx, topic, ans)
	_ = r.Relay.Publish(ctx, topic, ans)

	return nil
}

func TestCall_AnswerArrivingDuringOfferPublishIsApplied(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewRelay()
	rl := &instantAnswerRelay{Relay: bus}
	adapter := transport.NewAdapter(rl, memory.NewSignalLog(), 2, time.Millisecond)

	engA := newFakeEngine()
	caller := NewManager("u1", adapter, rl, singleEngine(engA), 30*time.Millisecond, 2*time.Second)

	sessA, err := caller.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, "initiator negotiating from an instant answer", func() bool {
		return sessA.State() == StateNegotiating
	})
	if engA.remoteCount() != 1 {
		t.Fatalf("answer reached the engine %d times, want 1", engA.remoteCount())
	}
}

// An answer the session could not apply must stay unseen, or its
// re-delivery through the durable log could never land.
func TestSession_UnappliedAnswerStaysUnseen(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	eng := newFakeEngine()

	sess := newSession(sessionConfig{
		roomID:    signal.RoomID("u1", "u2"),
		localID:   "u1",
		remoteID:  "u2",
		role:      RoleInitiator,
		transport: env.adapter,
		engine:    eng,
		interval:  time.Hour,
		timeout:   time.Hour,
	})

	ans, err := signal.New(sess.roomID, "u2", "u1", signal.TypeAnswer,
		media.Description{Type: "answer", SDP: "v=0 early"})
	if err != nil {
		t.Fatalf("new answer: %v", err)
	}

	// Too early: no offer out yet, the session is still idle.
	sess.handleSignal(ans)
	if _, dup := sess.seen[ans.ID]; dup {
		t.Fatalf("unapplied answer marked seen")
	}
	if sess.neg.RemoteApplied() {
		t.Fatalf("answer applied before the offer existed")
	}

	// Once the offer is outstanding, the very same delivery applies.
	if _, err := sess.prepareOffer(ctx); err != nil {
		t.Fatalf("prepare offer: %v", err)
	}
	sess.setState(StateInitiating)

	sess.handleSignal(ans)
	if !sess.neg.RemoteApplied() {
		t.Fatalf("re-delivered answer not applied")
	}
	if sess.State() != StateNegotiating {
		t.Fatalf("state = %s, want negotiating", sess.State())
	}
	if _, dup := sess.seen[ans.ID]; !dup {
		t.Fatalf("applied answer not marked seen")
	}
}

// A hangup persisted before the responder attached must end the session
// through the durable log alone.
func TestCall_ResponderReconcilesRemoteHangup(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewRelay()
	log := memory.NewSignalLog()
	adapter := transport.NewAdapter(mutedRelay{bus}, log, 2, time.Millisecond)

	room := signal.RoomID("u1", "u2")
	end, err := signal.New(room, "u1", "u2", signal.TypeEndCall, nil)
	if err != nil {
		t.Fatalf("new end-call: %v", err)
	}
	if err := log.Insert(ctx, end); err != nil {
		t.Fatalf("insert end-call: %v", err)
	}

	eng := newFakeEngine()
	callee := NewManager("u2", adapter, mutedRelay{bus}, singleEngine(eng), 30*time.Millisecond, 2*time.Second)

	sessB, err := callee.Accept(ctx, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, "session ended from durable end-call", func() bool {
		return sessB.State() == StateEnded
	})
	if !eng.isClosed() {
		t.Fatalf("engine not released")
	}
}

// Candidate exchange end to end, including buffering on the side that has
// not applied a remote description yet.
func TestCall_CandidateExchange(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA, engB := newFakeEngine(), newFakeEngine()

	caller := env.manager("u1", singleEngine(engA))
	callee := env.manager("u2", singleEngine(engB))

	sessA, err := caller.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sessB, err := callee.Accept(ctx, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, "negotiating", func() bool {
		return sessA.State() == StateNegotiating && sessB.State() == StateNegotiating
	})

	engA.emitCandidate(media.Candidate{Candidate: "candidate-a"})
	engB.emitCandidate(media.Candidate{Candidate: "candidate-b"})

	waitFor(t, "candidates crossed", func() bool {
		gotB := false
		for _, c := range engB.appliedCandidates() {
			if c.Candidate == "candidate-a" {
				gotB = true
			}
		}
		gotA := false
		for _, c := range engA.appliedCandidates() {
			if c.Candidate == "candidate-b" {
				gotA = true
			}
		}
		return gotA && gotB
	})
}

func TestCall_MediaPathFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	env := newCallEnv()
	engA := newFakeEngine()

	caller := env.manager("u1", singleEngine(engA))

	sessA, err := caller.Dial(ctx, "u2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "initiating", func() bool { return sessA.State() == StateInitiating })

	engA.emitPath(media.PathFailed)

	waitFor(t, "failed on path loss", func() bool { return sessA.State() == StateFailed })
	if !engA.isClosed() {
		t.Fatalf("engine not released")
	}
}
