package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peercall/peercall/internal/application/constant"
	"github.com/peercall/peercall/internal/application/metric"
	"github.com/peercall/peercall/internal/media"
	"github.com/peercall/peercall/internal/relay"
	"github.com/peercall/peercall/internal/signal"
	"github.com/peercall/peercall/internal/transport"
)

// Teardown outcomes, reported to metrics and the onEnded hook.
const (
	OutcomeConnectedEnd = "remote-ended"
	OutcomeLocalHangup  = "local-hangup"
	OutcomeRejected     = "rejected"
	OutcomeTimeout      = "timeout"
	OutcomeMediaFailed  = "media-failed"
	OutcomePathLost     = "path-lost"
	OutcomeTransport    = "transport-failed"
	OutcomeReplaced     = "replaced"
)

// Session loop events. Every inbound signal, scheduler tick, local
// candidate, media state change and hangup request becomes one of these and
// is consumed by a single goroutine: the serialized transition function.
type (
	evtSignal         struct{ msg signal.Message }
	evtLocalCandidate struct{ c media.Candidate }
	evtPathState      struct{ state media.PathState }
	evtRetryTick      struct{}
	evtRetryExpired   struct{}
	evtHangup         struct{ outcome string }
)

// Session is one call attempt with one remote participant. It owns the
// broadcast subscription, the media engine and the retry scheduler, and
// releases all three exactly once on every exit path.
type Session struct {
	roomID   string
	localID  string
	remoteID string

	tr     *transport.Adapter
	engine media.Engine
	neg    *negotiator
	sched  *retryScheduler

	// offerMsg is the outstanding offer, re-published verbatim on every
	// retry tick. Creating a fresh description mid-retry would invalidate
	// candidates gathered against the first one.
	offerMsg *signal.Message

	seen map[string]struct{}
	sub  relay.Subscription

	events chan any
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	tearOnce sync.Once

	mu          sync.RWMutex
	role        Role
	state       State
	createdAt   time.Time
	connectedAt time.Time

	onEnded func(s *Session, outcome string)
	log     *slog.Logger
}

type sessionConfig struct {
	roomID    string
	localID   string
	remoteID  string
	role      Role
	transport *transport.Adapter
	engine    media.Engine
	interval  time.Duration
	timeout   time.Duration
	onEnded   func(s *Session, outcome string)
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	interval := cfg.interval
	if cfg.role == RoleResponder {
		interval = 0 // only the initiator re-emits offers
	}

	return &Session{
		roomID:   cfg.roomID,
		localID:  cfg.localID,
		remoteID: cfg.remoteID,
		role:     cfg.role,
		state:    StateIdle,
		tr:       cfg.transport,
		engine:   cfg.engine,
		neg:      newNegotiator(cfg.engine),
		sched:    newRetryScheduler(interval, cfg.timeout),
		seen:     make(map[string]struct{}),
		events:   make(chan any, 64),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		onEnded:  cfg.onEnded,
		createdAt: time.Now(),
		log: slog.With(
			slog.String(constant.RoomID, cfg.roomID),
			slog.String(constant.PeerID, cfg.remoteID),
		),
	}
}

// start acquires the session's resources and kicks off negotiation. On
// error nothing stays acquired and the session is already torn down.
func (s *Session) start(ctx context.Context) error {
	if s.role == RoleInitiator {
		// Clear stale signals from a previous attempt in this room. The
		// responder must not purge: the offer it is about to reconcile may
		// already be in the log.
		if err := s.tr.Purge(ctx, s.roomID); err != nil {
			s.log.Warn("purge stale signals", slog.Any(constant.Error, err))
		}
	}

	if err := s.engine.AttachLocalTracks(ctx); err != nil {
		s.engine.Close()
		s.cancel()
		return fmt.Errorf("acquire local media: %w", err)
	}

	s.engine.OnCandidate(func(c media.Candidate) {
		s.enqueue(evtLocalCandidate{c: c})
	})
	s.engine.OnPathState(func(ps media.PathState) {
		s.enqueue(evtPathState{state: ps})
	})

	// The initial state and the outstanding offer must be in place before
	// the subscription goes live and the loop starts: a signal landing in
	// that window runs against them, and after this point both belong to
	// the loop goroutine alone.
	var offer *signal.Message
	if s.role == RoleInitiator {
		msg, err := s.prepareOffer(ctx)
		if err != nil {
			s.engine.Close()
			s.cancel()
			return err
		}
		offer = msg
		s.setState(StateInitiating)
	} else {
		s.setState(StateAwaitingOffer)
	}

	sub, err := s.tr.Subscribe(ctx, s.roomID, s.localID, func(msg signal.Message) {
		s.enqueue(evtSignal{msg: msg})
	})
	if err != nil {
		s.engine.Close()
		s.cancel()
		return err
	}
	s.sub = sub

	go s.run()

	if offer != nil {
		if err := s.tr.Publish(ctx, *offer); err != nil {
			s.teardown(StateFailed, OutcomeTransport)
			return err
		}
		s.log.Info("offer published", slog.String(constant.Signal, offer.ID))
	}

	s.sched.Start(
		func() { s.enqueue(evtRetryTick{}) },
		func() { s.enqueue(evtRetryExpired{}) },
	)

	// Close the subscribe-after-publish race: the signal we are waiting for
	// may already sit in the durable log. Feed it through the same intake
	// as a live broadcast. A durable end-call counts too: the remote may
	// have hung up before our subscription attached.
	want := signal.TypeOffer
	if s.role == RoleInitiator {
		want = signal.TypeAnswer
	}
	for _, t := range []signal.Type{want, signal.TypeEndCall} {
		if msg, err := s.tr.Reconcile(ctx, s.roomID, s.localID, t); err != nil {
			s.log.Warn("reconcile durable log", slog.Any(constant.Error, err))
		} else if msg != nil {
			s.enqueue(evtSignal{msg: *msg})
		}
	}

	return nil
}

// prepareOffer creates the local offer and the message the scheduler will
// re-publish. Called before the event loop starts.
func (s *Session) prepareOffer(ctx context.Context) (*signal.Message, error) {
	desc, err := s.neg.CreateLocalOffer(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := signal.New(s.roomID, s.localID, s.remoteID, signal.TypeOffer, desc)
	if err != nil {
		return nil, err
	}
	s.offerMsg = &msg

	return &msg, nil
}

func (s *Session) enqueue(e any) {
	select {
	case <-s.done:
	case s.events <- e:
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.events:
			s.handle(e)
		}
	}
}

func (s *Session) handle(e any) {
	if s.State().Terminal() {
		return
	}

	switch evt := e.(type) {
	case evtSignal:
		s.handleSignal(evt.msg)
	case evtLocalCandidate:
		s.publishCandidate(evt.c)
	case evtPathState:
		s.handlePathState(evt.state)
	case evtRetryTick:
		s.handleRetryTick()
	case evtRetryExpired:
		s.handleRetryExpired()
	case evtHangup:
		s.handleHangup(evt.outcome)
	}
}

// handleSignal is the idempotent intake shared by broadcast delivery and
// reconciliation. A message ID is marked seen only once it took effect: a
// signal that arrived too early to apply may be re-delivered (broadcast
// duplicate or reconcile) and succeed then.
func (s *Session) handleSignal(msg signal.Message) {
	if _, dup := s.seen[msg.ID]; dup {
		metric.SignalDeduplicated()
		s.log.Debug("duplicate signal dropped", slog.String(constant.Signal, msg.ID))
		return
	}

	applied := true
	switch msg.Type {
	case signal.TypeOffer:
		s.handleOffer(msg)
	case signal.TypeAnswer:
		applied = s.handleAnswer(msg)
	case signal.TypeCandidate:
		s.handleCandidate(msg)
	case signal.TypeEndCall:
		s.log.Info("remote peer ended the call")
		s.teardown(StateEnded, OutcomeConnectedEnd)
	default:
		s.log.Debug("ignore signal", slog.String(constant.SigType, string(msg.Type)))
	}

	if applied {
		s.seen[msg.ID] = struct{}{}
	}
}

func (s *Session) handleOffer(msg signal.Message) {
	var desc media.Description
	if err := msg.DecodePayload(&desc); err != nil {
		s.log.Warn("malformed offer", slog.Any(constant.Error, err))
		return
	}

	switch s.State() {
	case StateAwaitingOffer:
		s.acceptOffer(desc)

	case StateInitiating:
		// Symmetric initiation: both sides dialed each other. The
		// lexicographically smaller participant keeps the initiator role;
		// the other downgrades and answers.
		if s.localID < s.remoteID {
			s.log.Info("symmetric initiation, keeping initiator role")
			return
		}
		s.log.Info("symmetric initiation, downgrading to responder")
		s.setRole(RoleResponder)
		s.offerMsg = nil
		// Our own offer is still pending locally; the remote one cannot be
		// applied over it.
		if err := s.neg.Rollback(s.ctx); err != nil {
			s.fail(OutcomeMediaFailed, err)
			return
		}
		s.acceptOffer(desc)

	default:
		if err := s.neg.ApplyRemoteDescription(s.ctx, desc); err != nil {
			s.log.Warn("offer dropped", slog.Any(constant.Error, err))
		}
	}
}

func (s *Session) acceptOffer(desc media.Description) {
	answer, err := s.neg.CreateLocalAnswer(s.ctx, desc)
	if errors.Is(err, ErrDuplicateNegotiation) {
		s.log.Warn("offer dropped", slog.Any(constant.Error, err))
		return
	}
	if err != nil {
		s.fail(OutcomeMediaFailed, err)
		return
	}

	msg, err := signal.New(s.roomID, s.localID, s.remoteID, signal.TypeAnswer, answer)
	if err != nil {
		s.fail(OutcomeMediaFailed, err)
		return
	}

	if err := s.tr.Publish(s.ctx, msg); err != nil {
		s.fail(OutcomeTransport, err)
		return
	}

	s.log.Info("answer published", slog.String(constant.Signal, msg.ID))
	s.setState(StateNegotiating)
}

// handleAnswer reports whether the message was consumed; an answer the
// session cannot apply yet stays unseen so a re-delivery can land.
func (s *Session) handleAnswer(msg signal.Message) bool {
	if s.State() != StateInitiating || s.Role() != RoleInitiator {
		if s.neg.RemoteApplied() {
			s.log.Warn("answer dropped", slog.Any(constant.Error, ErrDuplicateNegotiation))
			return true
		}
		s.log.Warn("answer ignored", slog.String(constant.State, s.State().String()))
		return false
	}

	var desc media.Description
	if err := msg.DecodePayload(&desc); err != nil {
		s.log.Warn("malformed answer", slog.Any(constant.Error, err))
		return true
	}

	if err := s.neg.ApplyRemoteDescription(s.ctx, desc); err != nil {
		if errors.Is(err, ErrDuplicateNegotiation) {
			s.log.Warn("answer dropped", slog.Any(constant.Error, err))
			return true
		}
		s.fail(OutcomeMediaFailed, err)
		return true
	}

	// The offer is answered: stop re-emitting it.
	s.sched.Stop()
	s.offerMsg = nil
	s.setState(StateNegotiating)

	return true
}

func (s *Session) handleCandidate(msg signal.Message) {
	var c media.Candidate
	if err := msg.DecodePayload(&c); err != nil {
		s.log.Warn("malformed candidate", slog.Any(constant.Error, err))
		return
	}

	if err := s.neg.AddRemoteCandidate(s.ctx, c); err != nil {
		// A single bad route is not fatal; others may still connect.
		s.log.Warn("candidate dropped", slog.Any(constant.Error, err))
	}
}

func (s *Session) publishCandidate(c media.Candidate) {
	msg, err := signal.New(s.roomID, s.localID, s.remoteID, signal.TypeCandidate, c)
	if err != nil {
		s.log.Warn("encode candidate", slog.Any(constant.Error, err))
		return
	}

	if err := s.tr.Publish(s.ctx, msg); err != nil {
		s.log.Warn("publish candidate", slog.Any(constant.Error, err))
	}
}

func (s *Session) handlePathState(ps media.PathState) {
	switch ps {
	case media.PathConnected:
		if s.State() != StateNegotiating {
			s.log.Debug("path connected outside negotiation", slog.String(constant.State, s.State().String()))
			return
		}
		s.sched.Stop()
		now := time.Now()
		s.mu.Lock()
		s.connectedAt = now
		s.mu.Unlock()
		s.setState(StateConnected)
		metric.CallConnected(now.Sub(s.createdAt))

	case media.PathFailed:
		s.fail(OutcomePathLost, errors.New("media path failed"))

	case media.PathDisconnected:
		// Transient churn before the call is up; a real loss afterwards.
		if s.State() == StateConnected {
			s.teardown(StateEnded, OutcomePathLost)
		}
	}
}

// handleRetryTick re-publishes the same outstanding offer. A tick landing
// after the answer was applied is ignored: cancellation of the scheduler is
// observed here, not in the timer goroutine.
func (s *Session) handleRetryTick() {
	if s.Role() != RoleInitiator || s.State() != StateInitiating || s.offerMsg == nil {
		return
	}

	if err := s.tr.Publish(s.ctx, *s.offerMsg); err != nil {
		s.log.Warn("offer retransmission failed", slog.Any(constant.Error, err))
		return
	}

	metric.OfferRetransmitted()
	s.log.Debug("offer retransmitted", slog.String(constant.Signal, s.offerMsg.ID))
}

func (s *Session) handleRetryExpired() {
	if s.State() == StateConnected {
		return
	}
	s.fail(OutcomeTimeout, ErrNegotiationTimeout)
}

func (s *Session) handleHangup(outcome string) {
	// Courtesy signal; the remote's teardown is its own responsibility.
	if msg, err := signal.New(s.roomID, s.localID, s.remoteID, signal.TypeEndCall, nil); err == nil {
		if err := s.tr.Publish(s.ctx, msg); err != nil {
			s.log.Warn("publish end-call", slog.Any(constant.Error, err))
		}
	}

	s.teardown(StateEnded, outcome)
}

func (s *Session) fail(outcome string, err error) {
	s.log.Error("call failed", slog.String("outcome", outcome), slog.Any(constant.Error, err))
	s.teardown(StateFailed, outcome)
}

// teardown releases everything the session acquired, exactly once, on every
// exit path: the retry timer, the broadcast subscription, the media engine
// with its local capture, and the room's durable log.
func (s *Session) teardown(final State, outcome string) {
	s.tearOnce.Do(func() {
		s.sched.Stop()

		if s.sub != nil {
			if err := s.sub.Close(); err != nil {
				s.log.Warn("close subscription", slog.Any(constant.Error, err))
			}
		}

		if err := s.engine.Close(); err != nil {
			s.log.Warn("close media engine", slog.Any(constant.Error, err))
		}

		purgeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tr.Purge(purgeCtx, s.roomID); err != nil {
			s.log.Warn("purge durable log", slog.Any(constant.Error, err))
		}

		s.setState(final)
		metric.CallEnded(outcome)

		s.cancel()
		close(s.done)

		if s.onEnded != nil {
			s.onEnded(s, outcome)
		}

		s.log.Info("call torn down", slog.String("outcome", outcome))
	})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.log.Info("session state",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
}

func (s *Session) setRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

// RoomID returns the shared room identifier.
func (s *Session) RoomID() string { return s.roomID }

// RemoteID returns the remote participant.
func (s *Session) RemoteID() string { return s.remoteID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Role returns the negotiated role; it may downgrade from initiator to
// responder when a symmetric initiation race is resolved.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// ConnectedAt returns when the media path came up (zero until then).
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// Done is closed once the session reached a terminal state and every
// resource is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Hangup ends the call locally and best-effort notifies the remote side.
// Safe to call from any goroutine, any number of times.
func (s *Session) Hangup() {
	s.enqueue(evtHangup{outcome: OutcomeLocalHangup})
}

// SetAudioEnabled toggles the local microphone.
func (s *Session) SetAudioEnabled(enabled bool) { s.engine.SetAudioEnabled(enabled) }

// SetVideoEnabled toggles the local camera.
func (s *Session) SetVideoEnabled(enabled bool) { s.engine.SetVideoEnabled(enabled) }
