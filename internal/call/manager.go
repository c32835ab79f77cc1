// Package call owns the call session lifecycle: the registry of active
// sessions keyed by room, the offer/answer negotiation, the retry scheduler
// and the state machine driving them.
package call

import (
	"context"
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

// EngineFactory builds one media engine per call attempt.
type EngineFactory func() (media.Engine, error)

// IncomingCall is the invitation surfaced to the UI layer (ring/toast).
type IncomingCall struct {
	RoomID     string
	RemotePeer string
	Accept     func(ctx context.Context) (*Session, error)
	Reject     func()
}

// Manager owns active call sessions, at most one per room. It is the only
// holder of session references; sessions remove themselves on teardown.
type Manager struct {
	localID string
	tr      *transport.Adapter
	relay   relay.Relay
	engines EngineFactory

	retryInterval      time.Duration
	negotiationTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	inviteSub relay.Subscription

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)
}

func NewManager(
	localID string,
	tr *transport.Adapter,
	rl relay.Relay,
	engines EngineFactory,
	retryInterval time.Duration,
	negotiationTimeout time.Duration,
) *Manager {
	return &Manager{
		localID:            localID,
		tr:                 tr,
		relay:              rl,
		engines:            engines,
		retryInterval:      retryInterval,
		negotiationTimeout: negotiationTimeout,
		sessions:           make(map[string]*Session),
	}
}

// Dial starts an outbound call to remoteID. Any prior session for the same
// room is ended first: no two sessions for one room may coexist.
func (m *Manager) Dial(ctx context.Context, remoteID string) (*Session, error) {
	sess, err := m.startSession(ctx, remoteID, RoleInitiator)
	if err != nil {
		return nil, err
	}

	// Best-effort ring on the callee's invite topic. A missed invite is
	// harmless: Accept reconciles the offer from the durable log.
	if invite, err := signal.New(sess.roomID, m.localID, remoteID, signal.TypeInvite, nil); err == nil {
		if err := m.relay.Publish(ctx, signal.InviteTopic(remoteID), invite); err != nil {
			slog.Warn("publish invite", slog.Any(constant.Error, err))
		}
	}

	return sess, nil
}

// Accept starts the responder side of a call from remoteID.
func (m *Manager) Accept(ctx context.Context, remoteID string) (*Session, error) {
	return m.startSession(ctx, remoteID, RoleResponder)
}

func (m *Manager) startSession(ctx context.Context, remoteID string, role Role) (*Session, error) {
	roomID := signal.RoomID(m.localID, remoteID)

	m.mu.Lock()
	prior := m.sessions[roomID]
	m.mu.Unlock()
	if prior != nil {
		prior.enqueue(evtHangup{outcome: OutcomeReplaced})
		<-prior.Done()
	}

	engine, err := m.engines()
	if err != nil {
		return nil, fmt.Errorf("create media engine: %w", err)
	}

	sess := newSession(sessionConfig{
		roomID:    roomID,
		localID:   m.localID,
		remoteID:  remoteID,
		role:      role,
		transport: m.tr,
		engine:    engine,
		interval:  m.retryInterval,
		timeout:   m.negotiationTimeout,
		onEnded:   m.release,
	})

	m.mu.Lock()
	m.sessions[roomID] = sess
	m.mu.Unlock()

	if err := sess.start(ctx); err != nil {
		m.release(sess, "")
		return nil, err
	}

	metric.CallStarted(role.String())
	slog.Info("call session started",
		slog.String(constant.RoomID, roomID),
		slog.String(constant.PeerID, remoteID),
		slog.String("role", role.String()),
	)

	return sess, nil
}

// release drops the registry entry; the session has already torn itself
// down. A newer session for the same room is left untouched.
func (m *Manager) release(sess *Session, _ string) {
	m.mu.Lock()
	if m.sessions[sess.roomID] == sess {
		delete(m.sessions, sess.roomID)
	}
	m.mu.Unlock()
}

// Session returns the active session for roomID, if any.
func (m *Manager) Session(roomID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[roomID]
	return sess, ok
}

// OnIncoming registers a callback fired for each call invitation.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// ListenInvites attaches to the local participant's invite topic and fans
// invitations out to OnIncoming handlers.
func (m *Manager) ListenInvites(ctx context.Context) error {
	sub, err := m.relay.Subscribe(ctx, signal.InviteTopic(m.localID), func(msg signal.Message) {
		if msg.Type != signal.TypeInvite || msg.ReceiverID != m.localID {
			return
		}
		m.dispatchInvite(msg)
	})
	if err != nil {
		return fmt.Errorf("listen invites: %w", err)
	}
	m.inviteSub = sub

	return nil
}

func (m *Manager) dispatchInvite(msg signal.Message) {
	from := msg.SenderID

	ic := &IncomingCall{
		RoomID:     msg.RoomID,
		RemotePeer: from,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.Accept(ctx, from)
		},
		Reject: func() {
			// The end-call reaches the caller over broadcast, or through
			// its durable end-call reconcile if it (re)attaches later.
			end, err := signal.New(msg.RoomID, m.localID, from, signal.TypeEndCall, nil)
			if err != nil {
				return
			}
			if err := m.tr.Publish(context.Background(), end); err != nil {
				slog.Warn("publish reject", slog.Any(constant.Error, err))
			}
		},
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()

	for _, fn := range handlers {
		fn(ic)
	}
}

// Close hangs up every active session and waits for the teardowns.
func (m *Manager) Close() {
	if m.inviteSub != nil {
		_ = m.inviteSub.Close()
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
		<-s.Done()
	}
}
