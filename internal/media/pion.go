package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/application/constant"
)

// PionEngine implements Engine on a Pion peer connection. Capture sources
// feed RTP in through WriteAudio/WriteVideo; remote RTP is handed to the
// playout sink.
type PionEngine struct {
	pc *webrtc.PeerConnection

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu         sync.Mutex
	audioTrack *webrtc.TrackLocalStaticRTP
	videoTrack *webrtc.TrackLocalStaticRTP
	closed     bool

	onCandidate func(Candidate)
	onPathState func(PathState)
	playout     func(kind string, pkt *rtp.Packet)
}

func NewPionEngine(iceServers []webrtc.ICEServer) (*PionEngine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	e := &PionEngine{pc: pc}
	e.audioOn.Store(true)
	e.videoOn.Store(true)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn == nil {
			return
		}

		init := c.ToJSON()
		fn(Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.mu.Lock()
		fn := e.onPathState
		e.mu.Unlock()
		if fn == nil {
			return
		}

		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(PathConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(PathDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(PathFailed)
		default:
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go e.readRemote(track)
	})

	return e, nil
}

// AttachLocalTracks adds the outbound audio and video tracks. The actual
// capture source is attached by the host through WriteAudio/WriteVideo.
func (e *PionEngine) AttachLocalTracks(_ context.Context) error {
	// Track construction failures are engine faults, not a device refusal;
	// ErrAccessDenied is reserved for capture sources that can actually be
	// denied.
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "peercall",
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "peercall",
	)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}

	if _, err = e.pc.AddTrack(audio); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	if _, err = e.pc.AddTrack(video); err != nil {
		return fmt.Errorf("add video track: %w", err)
	}

	e.mu.Lock()
	e.audioTrack = audio
	e.videoTrack = video
	e.mu.Unlock()

	return nil
}

func (e *PionEngine) CreateOffer(_ context.Context) (Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err = e.pc.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("apply local offer: %w", err)
	}

	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (e *PionEngine) CreateAnswer(_ context.Context) (Description, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err = e.pc.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("apply local answer: %w", err)
	}

	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (e *PionEngine) SetRemoteDescription(_ context.Context, d Description) error {
	sdpType := webrtc.NewSDPType(d.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown description type %q", d.Type)
	}

	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: d.SDP}); err != nil {
		return fmt.Errorf("apply remote description: %w", err)
	}

	return nil
}

// Rollback returns the connection to the stable signaling state. Applying
// a remote offer while our own offer is pending is rejected by the peer
// connection, so the yielding side rolls back first.
func (e *PionEngine) Rollback(_ context.Context) error {
	err := e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	if err != nil {
		return fmt.Errorf("rollback local description: %w", err)
	}

	return nil
}

func (e *PionEngine) AddCandidate(_ context.Context, c Candidate) error {
	err := e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
	if err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}

	return nil
}

func (e *PionEngine) SetAudioEnabled(enabled bool) { e.audioOn.Store(enabled) }
func (e *PionEngine) SetVideoEnabled(enabled bool) { e.videoOn.Store(enabled) }

func (e *PionEngine) OnCandidate(fn func(Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnPathState(fn func(PathState)) {
	e.mu.Lock()
	e.onPathState = fn
	e.mu.Unlock()
}

// OnRemoteRTP registers the playout sink for inbound media.
func (e *PionEngine) OnRemoteRTP(fn func(kind string, pkt *rtp.Packet)) {
	e.mu.Lock()
	e.playout = fn
	e.mu.Unlock()
}

// WriteAudio forwards one captured audio packet to the remote peer. Muted
// audio is dropped here so the track stays negotiated.
func (e *PionEngine) WriteAudio(pkt *rtp.Packet) error {
	e.mu.Lock()
	track, closed := e.audioTrack, e.closed
	e.mu.Unlock()

	return writeLocal(track, closed, e.audioOn.Load(), pkt)
}

// WriteVideo forwards one captured video packet to the remote peer.
func (e *PionEngine) WriteVideo(pkt *rtp.Packet) error {
	e.mu.Lock()
	track, closed := e.videoTrack, e.closed
	e.mu.Unlock()

	return writeLocal(track, closed, e.videoOn.Load(), pkt)
}

// The closed check comes first so capture sources see ErrEngineClosed even
// while muted; a nil track means the source outran AttachLocalTracks.
func writeLocal(track *webrtc.TrackLocalStaticRTP, closed, enabled bool, pkt *rtp.Packet) error {
	if closed {
		return ErrEngineClosed
	}
	if !enabled || track == nil {
		return nil
	}

	if err := track.WriteRTP(pkt); err != nil {
		return fmt.Errorf("write rtp: %w", err)
	}

	return nil
}

func (e *PionEngine) readRemote(track *webrtc.TrackRemote) {
	kind := track.Kind().String()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("RTP read error", slog.Any(constant.Error, err))
			}
			return
		}

		e.mu.Lock()
		fn := e.playout
		e.mu.Unlock()
		if fn != nil {
			fn(kind, pkt)
		}
	}
}

func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	return e.pc.Close()
}
