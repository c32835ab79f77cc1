// Package media defines the narrow control surface the call engine drives.
// Codec handling, candidate gathering internals and the byte transport all
// live behind this interface.
package media

import (
	"context"
	"errors"
)

// ErrAccessDenied is reported when the local capture device cannot be
// acquired. The session never starts in that case.
var ErrAccessDenied = errors.New("media: device access denied")

// ErrEngineClosed is reported on writes after the engine released its peer
// connection; capture sources stop on it.
var ErrEngineClosed = errors.New("media: engine closed")

// Description is one side's proposed session parameters (an offer or an
// answer). Opaque to everything above this package.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one possible network route for the peer-to-peer path.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// PathState is the liveness of the negotiated media path.
type PathState int

const (
	PathConnected PathState = iota
	PathDisconnected
	PathFailed
)

func (s PathState) String() string {
	switch s {
	case PathConnected:
		return "connected"
	case PathDisconnected:
		return "disconnected"
	case PathFailed:
		return "failed"
	}
	return "unknown"
}

// Engine drives one peer connection. Create* calls also apply the produced
// description locally; the remote description is applied at most once per
// negotiation attempt (guarded by the caller).
type Engine interface {
	// AttachLocalTracks acquires the local capture resource. May block
	// until the user grants device permission.
	AttachLocalTracks(ctx context.Context) error

	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetRemoteDescription(ctx context.Context, d Description) error
	// Rollback discards a pending local offer so a remote offer can be
	// applied instead. Used when both sides offered at once and this side
	// yields.
	Rollback(ctx context.Context) error
	AddCandidate(ctx context.Context, c Candidate) error

	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	// OnCandidate registers the sink for locally gathered candidates.
	OnCandidate(fn func(Candidate))
	// OnPathState registers the sink for media path liveness changes.
	OnPathState(fn func(PathState))

	// Close releases the peer connection and the local capture resource.
	// Idempotent.
	Close() error
}
