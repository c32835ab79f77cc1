package call

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/peercall/peercall/internal/application/constant"
	"github.com/peercall/peercall/internal/media"
)

// negotiator drives the media engine's description lifecycle for one
// session. Candidates arriving before the remote description are buffered
// and applied in arrival order once it lands.
//
// Not safe for concurrent use; every call comes from the session loop.
type negotiator struct {
	engine media.Engine

	localDesc  *media.Description
	remoteDesc *media.Description
	pending    []media.Candidate
}

func newNegotiator(engine media.Engine) *negotiator {
	return &negotiator{engine: engine}
}

func (n *negotiator) CreateLocalOffer(ctx context.Context) (media.Description, error) {
	desc, err := n.engine.CreateOffer(ctx)
	if err != nil {
		return media.Description{}, fmt.Errorf("create local offer: %w", err)
	}
	n.localDesc = &desc

	return desc, nil
}

// CreateLocalAnswer applies the remote offer and produces the local answer.
func (n *negotiator) CreateLocalAnswer(ctx context.Context, remote media.Description) (media.Description, error) {
	if err := n.ApplyRemoteDescription(ctx, remote); err != nil {
		return media.Description{}, err
	}

	desc, err := n.engine.CreateAnswer(ctx)
	if err != nil {
		return media.Description{}, fmt.Errorf("create local answer: %w", err)
	}
	n.localDesc = &desc

	return desc, nil
}

// ApplyRemoteDescription applies d at most once per negotiation attempt; a
// second call reports ErrDuplicateNegotiation. On success all buffered
// candidates are drained in arrival order.
func (n *negotiator) ApplyRemoteDescription(ctx context.Context, d media.Description) error {
	if n.remoteDesc != nil {
		return ErrDuplicateNegotiation
	}

	if err := n.engine.SetRemoteDescription(ctx, d); err != nil {
		return fmt.Errorf("apply remote description: %w", err)
	}
	n.remoteDesc = &d

	for _, c := range n.pending {
		if err := n.engine.AddCandidate(ctx, c); err != nil {
			slog.Warn("drop buffered candidate", slog.Any(constant.Error, err))
		}
	}
	n.pending = nil

	return nil
}

// Rollback discards the pending local offer so a remote offer can be
// applied. Buffered candidates stay queued for the next remote description.
func (n *negotiator) Rollback(ctx context.Context) error {
	if err := n.engine.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback local offer: %w", err)
	}
	n.localDesc = nil

	return nil
}

// AddRemoteCandidate applies c, or buffers it while no remote description
// exists yet.
func (n *negotiator) AddRemoteCandidate(ctx context.Context, c media.Candidate) error {
	if n.remoteDesc == nil {
		n.pending = append(n.pending, c)
		return nil
	}

	if err := n.engine.AddCandidate(ctx, c); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}

	return nil
}

func (n *negotiator) RemoteApplied() bool {
	return n.remoteDesc != nil
}

func (n *negotiator) BufferedCandidates() int {
	return len(n.pending)
}
