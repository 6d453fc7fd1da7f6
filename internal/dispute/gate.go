package dispute

import (
	"context"

	"github.com/chioma/escrowd/internal/escrow"
)

// Compile-time assertion.
var _ escrow.DisputeGate = (*Gate)(nil)

// Gate answers the escrow engine's dispute checks straight from the
// dispute store. Answers are never cached: the engine polls on every
// state-changing call.
type Gate struct {
	store Store
}

// NewGate creates a gate backed by the given dispute store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Check reports whether the given escrow is frozen and, when the most
// recent relevant dispute concluded with a directive, what that
// directive is. Disputes pinned to a different escrow have no bearing
// on this one.
func (g *Gate) Check(ctx context.Context, agreementID, escrowID string) (escrow.GateDecision, error) {
	disputes, err := g.store.ListByAgreement(ctx, agreementID)
	if err != nil {
		return escrow.GateDecision{}, err
	}

	relevant := make([]*Dispute, 0, len(disputes))
	for _, d := range disputes {
		if d.EscrowID != "" && d.EscrowID != escrowID {
			continue
		}
		relevant = append(relevant, d)
	}
	if len(relevant) == 0 {
		return escrow.GateDecision{}, nil
	}

	// Unconcluded disputes block everything they cover.
	for _, d := range relevant {
		if !d.IsConcluded() {
			return escrow.GateDecision{Blocked: true, BlockedBy: d.ID}, nil
		}
	}

	// Newest-first ordering: the latest word wins. Rejected disputes
	// carry no directive.
	latest := relevant[0]
	if latest.Status != StatusResolved {
		return escrow.GateDecision{}, nil
	}
	forced := &escrow.ForcedOutcome{
		DisputeID:     latest.ID,
		Outcome:       escrow.Outcome(latest.Outcome),
		ReleaseAmount: latest.ReleaseAmount,
		RefundAmount:  latest.RefundAmount,
	}
	if latest.ResolvedAt != nil {
		forced.ResolvedAt = *latest.ResolvedAt
	}
	return escrow.GateDecision{Forced: forced}, nil
}
