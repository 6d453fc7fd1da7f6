package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/chioma/escrowd/internal/metrics"
)

// leg is one ledger transfer a decision requires. A plain release or
// refund has one leg; a split resolution has two.
type leg struct {
	kind        SubmissionKind
	destination string
	amount      string
}

// finalize drives a funded escrow to a terminal status through the
// ledger. Called with the per-record lock held; takes ownership of
// unlock.
//
// The lock is not held across the ledger call. An in-flight marker
// prevents a second decision from double-submitting while the first is
// on the wire; concurrent attempts get ErrDecisionPending. Partial
// progress (a split where one leg landed and the other failed) is
// persisted before returning, so a retry only submits the missing leg.
func (eng *Engine) finalize(ctx context.Context, unlock func(), e *Escrow, terminal Status, forced *ForcedOutcome, now time.Time) (*Escrow, error) {
	id := e.ID

	if _, busy := eng.inflight.LoadOrStore(id, struct{}{}); busy {
		unlock()
		return e, ErrDecisionPending
	}
	defer eng.inflight.Delete(id)

	legs := pendingLegs(e, terminal, forced)
	snapshot := *e
	unlock()

	completed := make(map[SubmissionKind]string, len(legs))
	var submitErr error
	for _, l := range legs {
		txHash, err := eng.submitter.Submit(ctx, l.kind, &snapshot, l.destination, l.amount)
		if err != nil {
			submitErr = fmt.Errorf("%w: %s leg: %v", ErrSubmissionFailed, l.kind, err)
			break
		}
		completed[l.kind] = txHash
	}

	unlock = eng.locks.Lock(id)
	fresh, err := eng.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	if tx, ok := completed[SubmitRelease]; ok && fresh.ReleaseTxHash == "" {
		fresh.ReleaseTxHash = tx
		fresh.ReleasedAt = &now
	}
	if tx, ok := completed[SubmitRefund]; ok && fresh.RefundTxHash == "" {
		fresh.RefundTxHash = tx
		fresh.RefundedAt = &now
	}

	if submitErr != nil {
		// The record stays non-terminal; the decision is retried later.
		fresh.UpdatedAt = now
		if uerr := eng.store.Update(ctx, fresh); uerr != nil {
			eng.logger.Error("CRITICAL: failed to persist partial submission state",
				"escrowId", id, "error", uerr)
		}
		unlock()
		eng.logger.Error("ledger submission failed",
			"escrowId", id, "terminal", string(terminal), "error", submitErr)
		return fresh, submitErr
	}

	fresh.Status = terminal
	if forced != nil {
		fresh.DisputeID = forced.DisputeID
		if forced.Outcome == OutcomeSplit {
			fresh.PartialReleaseAmount = forced.ReleaseAmount
			fresh.PartialRefundAmount = forced.RefundAmount
		}
	}
	fresh.UpdatedAt = now
	if err := eng.store.Update(ctx, fresh); err != nil {
		// Funds already moved on-chain but the terminal status did not
		// persist. This must be reconciled by hand.
		unlock()
		eng.logger.Error("CRITICAL: funds moved but terminal status not persisted",
			"escrowId", id, "terminal", string(terminal), "error", err)
		return fresh, fmt.Errorf("failed to record terminal outcome: %w", err)
	}
	unlock()

	metrics.EscrowsTotal.WithLabelValues(string(terminal)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(fresh.CreatedAt).Seconds())
	eng.logger.Info("escrow finalized",
		"escrowId", id,
		"status", string(terminal),
		"releaseTx", fresh.ReleaseTxHash,
		"refundTx", fresh.RefundTxHash,
	)
	eng.notify("escrow_"+string(terminal), fresh)
	return fresh, nil
}

// pendingLegs computes the transfers still owed for the decided
// terminal status, skipping legs whose transaction hash is already
// recorded from an earlier partial attempt.
func pendingLegs(e *Escrow, terminal Status, forced *ForcedOutcome) []leg {
	var legs []leg

	if forced != nil && forced.Outcome == OutcomeSplit {
		if e.ReleaseTxHash == "" {
			legs = append(legs, leg{SubmitRelease, e.DestinationParty, forced.ReleaseAmount})
		}
		if e.RefundTxHash == "" {
			legs = append(legs, leg{SubmitRefund, e.SourceParty, forced.RefundAmount})
		}
		return legs
	}

	switch terminal {
	case StatusReleased:
		if e.ReleaseTxHash == "" {
			legs = append(legs, leg{SubmitRelease, e.DestinationParty, e.Amount})
		}
	case StatusRefunded, StatusExpired:
		// Expiry of a funded escrow recovers the funds back to the
		// source, recorded in the refund fields.
		if e.RefundTxHash == "" {
			legs = append(legs, leg{SubmitRefund, e.SourceParty, e.Amount})
		}
	}
	return legs
}

func (eng *Engine) notify(event string, e *Escrow) {
	if eng.notifier == nil {
		return
	}
	copied := *e
	eng.notifier.EscrowEvent(event, &copied)
}
