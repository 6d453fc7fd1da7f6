package escrow

import (
	"context"
	"time"
)

// Filter narrows List results. Zero-value fields are ignored.
type Filter struct {
	PublicKey string
	Status    Status
	Limit     int
	Offset    int
}

// Store persists escrow records. The engine is the only writer.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	List(ctx context.Context, filter Filter) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	// ListExpiring returns non-terminal escrows whose expiration date or
	// timelock expiry falls at or before the given instant.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListByAgreement(ctx context.Context, agreementID string) ([]*Escrow, error)
}

// SubmissionKind identifies the direction of a ledger transfer.
type SubmissionKind string

const (
	SubmitRelease SubmissionKind = "release"
	SubmitRefund  SubmissionKind = "refund"
)

// LedgerSubmitter executes the on-chain transfer for a decided outcome
// and returns the transaction hash once the ledger confirms it. The
// engine persists a terminal status only after a successful return.
type LedgerSubmitter interface {
	Submit(ctx context.Context, kind SubmissionKind, e *Escrow, destination, amount string) (txHash string, err error)
}

// SignatureVerifier answers "is this signature valid for this signer
// over this payload". The engine does no cryptography itself.
type SignatureVerifier interface {
	Verify(signerAddress, payload, signature string) bool
}

// Outcome is a dispute resolution directive.
type Outcome string

const (
	OutcomeReleaseToDestination Outcome = "release_to_destination"
	OutcomeRefundToSource       Outcome = "refund_to_source"
	OutcomeSplit                Outcome = "split"
	OutcomeNoAction             Outcome = "no_action"
)

// ForcedOutcome is a concluded dispute's directive for the escrow.
// Release/Refund amounts are only set for split outcomes. ResolvedAt
// bounds the directive's reach: it only covers escrows that were
// frozen by the dispute or already existed when it concluded.
type ForcedOutcome struct {
	DisputeID     string
	Outcome       Outcome
	ReleaseAmount string
	RefundAmount  string
	ResolvedAt    time.Time
}

// GateDecision is the dispute subsystem's answer for one escrow.
// BlockedBy identifies the open dispute when Blocked is true.
type GateDecision struct {
	Blocked   bool
	BlockedBy string
	Forced    *ForcedOutcome
}

// DisputeGate is consulted before any release/refund decision is
// finalized and on every tick. The engine never caches its answer.
// Disputes pinned to a different escrow must not show up in the
// decision for this one.
type DisputeGate interface {
	Check(ctx context.Context, agreementID, escrowID string) (GateDecision, error)
}

// Notifier receives escrow lifecycle events for fan-out (realtime feed).
// Implementations must not block.
type Notifier interface {
	EscrowEvent(event string, e *Escrow)
}
