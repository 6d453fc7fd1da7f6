// Package dispute tracks disagreements raised against rent agreements
// and gates escrow decisions while they are unresolved.
//
// An open or under-review dispute freezes every escrow linked to the
// same agreement, or just one escrow when pinned to it. A resolution
// carries a directive (release, refund, split, or no action) that the
// escrow engine executes against the escrows the dispute covered.
package dispute

import (
	"errors"
	"time"

	"github.com/chioma/escrowd/internal/idgen"
)

var (
	ErrNotFound     = errors.New("dispute not found")
	ErrValidation   = errors.New("invalid dispute parameters")
	ErrInvalidState = errors.New("invalid dispute status for this operation")
	ErrAlreadyOpen  = errors.New("agreement already has an open dispute")
	ErrUnauthorized = errors.New("caller is not a party to this dispute")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"         // Raised, freezing linked escrows
	StatusUnderReview Status = "under_review" // An arbiter has picked it up
	StatusResolved    Status = "resolved"     // Concluded with a directive
	StatusRejected    Status = "rejected"     // Dismissed, escrows resume
)

// Outcome is the directive a resolved dispute carries.
type Outcome string

const (
	OutcomeReleaseToDestination Outcome = "release_to_destination"
	OutcomeRefundToSource       Outcome = "refund_to_source"
	OutcomeSplit                Outcome = "split"
	OutcomeNoAction             Outcome = "no_action"
)

// ValidOutcome reports whether o is a known directive.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeReleaseToDestination, OutcomeRefundToSource, OutcomeSplit, OutcomeNoAction:
		return true
	}
	return false
}

// EvidenceEntry is one piece of evidence attached to a dispute.
type EvidenceEntry struct {
	SubmittedBy string    `json:"submittedBy"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Dispute represents a disagreement raised against a rent agreement.
type Dispute struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreementId"`
	// EscrowID optionally pins the dispute to one escrow; empty means
	// the whole agreement is contested.
	EscrowID string `json:"escrowId,omitempty"`
	RaisedBy string `json:"raisedBy"`
	Reason   string `json:"reason"`
	Status   Status `json:"status"`

	// Resolution fields, set once the dispute concludes. The amounts
	// are only used for split outcomes.
	Outcome       Outcome    `json:"outcome,omitempty"`
	ReleaseAmount string     `json:"releaseAmount,omitempty"`
	RefundAmount  string     `json:"refundAmount,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`

	Evidence []EvidenceEntry `json:"evidence,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsConcluded reports whether the dispute reached a final state.
func (d *Dispute) IsConcluded() bool {
	return d.Status == StatusResolved || d.Status == StatusRejected
}

func generateDisputeID() string {
	return idgen.WithPrefix("dsp_")
}
