// Package escrow implements conditional release of funds held for rent
// agreements.
//
// Flow:
//  1. Escrow created → funds expected on the escrow account (pending)
//  2. Funding confirmed on-chain → funded
//  3. Signatures and condition fulfillments accumulate while funded
//  4. Conditions satisfied and no dispute open → funds released/refunded
//  5. Deadline passes first → expired (funded escrows are refunded back)
//  6. Dispute opened → frozen (disputed) until the dispute resolves
package escrow

import (
	"errors"
	"strings"
	"time"

	"github.com/chioma/escrowd/internal/idgen"
)

var (
	ErrNotFound           = errors.New("escrow not found")
	ErrValidation         = errors.New("invalid escrow parameters")
	ErrInvalidState       = errors.New("invalid escrow status for this operation")
	ErrUnauthorizedSigner = errors.New("signer is not a party to this escrow")
	ErrInvalidSignature   = errors.New("signature verification failed")
	ErrConditionNotFound  = errors.New("release condition not found")
	ErrConditionsNotMet   = errors.New("release conditions not satisfied")
	ErrDisputeActive      = errors.New("escrow is frozen by an active dispute")
	ErrSubmissionFailed   = errors.New("ledger submission failed")
	ErrDecisionPending    = errors.New("a ledger submission for this escrow is already in flight")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending  Status = "pending"  // Created, awaiting funding
	StatusFunded   Status = "funded"   // Funds confirmed on the escrow account
	StatusReleased Status = "released" // Funds sent to the destination party
	StatusRefunded Status = "refunded" // Funds returned to the source party
	StatusExpired  Status = "expired"  // Deadline passed before release
	StatusDisputed Status = "disputed" // Frozen pending dispute resolution
)

// AssetType distinguishes the ledger-native asset from issued tokens.
type AssetType string

const (
	AssetNative AssetType = "native"
	AssetIssued AssetType = "issued"
)

// Timelock gates release purely by wall-clock time bounds.
type Timelock struct {
	ReleaseAfter *time.Time `json:"releaseAfter,omitempty"`
	ExpireAfter  *time.Time `json:"expireAfter,omitempty"`
}

// MultiSig requires a threshold count of valid signatures from a fixed
// signer set.
type MultiSig struct {
	RequiredSignatures int      `json:"requiredSignatures"`
	Signers            []string `json:"signers"`
}

// NamedCondition is an arbitrary condition that must be explicitly
// marked fulfilled before release.
type NamedCondition struct {
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Fulfilled   bool       `json:"fulfilled"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
	FulfilledBy string     `json:"fulfilledBy,omitempty"`
}

// ReleaseConditions is the composite gate an escrow must pass before
// funds move. All configured sub-conditions must hold; absent
// sub-conditions are vacuously satisfied. An escrow with no
// sub-conditions at all never auto-releases (manual path only).
type ReleaseConditions struct {
	Timelock *Timelock        `json:"timelock,omitempty"`
	MultiSig *MultiSig        `json:"multiSig,omitempty"`
	Named    []NamedCondition `json:"named,omitempty"`
}

// IsEmpty reports whether no sub-condition is configured.
func (rc ReleaseConditions) IsEmpty() bool {
	return rc.Timelock == nil && rc.MultiSig == nil && len(rc.Named) == 0
}

// Escrow represents a conditional-release escrow record.
type Escrow struct {
	ID               string            `json:"id"`
	EscrowPublicKey  string            `json:"escrowPublicKey"`
	SourceParty      string            `json:"sourceParty"`
	DestinationParty string            `json:"destinationParty"`
	Amount           string            `json:"amount"`
	AssetType        AssetType         `json:"assetType"`
	AssetCode        string            `json:"assetCode,omitempty"`
	AssetIssuer      string            `json:"assetIssuer,omitempty"`
	Status           Status            `json:"status"`
	Conditions       ReleaseConditions `json:"releaseConditions"`

	// Signatures holds the distinct verified signer addresses recorded
	// so far, lowercase. The set only ever grows.
	Signatures []string `json:"signatures,omitempty"`

	ExpirationDate  *time.Time `json:"expirationDate,omitempty"`
	RentAgreementID string     `json:"rentAgreementId,omitempty"`
	FundingProofRef string     `json:"fundingProofRef,omitempty"`

	// Terminal fields, each written exactly once on the matching
	// transition. A dispute SPLIT resolution records both tx hashes
	// (one per leg) plus the partial amounts; expiry of a funded
	// escrow records the recovery refund in the refund fields.
	ReleasedAt           *time.Time `json:"releasedAt,omitempty"`
	RefundedAt           *time.Time `json:"refundedAt,omitempty"`
	ReleaseTxHash        string     `json:"releaseTransactionHash,omitempty"`
	RefundTxHash         string     `json:"refundTransactionHash,omitempty"`
	PartialReleaseAmount string     `json:"partialReleaseAmount,omitempty"`
	PartialRefundAmount  string     `json:"partialRefundAmount,omitempty"`

	// DisputeID records which dispute froze the escrow or authorized a
	// forced outcome.
	DisputeID string `json:"disputeId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// HasSigner reports whether addr is already recorded as a verified signer.
func (e *Escrow) HasSigner(addr string) bool {
	addr = strings.ToLower(addr)
	for _, s := range e.Signatures {
		if s == addr {
			return true
		}
	}
	return false
}

// Condition returns the named condition with the given type, or nil.
func (e *Escrow) Condition(condType string) *NamedCondition {
	for i := range e.Conditions.Named {
		if e.Conditions.Named[i].Type == condType {
			return &e.Conditions.Named[i]
		}
	}
	return nil
}

func generateEscrowID() string {
	return idgen.WithPrefix("esc_")
}
