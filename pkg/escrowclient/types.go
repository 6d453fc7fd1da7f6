package escrowclient

import "time"

// Escrow mirrors the service's escrow resource.
type Escrow struct {
	ID               string            `json:"id"`
	EscrowPublicKey  string            `json:"escrowPublicKey"`
	SourceParty      string            `json:"sourceParty"`
	DestinationParty string            `json:"destinationParty"`
	Amount           string            `json:"amount"`
	AssetType        string            `json:"assetType"`
	AssetCode        string            `json:"assetCode,omitempty"`
	AssetIssuer      string            `json:"assetIssuer,omitempty"`
	Status           string            `json:"status"`
	Conditions       ReleaseConditions `json:"releaseConditions"`
	Signatures       []string          `json:"signatures,omitempty"`

	ExpirationDate  *time.Time `json:"expirationDate,omitempty"`
	RentAgreementID string     `json:"rentAgreementId,omitempty"`
	FundingProofRef string     `json:"fundingProofRef,omitempty"`

	ReleasedAt           *time.Time `json:"releasedAt,omitempty"`
	RefundedAt           *time.Time `json:"refundedAt,omitempty"`
	ReleaseTxHash        string     `json:"releaseTransactionHash,omitempty"`
	RefundTxHash         string     `json:"refundTransactionHash,omitempty"`
	PartialReleaseAmount string     `json:"partialReleaseAmount,omitempty"`
	PartialRefundAmount  string     `json:"partialRefundAmount,omitempty"`
	DisputeID            string     `json:"disputeId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Timelock gates release purely by wall-clock time bounds.
type Timelock struct {
	ReleaseAfter *time.Time `json:"releaseAfter,omitempty"`
	ExpireAfter  *time.Time `json:"expireAfter,omitempty"`
}

// MultiSig requires a threshold count of signatures from a signer set.
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

// ReleaseConditions is the composite release gate.
type ReleaseConditions struct {
	Timelock *Timelock        `json:"timelock,omitempty"`
	MultiSig *MultiSig        `json:"multiSig,omitempty"`
	Named    []NamedCondition `json:"named,omitempty"`
}

// CreateEscrowRequest creates a new escrow in pending.
type CreateEscrowRequest struct {
	EscrowPublicKey  string            `json:"escrowPublicKey"`
	SourceParty      string            `json:"sourceParty"`
	DestinationParty string            `json:"destinationParty"`
	Amount           string            `json:"amount"`
	AssetType        string            `json:"assetType,omitempty"`
	AssetCode        string            `json:"assetCode,omitempty"`
	AssetIssuer      string            `json:"assetIssuer,omitempty"`
	Conditions       ReleaseConditions `json:"releaseConditions,omitempty"`
	ExpirationDate   *time.Time        `json:"expirationDate,omitempty"`
	RentAgreementID  string            `json:"rentAgreementId,omitempty"`
}

// Dispute mirrors the service's dispute resource.
type Dispute struct {
	ID            string     `json:"id"`
	AgreementID   string     `json:"agreementId"`
	EscrowID      string     `json:"escrowId,omitempty"`
	RaisedBy      string     `json:"raisedBy"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	Outcome       string     `json:"outcome,omitempty"`
	ReleaseAmount string     `json:"releaseAmount,omitempty"`
	RefundAmount  string     `json:"refundAmount,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// OpenDisputeRequest opens a dispute against an agreement.
type OpenDisputeRequest struct {
	AgreementID string `json:"agreementId"`
	EscrowID    string `json:"escrowId,omitempty"`
	RaisedBy    string `json:"raisedBy"`
	Reason      string `json:"reason"`
}

// ResolveDisputeRequest concludes a dispute with a directive.
type ResolveDisputeRequest struct {
	Outcome       string `json:"outcome"`
	ReleaseAmount string `json:"releaseAmount,omitempty"`
	RefundAmount  string `json:"refundAmount,omitempty"`
	ResolvedBy    string `json:"resolvedBy"`
}

// Agreement mirrors the service's rent agreement resource.
type Agreement struct {
	ID                string    `json:"id"`
	Landlord          string    `json:"landlord"`
	Tenant            string    `json:"tenant"`
	Agent             string    `json:"agent,omitempty"`
	PropertyRef       string    `json:"propertyRef,omitempty"`
	MonthlyRent       string    `json:"monthlyRent"`
	SecurityDeposit   string    `json:"securityDeposit,omitempty"`
	CommissionRateBPS int       `json:"commissionRateBps,omitempty"`
	StartDate         time.Time `json:"startDate"`
	EndDate           time.Time `json:"endDate"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// CreateAgreementRequest creates a new rent agreement in draft.
type CreateAgreementRequest struct {
	Landlord          string    `json:"landlord"`
	Tenant            string    `json:"tenant"`
	Agent             string    `json:"agent,omitempty"`
	PropertyRef       string    `json:"propertyRef,omitempty"`
	MonthlyRent       string    `json:"monthlyRent"`
	SecurityDeposit   string    `json:"securityDeposit,omitempty"`
	CommissionRateBPS int       `json:"commissionRateBps,omitempty"`
	StartDate         time.Time `json:"startDate"`
	EndDate           time.Time `json:"endDate"`
}
