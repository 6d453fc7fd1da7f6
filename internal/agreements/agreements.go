// Package agreements manages rent agreement records: the landlord,
// tenant, and optional agent behind each escrow, plus the financial
// terms the escrows enforce.
package agreements

import (
	"errors"
	"time"

	"github.com/chioma/escrowd/internal/idgen"
)

var (
	ErrNotFound     = errors.New("rent agreement not found")
	ErrValidation   = errors.New("invalid rent agreement parameters")
	ErrInvalidState = errors.New("invalid rent agreement status for this operation")
)

// Status represents the state of a rent agreement.
type Status string

const (
	StatusDraft      Status = "draft"      // Created, not yet in force
	StatusActive     Status = "active"     // In force; escrows attach here
	StatusCompleted  Status = "completed"  // Term ended normally
	StatusTerminated Status = "terminated" // Ended early
)

// RentAgreement represents a rental contract between the parties.
type RentAgreement struct {
	ID       string `json:"id"`
	Landlord string `json:"landlord"`
	Tenant   string `json:"tenant"`
	// Agent optionally brokers the agreement and earns a commission.
	Agent       string `json:"agent,omitempty"`
	PropertyRef string `json:"propertyRef,omitempty"`

	MonthlyRent     string `json:"monthlyRent"`
	SecurityDeposit string `json:"securityDeposit,omitempty"`
	// CommissionRateBPS is the agent's cut in basis points of the
	// monthly rent. Zero when no agent is involved.
	CommissionRateBPS int `json:"commissionRateBps,omitempty"`

	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Status    Status    `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsConcluded reports whether the agreement reached a final state.
func (a *RentAgreement) IsConcluded() bool {
	return a.Status == StatusCompleted || a.Status == StatusTerminated
}

func generateAgreementID() string {
	return idgen.WithPrefix("agr_")
}
