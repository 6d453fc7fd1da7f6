package agreements

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chioma/escrowd/internal/amount"
	"github.com/chioma/escrowd/internal/pagination"
	"github.com/chioma/escrowd/internal/traces"
)

// Store persists rent agreements.
type Store interface {
	Create(ctx context.Context, a *RentAgreement) error
	Get(ctx context.Context, id string) (*RentAgreement, error)
	Update(ctx context.Context, a *RentAgreement) error
	// ListByParty returns agreements where the address is landlord,
	// tenant, or agent, newest first. A non-nil cursor restricts
	// results to agreements strictly older than the cursor position.
	ListByParty(ctx context.Context, address string, limit int, cursor *pagination.Cursor) ([]*RentAgreement, error)
}

// Service implements rent agreement lifecycle operations.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new rent agreement service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// CreateRequest contains the parameters for creating a rent agreement.
type CreateRequest struct {
	Landlord          string    `json:"landlord" binding:"required"`
	Tenant            string    `json:"tenant" binding:"required"`
	Agent             string    `json:"agent"`
	PropertyRef       string    `json:"propertyRef"`
	MonthlyRent       string    `json:"monthlyRent" binding:"required"`
	SecurityDeposit   string    `json:"securityDeposit"`
	CommissionRateBPS int       `json:"commissionRateBps"`
	StartDate         time.Time `json:"startDate" binding:"required"`
	EndDate           time.Time `json:"endDate" binding:"required"`
}

// Create validates the request and persists a new agreement in draft.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*RentAgreement, error) {
	ctx, span := traces.StartSpan(ctx, "agreements.Create",
		attribute.String("landlord", req.Landlord),
		attribute.String("tenant", req.Tenant),
	)
	defer span.End()

	landlord := strings.ToLower(req.Landlord)
	tenant := strings.ToLower(req.Tenant)
	agent := strings.ToLower(req.Agent)

	if landlord == tenant {
		return nil, fmt.Errorf("%w: landlord and tenant must be distinct", ErrValidation)
	}
	if agent != "" && (agent == landlord || agent == tenant) {
		return nil, fmt.Errorf("%w: agent must be distinct from landlord and tenant", ErrValidation)
	}
	if !amount.IsPositive(req.MonthlyRent) {
		return nil, fmt.Errorf("%w: monthlyRent must be a positive decimal", ErrValidation)
	}
	if req.SecurityDeposit != "" {
		if _, ok := amount.Parse(req.SecurityDeposit); !ok {
			return nil, fmt.Errorf("%w: malformed securityDeposit", ErrValidation)
		}
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, fmt.Errorf("%w: endDate must be after startDate", ErrValidation)
	}
	if req.CommissionRateBPS < 0 || req.CommissionRateBPS > 10000 {
		return nil, fmt.Errorf("%w: commissionRateBps must be between 0 and 10000", ErrValidation)
	}
	if req.CommissionRateBPS > 0 && agent == "" {
		return nil, fmt.Errorf("%w: commission requires an agent", ErrValidation)
	}

	now := s.now()
	a := &RentAgreement{
		ID:                generateAgreementID(),
		Landlord:          landlord,
		Tenant:            tenant,
		Agent:             agent,
		PropertyRef:       req.PropertyRef,
		MonthlyRent:       req.MonthlyRent,
		SecurityDeposit:   req.SecurityDeposit,
		CommissionRateBPS: req.CommissionRateBPS,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
		Status:            StatusDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create rent agreement: %w", err)
	}

	s.logger.Info("rent agreement created",
		"agreementId", a.ID, "landlord", landlord, "tenant", tenant)
	return a, nil
}

// Activate puts a draft agreement in force.
func (s *Service) Activate(ctx context.Context, id string) (*RentAgreement, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusDraft {
		return a, fmt.Errorf("%w: agreement is %s, expected %s", ErrInvalidState, a.Status, StatusDraft)
	}

	a.Status = StatusActive
	a.UpdatedAt = s.now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("rent agreement activated", "agreementId", a.ID)
	return a, nil
}

// Complete marks an active agreement as having run its full term.
func (s *Service) Complete(ctx context.Context, id string) (*RentAgreement, error) {
	return s.conclude(ctx, id, StatusCompleted)
}

// Terminate ends an active agreement early.
func (s *Service) Terminate(ctx context.Context, id string) (*RentAgreement, error) {
	return s.conclude(ctx, id, StatusTerminated)
}

func (s *Service) conclude(ctx context.Context, id string, terminal Status) (*RentAgreement, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusActive {
		return a, fmt.Errorf("%w: agreement is %s, expected %s", ErrInvalidState, a.Status, StatusActive)
	}

	a.Status = terminal
	a.UpdatedAt = s.now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("rent agreement concluded", "agreementId", a.ID, "status", string(terminal))
	return a, nil
}

// Get returns an agreement by ID.
func (s *Service) Get(ctx context.Context, id string) (*RentAgreement, error) {
	return s.store.Get(ctx, id)
}

// Page is one page of a party's agreements.
type Page struct {
	Agreements []*RentAgreement
	NextCursor string
	HasMore    bool
}

// ListByParty returns agreements involving the given address, newest
// first. An empty cursor starts from the most recent agreement.
func (s *Service) ListByParty(ctx context.Context, address string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	// Fetch one extra row to detect whether another page exists.
	items, err := s.store.ListByParty(ctx, strings.ToLower(address), limit+1, cur)
	if err != nil {
		return nil, err
	}
	items, next, hasMore := pagination.ComputePage(items, limit, func(a *RentAgreement) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	return &Page{Agreements: items, NextCursor: next, HasMore: hasMore}, nil
}
