package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chioma/escrowd/internal/amount"
	"github.com/chioma/escrowd/internal/metrics"
	"github.com/chioma/escrowd/internal/traces"
)

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	// ListByAgreement returns the agreement's disputes newest first.
	ListByAgreement(ctx context.Context, agreementID string) ([]*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// EscrowReevaluator is notified after every dispute state change so
// linked escrows can be frozen or driven to the resolved outcome.
type EscrowReevaluator interface {
	HandleDisputeUpdate(ctx context.Context, agreementID string) error
}

// Notifier receives dispute lifecycle events for fan-out.
type Notifier interface {
	DisputeEvent(event string, d *Dispute)
}

// Service implements dispute lifecycle operations.
type Service struct {
	store    Store
	escrows  EscrowReevaluator
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithEscrows wires the escrow engine re-evaluation hook.
func (s *Service) WithEscrows(e EscrowReevaluator) *Service {
	s.escrows = e
	return s
}

// WithNotifier sets the lifecycle event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// OpenRequest contains the parameters for raising a dispute.
type OpenRequest struct {
	AgreementID string `json:"agreementId" binding:"required"`
	EscrowID    string `json:"escrowId"`
	RaisedBy    string `json:"raisedBy" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

// Open raises a new dispute against an agreement. At most one dispute
// per agreement may be unconcluded at a time.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		attribute.String("agreement_id", req.AgreementID),
	)
	defer span.End()

	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}

	existing, err := s.store.ListByAgreement(ctx, req.AgreementID)
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if !d.IsConcluded() {
			return nil, ErrAlreadyOpen
		}
	}

	now := s.now()
	d := &Dispute{
		ID:          generateDisputeID(),
		AgreementID: req.AgreementID,
		EscrowID:    req.EscrowID,
		RaisedBy:    strings.ToLower(req.RaisedBy),
		Reason:      req.Reason,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	s.logger.Info("dispute opened",
		"disputeId", d.ID, "agreementId", d.AgreementID, "raisedBy", d.RaisedBy)
	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.notify("dispute_opened", d)
	s.reevaluate(ctx, d.AgreementID)
	return d, nil
}

// AddEvidence appends an evidence entry to an unconcluded dispute.
func (s *Service) AddEvidence(ctx context.Context, id, submittedBy, content string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsConcluded() {
		return d, fmt.Errorf("%w: dispute is %s", ErrInvalidState, d.Status)
	}
	if strings.TrimSpace(content) == "" {
		return d, fmt.Errorf("%w: evidence content is required", ErrValidation)
	}

	now := s.now()
	d.Evidence = append(d.Evidence, EvidenceEntry{
		SubmittedBy: strings.ToLower(submittedBy),
		Content:     content,
		SubmittedAt: now,
	})
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Review moves an open dispute under review.
func (s *Service) Review(ctx context.Context, id, reviewer string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return d, fmt.Errorf("%w: dispute is %s, expected %s", ErrInvalidState, d.Status, StatusOpen)
	}

	d.Status = StatusUnderReview
	d.ResolvedBy = strings.ToLower(reviewer)
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	s.notify("dispute_under_review", d)
	return d, nil
}

// ResolveRequest carries a dispute resolution directive.
type ResolveRequest struct {
	Outcome       Outcome `json:"outcome" binding:"required"`
	ReleaseAmount string  `json:"releaseAmount"`
	RefundAmount  string  `json:"refundAmount"`
	ResolvedBy    string  `json:"resolvedBy" binding:"required"`
}

// Resolve concludes a dispute with a directive. Split outcomes must
// carry both leg amounts; the escrow engine checks they sum to the
// escrow amount when it executes the directive.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		attribute.String("dispute_id", id),
		attribute.String("outcome", string(req.Outcome)),
	)
	defer span.End()

	if !ValidOutcome(req.Outcome) {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrValidation, req.Outcome)
	}
	if req.Outcome == OutcomeSplit {
		if !amount.IsPositive(req.ReleaseAmount) || !amount.IsPositive(req.RefundAmount) {
			return nil, fmt.Errorf("%w: split requires positive releaseAmount and refundAmount", ErrValidation)
		}
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsConcluded() {
		return d, fmt.Errorf("%w: dispute is already %s", ErrInvalidState, d.Status)
	}

	now := s.now()
	d.Status = StatusResolved
	d.Outcome = req.Outcome
	d.ReleaseAmount = req.ReleaseAmount
	d.RefundAmount = req.RefundAmount
	d.ResolvedBy = strings.ToLower(req.ResolvedBy)
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("dispute resolved",
		"disputeId", d.ID, "agreementId", d.AgreementID,
		"outcome", string(d.Outcome), "resolvedBy", d.ResolvedBy)
	metrics.DisputesTotal.WithLabelValues(string(StatusResolved)).Inc()
	s.notify("dispute_resolved", d)
	s.reevaluate(ctx, d.AgreementID)
	return d, nil
}

// Reject dismisses a dispute without a directive; frozen escrows
// resume their normal flow.
func (s *Service) Reject(ctx context.Context, id, rejectedBy, reason string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsConcluded() {
		return d, fmt.Errorf("%w: dispute is already %s", ErrInvalidState, d.Status)
	}

	now := s.now()
	d.Status = StatusRejected
	d.ResolvedBy = strings.ToLower(rejectedBy)
	d.ResolvedAt = &now
	if reason != "" {
		d.Evidence = append(d.Evidence, EvidenceEntry{
			SubmittedBy: strings.ToLower(rejectedBy),
			Content:     "rejection: " + reason,
			SubmittedAt: now,
		})
	}
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("dispute rejected", "disputeId", d.ID, "agreementId", d.AgreementID)
	metrics.DisputesTotal.WithLabelValues(string(StatusRejected)).Inc()
	s.notify("dispute_rejected", d)
	s.reevaluate(ctx, d.AgreementID)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByAgreement returns all disputes for an agreement, newest first.
func (s *Service) ListByAgreement(ctx context.Context, agreementID string) ([]*Dispute, error) {
	return s.store.ListByAgreement(ctx, agreementID)
}

// ListByStatus returns disputes in the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

func (s *Service) reevaluate(ctx context.Context, agreementID string) {
	if s.escrows == nil {
		return
	}
	if err := s.escrows.HandleDisputeUpdate(ctx, agreementID); err != nil {
		s.logger.Warn("escrow re-evaluation after dispute change failed",
			"agreementId", agreementID, "error", err)
	}
}

func (s *Service) notify(event string, d *Dispute) {
	if s.notifier == nil {
		return
	}
	copied := *d
	s.notifier.DisputeEvent(event, &copied)
}
