package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chioma/escrowd/internal/amount"
	"github.com/chioma/escrowd/internal/metrics"
	"github.com/chioma/escrowd/internal/syncutil"
	"github.com/chioma/escrowd/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	EscrowPublicKey  string            `json:"escrowPublicKey" binding:"required"`
	SourceParty      string            `json:"sourceParty" binding:"required"`
	DestinationParty string            `json:"destinationParty" binding:"required"`
	Amount           string            `json:"amount" binding:"required"`
	AssetType        AssetType         `json:"assetType"`
	AssetCode        string            `json:"assetCode"`
	AssetIssuer      string            `json:"assetIssuer"`
	Conditions       ReleaseConditions `json:"releaseConditions"`
	ExpirationDate   *time.Time        `json:"expirationDate"`
	RentAgreementID  string            `json:"rentAgreementId"`
}

// Engine is the escrow state machine. All mutating operations on a
// given escrow ID are serialized through a per-record lock; operations
// on different IDs proceed in parallel. The lock is never held across
// ledger I/O: the engine decides under the lock, submits without it,
// and re-acquires it only to record the outcome.
type Engine struct {
	store     Store
	submitter LedgerSubmitter
	verifier  SignatureVerifier
	gate      DisputeGate
	notifier  Notifier
	logger    *slog.Logger
	locks     syncutil.ShardedMutex
	inflight  sync.Map // escrow ID -> struct{} while a submission is pending
	now       func() time.Time
}

// NewEngine creates a new escrow engine.
func NewEngine(store Store, submitter LedgerSubmitter, verifier SignatureVerifier) *Engine {
	return &Engine{
		store:     store,
		submitter: submitter,
		verifier:  verifier,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithGate sets the dispute gate consulted before release/refund.
func (eng *Engine) WithGate(g DisputeGate) *Engine {
	eng.gate = g
	return eng
}

// WithNotifier sets the lifecycle event sink.
func (eng *Engine) WithNotifier(n Notifier) *Engine {
	eng.notifier = n
	return eng
}

// WithLogger sets a structured logger.
func (eng *Engine) WithLogger(l *slog.Logger) *Engine {
	eng.logger = l
	return eng
}

// WithClock overrides the engine's time source (tests).
func (eng *Engine) WithClock(now func() time.Time) *Engine {
	eng.now = now
	return eng
}

// Create validates the request and persists a new escrow in pending.
func (eng *Engine) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		attribute.String("source", req.SourceParty),
		attribute.String("destination", req.DestinationParty),
	)
	defer span.End()

	source := strings.ToLower(req.SourceParty)
	destination := strings.ToLower(req.DestinationParty)

	if source == destination {
		return nil, fmt.Errorf("%w: source and destination must be distinct", ErrValidation)
	}
	if !amount.IsPositive(req.Amount) {
		return nil, fmt.Errorf("%w: amount must be a positive decimal", ErrValidation)
	}

	assetType := req.AssetType
	if assetType == "" {
		assetType = AssetNative
	}
	switch assetType {
	case AssetNative:
		if req.AssetCode != "" || req.AssetIssuer != "" {
			return nil, fmt.Errorf("%w: native asset must not carry code or issuer", ErrValidation)
		}
	case AssetIssued:
		if req.AssetCode == "" || req.AssetIssuer == "" {
			return nil, fmt.Errorf("%w: issued asset requires assetCode and assetIssuer", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown asset type %q", ErrValidation, assetType)
	}

	conditions, err := normalizeConditions(req.Conditions)
	if err != nil {
		return nil, err
	}

	now := eng.now()
	e := &Escrow{
		ID:               generateEscrowID(),
		EscrowPublicKey:  strings.ToLower(req.EscrowPublicKey),
		SourceParty:      source,
		DestinationParty: destination,
		Amount:           req.Amount,
		AssetType:        assetType,
		AssetCode:        req.AssetCode,
		AssetIssuer:      strings.ToLower(req.AssetIssuer),
		Status:           StatusPending,
		Conditions:       conditions,
		ExpirationDate:   req.ExpirationDate,
		RentAgreementID:  req.RentAgreementID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := eng.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusPending)).Inc()
	eng.notify("escrow_created", e)
	return e, nil
}

// normalizeConditions validates a condition set and lowercases signer
// addresses.
func normalizeConditions(rc ReleaseConditions) (ReleaseConditions, error) {
	if ms := rc.MultiSig; ms != nil {
		if ms.RequiredSignatures < 1 {
			return rc, fmt.Errorf("%w: requiredSignatures must be at least 1", ErrValidation)
		}
		if len(ms.Signers) == 0 {
			return rc, fmt.Errorf("%w: multiSig requires a non-empty signer set", ErrValidation)
		}
		seen := make(map[string]bool, len(ms.Signers))
		normalized := make([]string, 0, len(ms.Signers))
		for _, s := range ms.Signers {
			addr := strings.ToLower(strings.TrimSpace(s))
			if addr == "" {
				return rc, fmt.Errorf("%w: empty signer address", ErrValidation)
			}
			if seen[addr] {
				return rc, fmt.Errorf("%w: duplicate signer %s", ErrValidation, addr)
			}
			seen[addr] = true
			normalized = append(normalized, addr)
		}
		if ms.RequiredSignatures > len(normalized) {
			return rc, fmt.Errorf("%w: requiredSignatures exceeds signer count", ErrValidation)
		}
		rc.MultiSig = &MultiSig{RequiredSignatures: ms.RequiredSignatures, Signers: normalized}
	}

	if tl := rc.Timelock; tl != nil {
		if tl.ReleaseAfter != nil && tl.ExpireAfter != nil && !tl.ExpireAfter.After(*tl.ReleaseAfter) {
			return rc, fmt.Errorf("%w: expireAfter must be after releaseAfter", ErrValidation)
		}
	}

	seen := make(map[string]bool, len(rc.Named))
	for i := range rc.Named {
		t := strings.TrimSpace(rc.Named[i].Type)
		if t == "" {
			return rc, fmt.Errorf("%w: named condition requires a type", ErrValidation)
		}
		if seen[t] {
			return rc, fmt.Errorf("%w: duplicate condition type %q", ErrValidation, t)
		}
		seen[t] = true
		rc.Named[i].Type = t
		rc.Named[i].Fulfilled = false
		rc.Named[i].FulfilledAt = nil
		rc.Named[i].FulfilledBy = ""
	}

	return rc, nil
}

// ConfirmFunding records an on-chain funding confirmation and moves the
// escrow from pending to funded.
func (eng *Engine) ConfirmFunding(ctx context.Context, id, ledgerProofRef string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmFunding", attribute.String("escrow_id", id))
	defer span.End()

	unlock := eng.locks.Lock(id)

	e, err := eng.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	if e.Status != StatusPending {
		unlock()
		return e, fmt.Errorf("%w: status is %s, expected %s", ErrInvalidState, e.Status, StatusPending)
	}

	now := eng.now()
	if TimedOut(e.Conditions, e.ExpirationDate, now) {
		// Never-funded escrow past its deadline: no funds at stake.
		e.Status = StatusExpired
		e.UpdatedAt = now
		if err := eng.store.Update(ctx, e); err != nil {
			unlock()
			return nil, err
		}
		unlock()
		metrics.EscrowsTotal.WithLabelValues(string(StatusExpired)).Inc()
		eng.notify("escrow_expired", e)
		return e, fmt.Errorf("%w: escrow expired before funding", ErrInvalidState)
	}

	e.Status = StatusFunded
	e.FundingProofRef = ledgerProofRef
	e.UpdatedAt = now
	if err := eng.store.Update(ctx, e); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	metrics.EscrowsTotal.WithLabelValues(string(StatusFunded)).Inc()
	eng.notify("escrow_funded", e)

	return eng.reevaluate(ctx, e)
}

// SubmitSignature verifies and records a release approval signature,
// then re-runs the readiness evaluation. Re-submitting an
// already-recorded signer is a no-op.
func (eng *Engine) SubmitSignature(ctx context.Context, id, signerAddress, payload, signature string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitSignature",
		attribute.String("escrow_id", id),
		attribute.String("signer", signerAddress),
	)
	defer span.End()

	unlock := eng.locks.Lock(id)

	e, err := eng.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	if e.Status == StatusDisputed {
		unlock()
		return e, ErrDisputeActive
	}
	if e.Status != StatusFunded {
		unlock()
		return e, fmt.Errorf("%w: status is %s, expected %s", ErrInvalidState, e.Status, StatusFunded)
	}

	signer := strings.ToLower(signerAddress)
	if !isConfiguredSigner(e.Conditions.MultiSig, signer) {
		unlock()
		eng.logger.Warn("rejected signature from unauthorized signer",
			"escrowId", id, "signer", signer)
		return e, ErrUnauthorizedSigner
	}

	if e.HasSigner(signer) {
		unlock()
		return e, nil
	}

	if !eng.verifier.Verify(signer, payload, signature) {
		unlock()
		eng.logger.Warn("rejected invalid signature",
			"escrowId", id, "signer", signer)
		return e, ErrInvalidSignature
	}

	e.Signatures = append(e.Signatures, signer)
	e.UpdatedAt = eng.now()
	if err := eng.store.Update(ctx, e); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	eng.logger.Info("signature recorded",
		"escrowId", id, "signer", signer, "count", len(e.Signatures))

	return eng.reevaluate(ctx, e)
}

func isConfiguredSigner(ms *MultiSig, signer string) bool {
	if ms == nil {
		return false
	}
	for _, s := range ms.Signers {
		if s == signer {
			return true
		}
	}
	return false
}

// FulfillCondition marks a named condition fulfilled and re-runs the
// readiness evaluation. Re-fulfilling is a no-op.
func (eng *Engine) FulfillCondition(ctx context.Context, id, conditionType, fulfilledBy string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FulfillCondition",
		attribute.String("escrow_id", id),
		attribute.String("condition", conditionType),
	)
	defer span.End()

	unlock := eng.locks.Lock(id)

	e, err := eng.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	if e.Status == StatusDisputed {
		unlock()
		return e, ErrDisputeActive
	}
	if e.Status != StatusFunded {
		unlock()
		return e, fmt.Errorf("%w: status is %s, expected %s", ErrInvalidState, e.Status, StatusFunded)
	}

	c := e.Condition(conditionType)
	if c == nil {
		unlock()
		return e, fmt.Errorf("%w: %q", ErrConditionNotFound, conditionType)
	}
	if c.Fulfilled {
		unlock()
		return e, nil
	}

	now := eng.now()
	c.Fulfilled = true
	c.FulfilledAt = &now
	c.FulfilledBy = strings.ToLower(fulfilledBy)
	e.UpdatedAt = now
	if err := eng.store.Update(ctx, e); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	return eng.reevaluate(ctx, e)
}

// RequestRelease is the explicit manual release trigger. It succeeds
// when conditions evaluate satisfied, when the escrow has no conditions
// configured (manual-only path), or when the caller holds a pre-checked
// administrative override.
func (eng *Engine) RequestRelease(ctx context.Context, id string, adminOverride bool) (*Escrow, error) {
	return eng.requestDecision(ctx, id, SubmitRelease, adminOverride)
}

// RequestRefund is the explicit manual refund trigger, symmetric to
// RequestRelease.
func (eng *Engine) RequestRefund(ctx context.Context, id string, adminOverride bool) (*Escrow, error) {
	return eng.requestDecision(ctx, id, SubmitRefund, adminOverride)
}

func (eng *Engine) requestDecision(ctx context.Context, id string, kind SubmissionKind, adminOverride bool) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestDecision",
		attribute.String("escrow_id", id),
		attribute.String("kind", string(kind)),
	)
	defer span.End()

	unlock := eng.locks.Lock(id)

	e, err := eng.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	if e.IsTerminal() {
		unlock()
		return e, fmt.Errorf("%w: escrow already %s", ErrInvalidState, e.Status)
	}
	if e.Status == StatusDisputed {
		unlock()
		return e, ErrDisputeActive
	}
	if e.Status != StatusFunded {
		unlock()
		return e, fmt.Errorf("%w: status is %s, expected %s", ErrInvalidState, e.Status, StatusFunded)
	}

	now := eng.now()

	// The gate is re-polled on every state-changing call; a dispute can
	// open between any two operations.
	dec, err := eng.checkGate(ctx, e)
	if err != nil {
		unlock()
		return e, err
	}
	if dec.Blocked {
		res, ferr := eng.freeze(ctx, unlock, e, dec.BlockedBy, now)
		if ferr != nil {
			return res, ferr
		}
		return res, ErrDisputeActive
	}
	if dec.Forced != nil && dec.Forced.Outcome != OutcomeNoAction && forcedApplies(dec.Forced, e) {
		return eng.applyForced(ctx, unlock, e, dec.Forced, now)
	}

	// Expiration takes precedence over any release decision.
	if TimedOut(e.Conditions, e.ExpirationDate, now) {
		res, ferr := eng.finalize(ctx, unlock, e, StatusExpired, nil, now)
		if ferr != nil {
			return res, ferr
		}
		return res, fmt.Errorf("%w: escrow expired", ErrInvalidState)
	}

	if !e.Conditions.IsEmpty() && !Satisfied(e.Conditions, now, recordedAssertions(e)) && !adminOverride {
		unlock()
		return e, ErrConditionsNotMet
	}

	terminal := StatusReleased
	if kind == SubmitRefund {
		terminal = StatusRefunded
	}
	return eng.finalize(ctx, unlock, e, terminal, nil, now)
}

// Tick is the idempotent re-evaluation entry point. It checks the
// dispute gate, then expiration, then satisfaction, in that order, and
// leaves the record unchanged when nothing applies. Terminal escrows
// are reported as-is.
func (eng *Engine) Tick(ctx context.Context, id string, now time.Time) (*Escrow, error) {
	unlock := eng.locks.Lock(id)

	e, err := eng.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	if e.IsTerminal() {
		unlock()
		return e, nil
	}

	dec, err := eng.checkGate(ctx, e)
	if err != nil {
		unlock()
		return e, err
	}

	if dec.Blocked {
		if e.Status == StatusDisputed {
			unlock()
			return e, nil
		}
		if e.Status == StatusFunded {
			return eng.freeze(ctx, unlock, e, dec.BlockedBy, now)
		}
		// A pending escrow holds no funds; disputes only freeze funded
		// escrows. Fall through to expiry handling.
	}

	if dec.Forced != nil && forcedApplies(dec.Forced, e) {
		if dec.Forced.Outcome == OutcomeNoAction {
			if e.Status == StatusDisputed {
				e.Status = StatusFunded
				e.UpdatedAt = now
				if err := eng.store.Update(ctx, e); err != nil {
					unlock()
					return nil, err
				}
				eng.notify("escrow_unfrozen", e)
			}
		} else {
			return eng.applyForced(ctx, unlock, e, dec.Forced, now)
		}
	} else if e.Status == StatusDisputed {
		if !dec.Blocked {
			// Dispute concluded without a directive (rejected): resume
			// the normal flow.
			e.Status = StatusFunded
			e.UpdatedAt = now
			if err := eng.store.Update(ctx, e); err != nil {
				unlock()
				return nil, err
			}
			eng.notify("escrow_unfrozen", e)
		} else {
			unlock()
			return e, nil
		}
	}

	switch e.Status {
	case StatusPending:
		if TimedOut(e.Conditions, e.ExpirationDate, now) {
			e.Status = StatusExpired
			e.UpdatedAt = now
			if err := eng.store.Update(ctx, e); err != nil {
				unlock()
				return nil, err
			}
			unlock()
			metrics.EscrowsTotal.WithLabelValues(string(StatusExpired)).Inc()
			eng.notify("escrow_expired", e)
			return e, nil
		}

	case StatusFunded:
		if TimedOut(e.Conditions, e.ExpirationDate, now) {
			return eng.finalize(ctx, unlock, e, StatusExpired, nil, now)
		}
		if !e.Conditions.IsEmpty() && Satisfied(e.Conditions, now, recordedAssertions(e)) {
			return eng.finalize(ctx, unlock, e, StatusReleased, nil, now)
		}
	}

	unlock()
	return e, nil
}

// HandleDisputeUpdate re-evaluates every escrow linked to the given
// agreement. The dispute subsystem calls this when it opens or resolves
// a dispute.
func (eng *Engine) HandleDisputeUpdate(ctx context.Context, agreementID string) error {
	if agreementID == "" {
		return nil
	}
	escrows, err := eng.store.ListByAgreement(ctx, agreementID)
	if err != nil {
		return err
	}
	for _, e := range escrows {
		if e.IsTerminal() {
			continue
		}
		if _, err := eng.Tick(ctx, e.ID, eng.now()); err != nil {
			eng.logger.Warn("dispute-triggered re-evaluation failed",
				"escrowId", e.ID, "agreementId", agreementID, "error", err)
		}
	}
	return nil
}

// Get returns an escrow by ID.
func (eng *Engine) Get(ctx context.Context, id string) (*Escrow, error) {
	return eng.store.Get(ctx, id)
}

// List returns escrows matching the filter.
func (eng *Engine) List(ctx context.Context, filter Filter) ([]*Escrow, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	filter.PublicKey = strings.ToLower(filter.PublicKey)
	return eng.store.List(ctx, filter)
}

// reevaluate runs a tick after a mutating call. Submission failures are
// logged rather than returned: the mutation itself succeeded and the
// expiry timer retries the decision later.
func (eng *Engine) reevaluate(ctx context.Context, e *Escrow) (*Escrow, error) {
	res, err := eng.Tick(ctx, e.ID, eng.now())
	if err != nil {
		eng.logger.Warn("post-mutation evaluation failed",
			"escrowId", e.ID, "error", err)
		return e, nil
	}
	return res, nil
}

// checkGate polls the dispute gate. Escrows without an agreement link
// are never dispute-gated.
func (eng *Engine) checkGate(ctx context.Context, e *Escrow) (GateDecision, error) {
	if eng.gate == nil || e.RentAgreementID == "" {
		return GateDecision{}, nil
	}
	dec, err := eng.gate.Check(ctx, e.RentAgreementID, e.ID)
	if err != nil {
		return GateDecision{}, fmt.Errorf("dispute gate check failed: %w", err)
	}
	return dec, nil
}

// freeze moves a funded escrow into disputed. Takes ownership of unlock.
func (eng *Engine) freeze(ctx context.Context, unlock func(), e *Escrow, disputeID string, now time.Time) (*Escrow, error) {
	e.Status = StatusDisputed
	e.DisputeID = disputeID
	e.UpdatedAt = now
	if err := eng.store.Update(ctx, e); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	eng.logger.Info("escrow frozen by dispute", "escrowId", e.ID, "disputeId", disputeID)
	eng.notify("escrow_disputed", e)
	return e, nil
}

// forcedApplies scopes a concluded dispute's directive to the escrows
// it was about: the one it froze, and funded escrows that already
// existed when the dispute concluded. An escrow created on the same
// agreement after the resolution is new business and follows normal
// condition evaluation.
func forcedApplies(f *ForcedOutcome, e *Escrow) bool {
	if e.Status == StatusDisputed {
		return true
	}
	if e.Status != StatusFunded {
		return false
	}
	return !f.ResolvedAt.IsZero() && e.CreatedAt.Before(f.ResolvedAt)
}

// applyForced drives the escrow to the outcome a concluded dispute
// mandates, overriding normal condition evaluation. Takes ownership of
// unlock.
func (eng *Engine) applyForced(ctx context.Context, unlock func(), e *Escrow, forced *ForcedOutcome, now time.Time) (*Escrow, error) {
	switch forced.Outcome {
	case OutcomeReleaseToDestination:
		return eng.finalize(ctx, unlock, e, StatusReleased, forced, now)
	case OutcomeRefundToSource:
		return eng.finalize(ctx, unlock, e, StatusRefunded, forced, now)
	case OutcomeSplit:
		if err := validateSplit(e.Amount, forced); err != nil {
			unlock()
			return e, err
		}
		return eng.finalize(ctx, unlock, e, StatusReleased, forced, now)
	default:
		unlock()
		return e, fmt.Errorf("%w: unknown forced outcome %q", ErrValidation, forced.Outcome)
	}
}

func validateSplit(total string, forced *ForcedOutcome) error {
	rel, ok1 := amount.Parse(forced.ReleaseAmount)
	ref, ok2 := amount.Parse(forced.RefundAmount)
	tot, ok3 := amount.Parse(total)
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("%w: malformed split amounts", ErrValidation)
	}
	if rel.Sign() <= 0 || ref.Sign() <= 0 {
		return fmt.Errorf("%w: split legs must both be positive", ErrValidation)
	}
	sum := rel.Add(rel, ref)
	if sum.Cmp(tot) != 0 {
		return fmt.Errorf("%w: split legs must sum to the escrow amount", ErrValidation)
	}
	return nil
}
