package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// mockSubmitter records ledger submissions and returns canned hashes.
type mockSubmitter struct {
	mu      sync.Mutex
	calls   []submission
	err     error
	block   chan struct{} // when set, Submit waits on it
	entered chan struct{} // when set, Submit signals entry
}

type submission struct {
	kind        SubmissionKind
	escrowID    string
	destination string
	amount      string
}

func (m *mockSubmitter) Submit(_ context.Context, kind SubmissionKind, e *Escrow, destination, amount string) (string, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.calls = append(m.calls, submission{kind, e.ID, destination, amount})
	return fmt.Sprintf("0xtx_%s_%d", kind, len(m.calls)), nil
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSubmitter) call(i int) submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

// mockVerifier accepts every signature except rejected signers.
type mockVerifier struct {
	reject map[string]bool
}

func (m *mockVerifier) Verify(signerAddress, _, _ string) bool {
	return !m.reject[signerAddress]
}

// mockGate returns a fixed decision.
type mockGate struct {
	mu    sync.Mutex
	dec   GateDecision
	err   error
	calls int
}

func (m *mockGate) Check(_ context.Context, _, _ string) (GateDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.dec, m.err
}

func (m *mockGate) set(dec GateDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dec = dec
}

func newTestEngine() (*Engine, *MemoryStore, *mockSubmitter) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	eng := NewEngine(store, sub, &mockVerifier{})
	return eng, store, sub
}

func multiSigRequest(required int, signers ...string) CreateRequest {
	return CreateRequest{
		EscrowPublicKey:  "0xesc",
		SourceParty:      "0xtenant",
		DestinationParty: "0xlandlord",
		Amount:           "1500.00",
		Conditions: ReleaseConditions{
			MultiSig: &MultiSig{RequiredSignatures: required, Signers: signers},
		},
	}
}

func TestEngine_CreateValidation(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"same parties", CreateRequest{SourceParty: "0xa", DestinationParty: "0xA", Amount: "1"}},
		{"zero amount", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "0"}},
		{"negative amount", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "-5"}},
		{"malformed amount", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "1.2.3"}},
		{"issued without code", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "1", AssetType: AssetIssued}},
		{"native with issuer", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "1", AssetType: AssetNative, AssetIssuer: "0xi"}},
		{"threshold zero", multiSigRequest(0, "0xa2", "0xb2")},
		{"threshold above set", multiSigRequest(3, "0xa2", "0xb2")},
		{"duplicate signers", multiSigRequest(2, "0xa2", "0xA2")},
		{"empty signer set", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "1",
			Conditions: ReleaseConditions{MultiSig: &MultiSig{RequiredSignatures: 1}}}},
		{"duplicate condition types", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "1",
			Conditions: ReleaseConditions{Named: []NamedCondition{{Type: "x"}, {Type: "x"}}}}},
		{"expire before release", CreateRequest{SourceParty: "0xa", DestinationParty: "0xb", Amount: "1",
			Conditions: ReleaseConditions{Timelock: &Timelock{
				ReleaseAfter: tp(time.Now().Add(2 * time.Hour)),
				ExpireAfter:  tp(time.Now().Add(time.Hour)),
			}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := eng.Create(ctx, tc.req); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestEngine_Create_NormalizesAddresses(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	e, err := eng.Create(ctx, multiSigRequest(2, "0xAAA", "0xBBB", "0xCCC"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("expected pending, got %s", e.Status)
	}
	if e.SourceParty != "0xtenant" || e.DestinationParty != "0xlandlord" {
		t.Errorf("party addresses not normalized: %s / %s", e.SourceParty, e.DestinationParty)
	}
	for _, s := range e.Conditions.MultiSig.Signers {
		if s != "0xaaa" && s != "0xbbb" && s != "0xccc" {
			t.Errorf("signer not lowercased: %s", s)
		}
	}
	// Named conditions always start unfulfilled regardless of input.
	e2, err := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "1",
		Conditions: ReleaseConditions{Named: []NamedCondition{{Type: "x", Fulfilled: true}}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e2.Conditions.Named[0].Fulfilled {
		t.Error("named condition created pre-fulfilled")
	}
}

func TestEngine_MultiSigLifecycle(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	e, err := eng.Create(ctx, multiSigRequest(2, "0xaaa", "0xbbb", "0xccc"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Signatures before funding are rejected.
	if _, err := eng.SubmitSignature(ctx, e.ID, "0xaaa", "p", "sig"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before funding, got %v", err)
	}

	e, err = eng.ConfirmFunding(ctx, e.ID, "0xfundtx")
	if err != nil {
		t.Fatalf("ConfirmFunding failed: %v", err)
	}
	if e.Status != StatusFunded || e.FundingProofRef != "0xfundtx" {
		t.Fatalf("unexpected state after funding: %s / %s", e.Status, e.FundingProofRef)
	}

	// Double-funding is rejected.
	if _, err := eng.ConfirmFunding(ctx, e.ID, "0xother"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on re-funding, got %v", err)
	}

	// First signature: below threshold, no release.
	e, err = eng.SubmitSignature(ctx, e.ID, "0xAAA", "p", "sig")
	if err != nil {
		t.Fatalf("SubmitSignature failed: %v", err)
	}
	if e.Status != StatusFunded || len(e.Signatures) != 1 {
		t.Fatalf("unexpected state after first signature: %s, %d sigs", e.Status, len(e.Signatures))
	}
	if sub.callCount() != 0 {
		t.Fatal("submitted below threshold")
	}

	// Second signature reaches the threshold and triggers release.
	e, err = eng.SubmitSignature(ctx, e.ID, "0xbbb", "p", "sig")
	if err != nil {
		t.Fatalf("SubmitSignature failed: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
	if e.ReleaseTxHash == "" || e.ReleasedAt == nil {
		t.Error("release outcome fields not recorded")
	}
	if e.RefundTxHash != "" {
		t.Error("refund hash set on a release")
	}
	if sub.callCount() != 1 {
		t.Fatalf("expected 1 submission, got %d", sub.callCount())
	}
	call := sub.call(0)
	if call.kind != SubmitRelease || call.destination != "0xlandlord" || call.amount != "1500.00" {
		t.Errorf("unexpected submission: %+v", call)
	}

	// Terminal: every further operation is rejected, reads still work.
	if _, err := eng.SubmitSignature(ctx, e.ID, "0xccc", "p", "sig"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on terminal escrow, got %v", err)
	}
	if _, err := eng.RequestRefund(ctx, e.ID, false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on terminal escrow, got %v", err)
	}
	got, err := eng.Get(ctx, e.ID)
	if err != nil || got.Status != StatusReleased {
		t.Errorf("terminal escrow not readable: %v", err)
	}
}

func TestEngine_SignatureIdempotentAndMonotonic(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	e, _ := eng.Create(ctx, multiSigRequest(2, "0xaaa", "0xbbb"))
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	e, err := eng.SubmitSignature(ctx, e.ID, "0xaaa", "p", "sig")
	if err != nil {
		t.Fatalf("SubmitSignature failed: %v", err)
	}

	// Same signer again: no-op, set unchanged.
	e, err = eng.SubmitSignature(ctx, e.ID, "0xAaA", "p", "different-sig")
	if err != nil {
		t.Fatalf("repeat SubmitSignature failed: %v", err)
	}
	if len(e.Signatures) != 1 {
		t.Fatalf("signature set changed on repeat: %v", e.Signatures)
	}
	if sub.callCount() != 0 {
		t.Fatal("repeat signature triggered a submission")
	}
}

func TestEngine_SignatureRejections(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	eng := NewEngine(store, sub, &mockVerifier{reject: map[string]bool{"0xbbb": true}})
	ctx := context.Background()

	e, _ := eng.Create(ctx, multiSigRequest(2, "0xaaa", "0xbbb"))
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	if _, err := eng.SubmitSignature(ctx, e.ID, "0xoutsider", "p", "sig"); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Errorf("expected ErrUnauthorizedSigner, got %v", err)
	}
	if _, err := eng.SubmitSignature(ctx, e.ID, "0xbbb", "p", "bad"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	got, _ := eng.Get(ctx, e.ID)
	if len(got.Signatures) != 0 {
		t.Errorf("rejected signatures were recorded: %v", got.Signatures)
	}
}

func TestEngine_NoConditionsManualOnly(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	e, err := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	// Ticks never auto-release an escrow without conditions.
	for i := 0; i < 3; i++ {
		e, err = eng.Tick(ctx, e.ID, time.Now().Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}
	if e.Status != StatusFunded || sub.callCount() != 0 {
		t.Fatalf("condition-less escrow auto-released: %s", e.Status)
	}

	// The explicit manual path works.
	e, err = eng.RequestRelease(ctx, e.ID, false)
	if err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
}

func TestEngine_ConditionsNotMetAndOverride(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	e, _ := eng.Create(ctx, multiSigRequest(2, "0xaaa", "0xbbb"))
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	if _, err := eng.RequestRelease(ctx, e.ID, false); !errors.Is(err, ErrConditionsNotMet) {
		t.Errorf("expected ErrConditionsNotMet, got %v", err)
	}

	e, err := eng.RequestRelease(ctx, e.ID, true)
	if err != nil {
		t.Fatalf("override release failed: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
}

func TestEngine_ExpirationPrecedence(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	deadline := time.Now().Add(-time.Minute)
	e, err := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		Conditions: ReleaseConditions{
			Named: []NamedCondition{{Type: "inspection_passed"}},
		},
		ExpirationDate: &deadline,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Funding was confirmed before the deadline passed; force the
	// record into funded with a satisfied condition set to make the
	// precedence visible.
	e.Status = StatusFunded
	e.Conditions.Named[0].Fulfilled = true
	if err := eng.store.Update(ctx, e); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	e, err = eng.Tick(ctx, e.ID, time.Now())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if e.Status != StatusExpired {
		t.Fatalf("expected expired to win over satisfied, got %s", e.Status)
	}
	// Funded expiry recovers the funds back to the source.
	if sub.callCount() != 1 || sub.call(0).kind != SubmitRefund || sub.call(0).destination != "0xa" {
		t.Fatalf("expected one recovery refund, got %+v", sub.calls)
	}
	if e.RefundTxHash == "" || e.RefundedAt == nil {
		t.Error("recovery refund not recorded")
	}
}

func TestEngine_PendingExpiryMovesNoFunds(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	deadline := time.Now().Add(-time.Minute)
	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		ExpirationDate: &deadline,
	})

	e, err := eng.Tick(ctx, e.ID, time.Now())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if e.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", e.Status)
	}
	if sub.callCount() != 0 {
		t.Fatal("pending expiry must not touch the ledger")
	}

	// Late funding confirmation is rejected.
	if _, err := eng.ConfirmFunding(ctx, e.ID, "0xlate"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestEngine_ConfirmFundingPastDeadline(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	deadline := time.Now().Add(-time.Minute)
	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		ExpirationDate: &deadline,
	})

	_, err := eng.ConfirmFunding(ctx, e.ID, "0xf")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	got, _ := eng.Get(ctx, e.ID)
	if got.Status != StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
}

func TestEngine_TimelockAutoRelease(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	opens := time.Now().Add(time.Hour)
	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		Conditions: ReleaseConditions{Timelock: &Timelock{ReleaseAfter: &opens}},
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	// Before the window opens: nothing happens.
	e, err := eng.Tick(ctx, e.ID, opens.Add(-time.Minute))
	if err != nil || e.Status != StatusFunded {
		t.Fatalf("released before timelock opened: %s, %v", e.Status, err)
	}

	// Past the bound the sweep releases without any API call.
	e, err = eng.Tick(ctx, e.ID, opens.Add(time.Minute))
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if e.Status != StatusReleased || sub.callCount() != 1 {
		t.Fatalf("expected auto-release, got %s with %d submissions", e.Status, sub.callCount())
	}

	// Re-ticking a terminal escrow changes nothing.
	e2, err := eng.Tick(ctx, e.ID, opens.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if e2.Status != StatusReleased || e2.UpdatedAt != e.UpdatedAt || sub.callCount() != 1 {
		t.Error("tick on terminal escrow was not a no-op")
	}
}

func TestEngine_FulfillCondition(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		Conditions: ReleaseConditions{Named: []NamedCondition{
			{Type: "inspection_passed"},
			{Type: "keys_handed_over"},
		}},
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	if _, err := eng.FulfillCondition(ctx, e.ID, "no_such_condition", "0xinspector"); !errors.Is(err, ErrConditionNotFound) {
		t.Errorf("expected ErrConditionNotFound, got %v", err)
	}

	e, err := eng.FulfillCondition(ctx, e.ID, "inspection_passed", "0xInspector")
	if err != nil {
		t.Fatalf("FulfillCondition failed: %v", err)
	}
	c := e.Condition("inspection_passed")
	if !c.Fulfilled || c.FulfilledAt == nil || c.FulfilledBy != "0xinspector" {
		t.Errorf("condition not recorded: %+v", c)
	}
	if e.Status != StatusFunded || sub.callCount() != 0 {
		t.Fatal("released with one of two conditions fulfilled")
	}

	// Idempotent: the first fulfillment record survives.
	e, err = eng.FulfillCondition(ctx, e.ID, "inspection_passed", "0xsomeone-else")
	if err != nil {
		t.Fatalf("repeat FulfillCondition failed: %v", err)
	}
	if e.Condition("inspection_passed").FulfilledBy != "0xinspector" {
		t.Error("repeat fulfillment overwrote the original record")
	}

	// Last condition triggers the release.
	e, err = eng.FulfillCondition(ctx, e.ID, "keys_handed_over", "0xa")
	if err != nil {
		t.Fatalf("FulfillCondition failed: %v", err)
	}
	if e.Status != StatusReleased || sub.callCount() != 1 {
		t.Fatalf("expected released, got %s with %d submissions", e.Status, sub.callCount())
	}
}

func TestEngine_DisputeFreezeAndForcedRefund(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xtenant", DestinationParty: "0xlandlord", Amount: "10",
		RentAgreementID: "agr_1",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	// A dispute opens.
	gate.set(GateDecision{Blocked: true, BlockedBy: "dsp_1"})

	_, err := eng.RequestRelease(ctx, e.ID, true)
	if !errors.Is(err, ErrDisputeActive) {
		t.Fatalf("expected ErrDisputeActive, got %v", err)
	}
	e, _ = eng.Get(ctx, e.ID)
	if e.Status != StatusDisputed || e.DisputeID != "dsp_1" {
		t.Fatalf("escrow not frozen: %s / %s", e.Status, e.DisputeID)
	}

	// Everything stays blocked while the dispute is open.
	if _, err := eng.RequestRefund(ctx, e.ID, true); !errors.Is(err, ErrDisputeActive) {
		t.Errorf("expected ErrDisputeActive, got %v", err)
	}
	if sub.callCount() != 0 {
		t.Fatal("funds moved while disputed")
	}

	// Dispute resolves with a forced refund.
	gate.set(GateDecision{Forced: &ForcedOutcome{DisputeID: "dsp_1", Outcome: OutcomeRefundToSource}})
	e, err = eng.Tick(ctx, e.ID, time.Now())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if e.Status != StatusRefunded || e.RefundTxHash == "" {
		t.Fatalf("forced refund not applied: %s", e.Status)
	}
	if sub.callCount() != 1 || sub.call(0).kind != SubmitRefund || sub.call(0).destination != "0xtenant" {
		t.Fatalf("unexpected submissions: %+v", sub.calls)
	}
}

func TestEngine_DisputeRejectedResumesFlow(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{dec: GateDecision{Blocked: true, BlockedBy: "dsp_1"}}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		RentAgreementID: "agr_1",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")
	e, _ = eng.Tick(ctx, e.ID, time.Now())
	if e.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", e.Status)
	}

	// Dispute rejected: no directive, no block.
	gate.set(GateDecision{})
	e, err := eng.Tick(ctx, e.ID, time.Now())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if e.Status != StatusFunded {
		t.Fatalf("expected funded after rejection, got %s", e.Status)
	}
	if sub.callCount() != 0 {
		t.Fatal("funds moved on dispute rejection")
	}
}

func TestEngine_StaleDirectiveLeavesNewEscrowsAlone(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	// A dispute on the agreement concluded before this escrow existed.
	gate.set(GateDecision{Forced: &ForcedOutcome{
		DisputeID:  "dsp_old",
		Outcome:    OutcomeRefundToSource,
		ResolvedAt: time.Now().Add(-time.Hour),
	}})

	e, _ := eng.Create(ctx, multiSigRequest(2, "0xaaa", "0xbbb", "0xccc"))
	e.RentAgreementID = "agr_1"
	if err := store.Update(ctx, e); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Funding confirms and the post-mutation sweep runs: the directive
	// predates the escrow, so nothing moves.
	e, err := eng.ConfirmFunding(ctx, e.ID, "0xf")
	if err != nil {
		t.Fatalf("ConfirmFunding failed: %v", err)
	}
	if e.Status != StatusFunded {
		t.Fatalf("stale directive applied on funding: %s", e.Status)
	}
	if e.RefundTxHash != "" || e.DisputeID != "" {
		t.Errorf("stale dispute attribution: refund %q dispute %q", e.RefundTxHash, e.DisputeID)
	}

	// Explicit decisions fall through to normal condition evaluation.
	if _, err := eng.RequestRelease(ctx, e.ID, false); !errors.Is(err, ErrConditionsNotMet) {
		t.Errorf("expected ErrConditionsNotMet, got %v", err)
	}
	if _, err := eng.Tick(ctx, e.ID, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	got, _ := eng.Get(ctx, e.ID)
	if got.Status != StatusFunded || sub.callCount() != 0 {
		t.Fatalf("stale directive moved funds: %s, %d submissions", got.Status, sub.callCount())
	}

	// The same directive still drives escrows it actually froze.
	frozen, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xtenant", DestinationParty: "0xlandlord", Amount: "10",
		RentAgreementID: "agr_1",
	})
	frozen.Status = StatusDisputed
	frozen.DisputeID = "dsp_old"
	if err := store.Update(ctx, frozen); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	frozen, err = eng.Tick(ctx, frozen.ID, time.Now())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if frozen.Status != StatusRefunded {
		t.Fatalf("directive not applied to frozen escrow: %s", frozen.Status)
	}
}

func TestEngine_ForcedSplit(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xtenant", DestinationParty: "0xlandlord", Amount: "100",
		RentAgreementID: "agr_1",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	gate.set(GateDecision{Forced: &ForcedOutcome{
		DisputeID:     "dsp_2",
		Outcome:       OutcomeSplit,
		ReleaseAmount: "60",
		RefundAmount:  "40",
		ResolvedAt:    time.Now().Add(time.Minute),
	}})

	e, err := eng.Tick(ctx, e.ID, time.Now())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
	if e.ReleaseTxHash == "" || e.RefundTxHash == "" {
		t.Error("split must record both transaction hashes")
	}
	if e.PartialReleaseAmount != "60" || e.PartialRefundAmount != "40" {
		t.Errorf("partial amounts not recorded: %s / %s", e.PartialReleaseAmount, e.PartialRefundAmount)
	}
	if e.DisputeID != "dsp_2" {
		t.Errorf("dispute not recorded: %s", e.DisputeID)
	}
	if sub.callCount() != 2 {
		t.Fatalf("expected 2 legs, got %d", sub.callCount())
	}
}

func TestEngine_SplitAmountsMustSum(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "100",
		RentAgreementID: "agr_1",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	gate.set(GateDecision{Forced: &ForcedOutcome{
		DisputeID: "dsp_3", Outcome: OutcomeSplit,
		ReleaseAmount: "60", RefundAmount: "60",
		ResolvedAt: time.Now().Add(time.Minute),
	}})

	if _, err := eng.Tick(ctx, e.ID, time.Now()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got, _ := eng.Get(ctx, e.ID)
	if got.IsTerminal() || sub.callCount() != 0 {
		t.Fatal("invalid split still moved funds")
	}
}

func TestEngine_SubmissionFailureAndRetry(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	sub.mu.Lock()
	sub.err = errors.New("rpc timeout")
	sub.mu.Unlock()

	if _, err := eng.RequestRelease(ctx, e.ID, false); !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	got, _ := eng.Get(ctx, e.ID)
	if got.Status != StatusFunded || got.ReleaseTxHash != "" {
		t.Fatalf("failed submission left bad state: %s / %q", got.Status, got.ReleaseTxHash)
	}

	// The ledger recovers; the retry completes the decision.
	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()

	e, err := eng.RequestRelease(ctx, e.ID, false)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if e.Status != StatusReleased || sub.callCount() != 1 {
		t.Fatalf("retry did not finalize: %s, %d submissions", e.Status, sub.callCount())
	}
}

func TestEngine_ConcurrentDecisionBlocked(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	eng := NewEngine(store, sub, &mockVerifier{})
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	done := make(chan error, 1)
	go func() {
		_, err := eng.RequestRelease(ctx, e.ID, false)
		done <- err
	}()

	// Wait until the first decision is on the wire, then race a second.
	<-sub.entered
	if _, err := eng.RequestRelease(ctx, e.ID, false); !errors.Is(err, ErrDecisionPending) {
		t.Fatalf("expected ErrDecisionPending, got %v", err)
	}

	close(sub.block)
	if err := <-done; err != nil {
		t.Fatalf("first decision failed: %v", err)
	}

	got, _ := eng.Get(ctx, e.ID)
	if got.Status != StatusReleased || sub.callCount() != 1 {
		t.Fatalf("double submission: %s, %d calls", got.Status, sub.callCount())
	}
}

func TestEngine_NoAgreementSkipsGate(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{err: errors.New("gate must not be called")}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	e, err := eng.RequestRelease(ctx, e.ID, false)
	if err != nil {
		t.Fatalf("RequestRelease failed: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.calls != 0 {
		t.Errorf("gate consulted for an agreement-less escrow %d times", gate.calls)
	}
}

func TestEngine_GateErrorFailsClosed(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{err: errors.New("dispute store down")}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		RentAgreementID: "agr_1",
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	if _, err := eng.RequestRelease(ctx, e.ID, true); err == nil {
		t.Fatal("expected error when the gate is unavailable")
	}
	got, _ := eng.Get(ctx, e.ID)
	if got.Status != StatusFunded || sub.callCount() != 0 {
		t.Fatal("funds moved despite gate being unavailable")
	}
}

func TestEngine_HandleDisputeUpdate(t *testing.T) {
	store := NewMemoryStore()
	sub := &mockSubmitter{}
	gate := &mockGate{}
	eng := NewEngine(store, sub, &mockVerifier{}).WithGate(gate)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		e, _ := eng.Create(ctx, CreateRequest{
			SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
			RentAgreementID: "agr_9",
		})
		e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")
		ids = append(ids, e.ID)
	}

	gate.set(GateDecision{Blocked: true, BlockedBy: "dsp_9"})
	if err := eng.HandleDisputeUpdate(ctx, "agr_9"); err != nil {
		t.Fatalf("HandleDisputeUpdate failed: %v", err)
	}

	for _, id := range ids {
		got, _ := eng.Get(ctx, id)
		if got.Status != StatusDisputed {
			t.Errorf("escrow %s not frozen: %s", id, got.Status)
		}
	}
}

// Two ticks at the same instant must be indistinguishable from one:
// same state, same submission count, whether or not the first tick
// changed anything.
func TestEngine_TickIdempotentAtSameInstant(t *testing.T) {
	eng, _, sub := newTestEngine()
	ctx := context.Background()

	opens := time.Now().Add(time.Hour)
	e, _ := eng.Create(ctx, CreateRequest{
		SourceParty: "0xa", DestinationParty: "0xb", Amount: "10",
		Conditions: ReleaseConditions{Timelock: &Timelock{ReleaseAfter: &opens}},
	})
	e, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")

	// Before the window opens: both ticks are no-ops.
	at := opens.Add(-time.Minute)
	first, err := eng.Tick(ctx, e.ID, at)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	second, err := eng.Tick(ctx, e.ID, at)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if first.Status != second.Status || !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Fatalf("idle ticks diverged: %s/%s", first.Status, second.Status)
	}
	if sub.callCount() != 0 {
		t.Fatal("idle ticks submitted to the ledger")
	}

	// Past the window: the first tick releases, the second is a no-op.
	at = opens.Add(time.Minute)
	first, err = eng.Tick(ctx, e.ID, at)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if first.Status != StatusReleased {
		t.Fatalf("expected released, got %s", first.Status)
	}
	second, err = eng.Tick(ctx, e.ID, at)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if second.Status != first.Status || second.ReleaseTxHash != first.ReleaseTxHash ||
		!second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatal("repeated tick changed a decided escrow")
	}
	if sub.callCount() != 1 {
		t.Fatalf("repeated tick re-submitted: %d calls", sub.callCount())
	}
}

// Random event sequences against one escrow must never violate the
// core invariants: terminal states are immutable, a decided escrow
// carries exactly one outcome's ledger fields, and the recorded signer
// set only grows.
func TestEngine_RandomEventSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	signers := []string{"0xaaa", "0xbbb", "0xccc"}
	conditionTypes := []string{"inspection_passed", "keys_handed_over"}

	for run := 0; run < 60; run++ {
		eng, _, _ := newTestEngine()
		ctx := context.Background()

		req := CreateRequest{
			SourceParty: "0xtenant", DestinationParty: "0xlandlord", Amount: "100",
		}
		switch rng.Intn(3) {
		case 0:
			req.Conditions = ReleaseConditions{
				MultiSig: &MultiSig{RequiredSignatures: 2, Signers: signers},
			}
		case 1:
			req.Conditions = ReleaseConditions{Named: []NamedCondition{
				{Type: conditionTypes[0]}, {Type: conditionTypes[1]},
			}}
		}
		if rng.Intn(2) == 0 {
			req.ExpirationDate = tp(time.Now().Add(time.Duration(rng.Intn(120)-60) * time.Minute))
		}

		e, err := eng.Create(ctx, req)
		if err != nil {
			t.Fatalf("run %d: Create failed: %v", run, err)
		}

		var lastSigners int
		var terminal *Escrow
		for step := 0; step < 15; step++ {
			switch rng.Intn(6) {
			case 0:
				_, _ = eng.ConfirmFunding(ctx, e.ID, "0xf")
			case 1:
				_, _ = eng.SubmitSignature(ctx, e.ID, signers[rng.Intn(len(signers))], "p", "sig")
			case 2:
				_, _ = eng.FulfillCondition(ctx, e.ID, conditionTypes[rng.Intn(2)], "0xagent")
			case 3:
				_, _ = eng.RequestRelease(ctx, e.ID, false)
			case 4:
				_, _ = eng.RequestRefund(ctx, e.ID, false)
			case 5:
				_, _ = eng.Tick(ctx, e.ID, time.Now().Add(time.Duration(rng.Intn(90))*time.Minute))
			}

			got, err := eng.Get(ctx, e.ID)
			if err != nil {
				t.Fatalf("run %d step %d: Get failed: %v", run, step, err)
			}

			if len(got.Signatures) < lastSigners {
				t.Fatalf("run %d step %d: signer count shrank %d -> %d",
					run, step, lastSigners, len(got.Signatures))
			}
			lastSigners = len(got.Signatures)

			if got.ReleaseTxHash != "" && got.RefundTxHash != "" {
				t.Fatalf("run %d step %d: both release and refund recorded", run, step)
			}
			if got.Status == StatusReleased && got.ReleaseTxHash == "" {
				t.Fatalf("run %d step %d: released without a transaction hash", run, step)
			}
			if got.Status == StatusRefunded && got.RefundTxHash == "" {
				t.Fatalf("run %d step %d: refunded without a transaction hash", run, step)
			}

			if terminal != nil {
				if got.Status != terminal.Status ||
					got.ReleaseTxHash != terminal.ReleaseTxHash ||
					got.RefundTxHash != terminal.RefundTxHash ||
					!got.UpdatedAt.Equal(terminal.UpdatedAt) {
					t.Fatalf("run %d step %d: terminal escrow mutated (%s -> %s)",
						run, step, terminal.Status, got.Status)
				}
			} else if got.IsTerminal() {
				terminal = got
			}
		}
	}
}
