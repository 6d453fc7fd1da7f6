package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

const (
	testTenant   = "0xaaaa000000000000000000000000000000000001"
	testLandlord = "0xbbbb000000000000000000000000000000000002"
	testAgent    = "0xcccc000000000000000000000000000000000003"
)

func setupTestRouter() (*gin.Engine, *Engine, *mockSubmitter) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	sub := &mockSubmitter{}
	eng := NewEngine(store, sub, &mockVerifier{})
	handler := NewHandler(eng)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	return r, eng, sub
}

func doJSON(router *gin.Engine, method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGet(t *testing.T) {
	router, _, _ := setupTestRouter()

	w := doJSON(router, "POST", "/v1/escrows", CreateRequest{
		EscrowPublicKey:  testAgent,
		SourceParty:      testTenant,
		DestinationParty: testLandlord,
		Amount:           "1500.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Escrow struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount string `json:"amount"`
		} `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if createResp.Escrow.Status != "pending" || createResp.Escrow.Amount != "1500.00" {
		t.Errorf("unexpected escrow: %+v", createResp.Escrow)
	}

	w = doJSON(router, "GET", "/v1/escrows/"+createResp.Escrow.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = doJSON(router, "GET", "/v1/escrows/esc_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _, _ := setupTestRouter()

	// Malformed address is caught before the engine runs.
	w := doJSON(router, "POST", "/v1/escrows", CreateRequest{
		EscrowPublicKey:  testAgent,
		SourceParty:      "not-an-address",
		DestinationParty: testLandlord,
		Amount:           "10",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Engine-level validation maps to 400 as well.
	w = doJSON(router, "POST", "/v1/escrows", CreateRequest{
		EscrowPublicKey:  testAgent,
		SourceParty:      testTenant,
		DestinationParty: testTenant,
		Amount:           "10",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for same parties, got %d", w.Code)
	}
}

func TestHandler_FundSignRelease(t *testing.T) {
	router, eng, _ := setupTestRouter()
	ctx := context.Background()

	e, err := eng.Create(ctx, CreateRequest{
		EscrowPublicKey:  testAgent,
		SourceParty:      testTenant,
		DestinationParty: testLandlord,
		Amount:           "100",
		Conditions: ReleaseConditions{
			MultiSig: &MultiSig{RequiredSignatures: 2, Signers: []string{testTenant, testLandlord, testAgent}},
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Release before funding: 409.
	w := doJSON(router, "POST", "/v1/escrows/"+e.ID+"/release", DecisionRequest{})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 before funding, got %d", w.Code)
	}

	w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/fund", FundRequest{LedgerProofRef: "0xfund"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on fund, got %d: %s", w.Code, w.Body.String())
	}

	// Missing proof ref: 400.
	w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/fund", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing proof, got %d", w.Code)
	}

	// Unauthorized signer: 403.
	w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/signatures", SignatureRequest{
		Signer: "0xdddd000000000000000000000000000000000004", Payload: "p", Signature: "sig",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	for _, signer := range []string{testTenant, testLandlord} {
		w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/signatures", SignatureRequest{
			Signer: signer, Payload: "p", Signature: "sig",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200 for signer %s, got %d: %s", signer, w.Code, w.Body.String())
		}
	}

	var resp struct {
		Escrow struct {
			Status string `json:"status"`
		} `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != "released" {
		t.Fatalf("expected released after threshold, got %s", resp.Escrow.Status)
	}

	// Terminal escrow: 409.
	w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/refund", DecisionRequest{})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 on terminal escrow, got %d", w.Code)
	}
}

func TestHandler_FulfillCondition(t *testing.T) {
	router, eng, _ := setupTestRouter()
	ctx := context.Background()

	e, _ := eng.Create(ctx, CreateRequest{
		EscrowPublicKey:  testAgent,
		SourceParty:      testTenant,
		DestinationParty: testLandlord,
		Amount:           "100",
		Conditions: ReleaseConditions{
			Named: []NamedCondition{{Type: "inspection_passed"}},
		},
	})
	_, _ = eng.ConfirmFunding(ctx, e.ID, "0xfund")

	w := doJSON(router, "POST", "/v1/escrows/"+e.ID+"/conditions/no_such/fulfill", FulfillRequest{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown condition, got %d", w.Code)
	}

	w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/conditions/inspection_passed/fulfill", FulfillRequest{FulfilledBy: testAgent})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Escrow struct {
			Status string `json:"status"`
		} `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != "released" {
		t.Fatalf("expected released, got %s", resp.Escrow.Status)
	}
}

func TestHandler_List(t *testing.T) {
	router, eng, _ := setupTestRouter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := eng.Create(ctx, CreateRequest{
			EscrowPublicKey:  testAgent,
			SourceParty:      testTenant,
			DestinationParty: testLandlord,
			Amount:           "10",
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	w := doJSON(router, "GET", "/v1/escrows?publicKey="+testTenant+"&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Escrows []json.RawMessage `json:"escrows"`
		Count   int               `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("expected 2 results with limit, got %d", resp.Count)
	}

	w = doJSON(router, "GET", "/v1/escrows?status=funded", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("expected 0 funded escrows, got %d", resp.Count)
	}
}
