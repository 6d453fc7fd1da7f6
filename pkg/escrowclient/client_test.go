package escrowclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateEscrow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/escrows", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreateEscrowRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0xtenant", req.SourceParty)
		assert.Equal(t, "500.0000000", req.Amount)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"escrow": map[string]interface{}{
				"id":               "escrow_abc123",
				"sourceParty":      req.SourceParty,
				"destinationParty": req.DestinationParty,
				"amount":           req.Amount,
				"status":           "pending",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	e, err := c.CreateEscrow(context.Background(), &CreateEscrowRequest{
		EscrowPublicKey:  "0xesc",
		SourceParty:      "0xtenant",
		DestinationParty: "0xlandlord",
		Amount:           "500.0000000",
	})
	require.NoError(t, err)
	assert.Equal(t, "escrow_abc123", e.ID)
	assert.Equal(t, "pending", e.Status)
}

func TestGetEscrow_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "not_found",
			"message": "escrow not found",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetEscrow(context.Background(), "escrow_missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "escrow not found", apiErr.Message)
}

func TestRequestRelease_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "invalid_state",
			"message": "escrow is not funded",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.RequestRelease(context.Background(), "escrow_abc", false)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
}

func TestListEscrows_QueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrows", r.URL.Path)
		assert.Equal(t, "0xtenant", r.URL.Query().Get("publicKey"))
		assert.Equal(t, "funded", r.URL.Query().Get("status"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"escrows": []map[string]interface{}{
				{"id": "escrow_1", "status": "funded"},
				{"id": "escrow_2", "status": "funded"},
			},
			"count": 2,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	escrows, err := c.ListEscrows(context.Background(), ListEscrowsOptions{
		PublicKey: "0xtenant",
		Status:    "funded",
		Limit:     25,
	})
	require.NoError(t, err)
	require.Len(t, escrows, 2)
	assert.Equal(t, "escrow_1", escrows[0].ID)
}

func TestConfirmFunding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrows/escrow_abc/fund", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0xdeadbeef", body["ledgerProofRef"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"escrow": map[string]interface{}{
				"id":              "escrow_abc",
				"status":          "funded",
				"fundingProofRef": "0xdeadbeef",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	e, err := c.ConfirmFunding(context.Background(), "escrow_abc", "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, "funded", e.Status)
	assert.Equal(t, "0xdeadbeef", e.FundingProofRef)
}

func TestFulfillCondition_PathEscaping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrows/escrow_abc/conditions/inspection_passed/fulfill", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"escrow": map[string]interface{}{"id": "escrow_abc", "status": "funded"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.FulfillCondition(context.Background(), "escrow_abc", "inspection_passed", "0xagent")
	require.NoError(t, err)
}

func TestAdminEndpointsSendSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Secret") != "topsecret" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dispute": map[string]interface{}{
				"id":     "dispute_1",
				"status": "resolved",
			},
		})
	}))
	defer srv.Close()

	// Without the secret the server rejects us.
	noSecret := New(srv.URL)
	_, err := noSecret.ResolveDispute(context.Background(), "dispute_1", &ResolveDisputeRequest{
		Outcome:    "release",
		ResolvedBy: "admin",
	})
	require.Error(t, err)

	c := New(srv.URL, WithAdminSecret("topsecret"))
	d, err := c.ResolveDispute(context.Background(), "dispute_1", &ResolveDisputeRequest{
		Outcome:    "release",
		ResolvedBy: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved", d.Status)
}

func TestNonAdminEndpointsOmitSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Admin-Secret"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dispute": map[string]interface{}{"id": "dispute_1", "status": "open"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAdminSecret("topsecret"))
	_, err := c.GetDispute(context.Background(), "dispute_1")
	require.NoError(t, err)
}

func TestOpenDispute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes", r.URL.Path)

		var req OpenDisputeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "agreement_1", req.AgreementID)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dispute": map[string]interface{}{
				"id":          "dispute_new",
				"agreementId": req.AgreementID,
				"status":      "open",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	d, err := c.OpenDispute(context.Background(), &OpenDisputeRequest{
		AgreementID: "agreement_1",
		RaisedBy:    "0xtenant",
		Reason:      "deposit not returned",
	})
	require.NoError(t, err)
	assert.Equal(t, "dispute_new", d.ID)
	assert.Equal(t, "open", d.Status)
}

func TestCreateAgreement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agreements", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"agreement": map[string]interface{}{
				"id":       "agreement_1",
				"landlord": "0xlandlord",
				"tenant":   "0xtenant",
				"status":   "draft",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	a, err := c.CreateAgreement(context.Background(), &CreateAgreementRequest{
		Landlord:    "0xlandlord",
		Tenant:      "0xtenant",
		MonthlyRent: "1200.0000000",
	})
	require.NoError(t, err)
	assert.Equal(t, "draft", a.Status)
}

func TestNonJSONErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetEscrow(context.Background(), "escrow_abc")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "unexpected_response", apiErr.Code)
	assert.Contains(t, apiErr.Message, "upstream unavailable")
}

func TestBaseURLTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrows/escrow_abc", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"escrow": map[string]interface{}{"id": "escrow_abc"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	_, err := c.GetEscrow(context.Background(), "escrow_abc")
	require.NoError(t, err)
}

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"escrow.released"}`)

	// Matching signature computed the same way the server signs.
	valid := "secret-key"
	sig := signPayload(payload, valid)
	assert.True(t, VerifyWebhookSignature(payload, sig, valid))

	assert.False(t, VerifyWebhookSignature(payload, sig, "wrong-key"))
	assert.False(t, VerifyWebhookSignature([]byte("tampered"), sig, valid))
	assert.False(t, VerifyWebhookSignature(payload, "not-a-signature", valid))
}
