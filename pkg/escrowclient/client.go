// Package escrowclient is a Go client for the escrowd HTTP API.
//
// It covers the escrow lifecycle (create, fund, sign, fulfill, release,
// refund), dispute handling, and rent agreements, plus a helper for
// verifying webhook signatures.
package escrowclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to an escrowd server.
type Client struct {
	httpClient *http.Client
	baseURL    string

	// Configuration
	AdminSecret string // Sent as X-Admin-Secret on admin endpoints
	UserAgent   string // Default: "escrowclient/1.0"
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAdminSecret sets the shared secret for admin endpoints.
func WithAdminSecret(secret string) Option {
	return func(c *Client) {
		c.AdminSecret = secret
	}
}

// New creates a client for the escrowd API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:   trimSlash(baseURL),
		UserAgent: "escrowclient/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("escrowd: %s: %s (status %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("escrowd: %s (status %d)", e.Code, e.StatusCode)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is an APIError with status 409. The
// server uses 409 for lifecycle violations such as releasing an
// unfunded escrow.
func IsConflict(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, admin bool) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if admin {
		req.Header.Set("X-Admin-Secret", c.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = "unexpected_response"
			apiErr.Message = string(data)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateEscrow creates a new escrow in pending state.
func (c *Client) CreateEscrow(ctx context.Context, req *CreateEscrowRequest) (*Escrow, error) {
	var resp struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/escrows", req, &resp, false); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// GetEscrow fetches an escrow by ID.
func (c *Client) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	var resp struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// ListEscrowsOptions filters ListEscrows. Zero values are omitted.
type ListEscrowsOptions struct {
	PublicKey string
	Status    string
	Limit     int
	Offset    int
}

// ListEscrows lists escrows matching the filter.
func (c *Client) ListEscrows(ctx context.Context, opts ListEscrowsOptions) ([]*Escrow, error) {
	q := url.Values{}
	if opts.PublicKey != "" {
		q.Set("publicKey", opts.PublicKey)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/v1/escrows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Escrows []*Escrow `json:"escrows"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Escrows, nil
}

// ConfirmFunding marks the escrow funded, recording the ledger proof of
// the deposit transaction.
func (c *Client) ConfirmFunding(ctx context.Context, id, ledgerProofRef string) (*Escrow, error) {
	body := map[string]string{"ledgerProofRef": ledgerProofRef}
	var resp struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/fund", body, &resp, false); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// SubmitSignature records a multi-sig approval on the escrow.
func (c *Client) SubmitSignature(ctx context.Context, id, signer, payload, signature string) (*Escrow, error) {
	body := map[string]string{
		"signer":    signer,
		"payload":   payload,
		"signature": signature,
	}
	var resp struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/signatures", body, &resp, false); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// FulfillCondition marks a named condition fulfilled.
func (c *Client) FulfillCondition(ctx context.Context, id, conditionType, fulfilledBy string) (*Escrow, error) {
	body := map[string]string{"fulfilledBy": fulfilledBy}
	path := "/v1/escrows/" + url.PathEscape(id) + "/conditions/" + url.PathEscape(conditionType) + "/fulfill"
	var resp struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &resp, false); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// RequestRelease asks the server to evaluate conditions and pay out to
// the destination party. With adminOverride true the condition check is
// bypassed; that path requires the admin secret.
func (c *Client) RequestRelease(ctx context.Context, id string, adminOverride bool) (*Escrow, error) {
	body := map[string]bool{"adminOverride": adminOverride}
	var resp struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/release", body, &resp, adminOverride); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// RequestRefund returns the funds to the source party.
func (c *Client) RequestRefund(ctx context.Context, id string, adminOverride bool) (*Escrow, error) {
	body := map[string]bool{"adminOverride": adminOverride}
	var resp struct {
		Escrow *Escrow `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/refund", body, &resp, adminOverride); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// OpenDispute opens a dispute. While a dispute is open the escrows on
// its agreement are blocked from releasing or refunding.
func (c *Client) OpenDispute(ctx context.Context, req *OpenDisputeRequest) (*Dispute, error) {
	var resp struct {
		Dispute *Dispute `json:"dispute"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/disputes", req, &resp, false); err != nil {
		return nil, err
	}
	return resp.Dispute, nil
}

// GetDispute fetches a dispute by ID.
func (c *Client) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	var resp struct {
		Dispute *Dispute `json:"dispute"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(id), nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Dispute, nil
}

// SubmitEvidence attaches evidence to an open dispute.
func (c *Client) SubmitEvidence(ctx context.Context, id, submittedBy, content string) (*Dispute, error) {
	body := map[string]string{
		"submittedBy": submittedBy,
		"content":     content,
	}
	var resp struct {
		Dispute *Dispute `json:"dispute"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/evidence", body, &resp, false); err != nil {
		return nil, err
	}
	return resp.Dispute, nil
}

// ReviewDispute moves a dispute to under-review. Admin only.
func (c *Client) ReviewDispute(ctx context.Context, id, reviewer string) (*Dispute, error) {
	body := map[string]string{"reviewer": reviewer}
	var resp struct {
		Dispute *Dispute `json:"dispute"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/review", body, &resp, true); err != nil {
		return nil, err
	}
	return resp.Dispute, nil
}

// ResolveDispute concludes a dispute with a payout directive. Admin only.
func (c *Client) ResolveDispute(ctx context.Context, id string, req *ResolveDisputeRequest) (*Dispute, error) {
	var resp struct {
		Dispute *Dispute `json:"dispute"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/resolve", req, &resp, true); err != nil {
		return nil, err
	}
	return resp.Dispute, nil
}

// RejectDispute dismisses a dispute without affecting escrows. Admin only.
func (c *Client) RejectDispute(ctx context.Context, id, rejectedBy string) (*Dispute, error) {
	body := map[string]string{"rejectedBy": rejectedBy}
	var resp struct {
		Dispute *Dispute `json:"dispute"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/reject", body, &resp, true); err != nil {
		return nil, err
	}
	return resp.Dispute, nil
}

// CreateAgreement creates a rent agreement in draft.
func (c *Client) CreateAgreement(ctx context.Context, req *CreateAgreementRequest) (*Agreement, error) {
	var resp struct {
		Agreement *Agreement `json:"agreement"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/agreements", req, &resp, false); err != nil {
		return nil, err
	}
	return resp.Agreement, nil
}

// GetAgreement fetches a rent agreement by ID.
func (c *Client) GetAgreement(ctx context.Context, id string) (*Agreement, error) {
	var resp struct {
		Agreement *Agreement `json:"agreement"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/agreements/"+url.PathEscape(id), nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Agreement, nil
}

// ActivateAgreement moves a draft agreement to active.
func (c *Client) ActivateAgreement(ctx context.Context, id string) (*Agreement, error) {
	var resp struct {
		Agreement *Agreement `json:"agreement"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/agreements/"+url.PathEscape(id)+"/activate", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Agreement, nil
}

// VerifyWebhookSignature checks the X-Escrowd-Signature header against
// the raw request body using the subscription secret.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
