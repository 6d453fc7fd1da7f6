package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chioma/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/fund", h.ConfirmFunding)
	r.POST("/escrows/:id/signatures", h.SubmitSignature)
	r.POST("/escrows/:id/conditions/:type/fulfill", h.FulfillCondition)
	r.POST("/escrows/:id/release", h.RequestRelease)
	r.POST("/escrows/:id/refund", h.RequestRefund)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidAddress("escrowPublicKey", req.EscrowPublicKey),
		validation.ValidAddress("sourceParty", req.SourceParty),
		validation.ValidAddress("destinationParty", req.DestinationParty),
		validation.ValidAmount("amount", req.Amount),
	}
	if tl := req.Conditions.Timelock; tl != nil {
		validators = append(validators,
			validation.ValidTimeOrder("releaseConditions.timelock", tl.ReleaseAfter, tl.ExpireAfter))
	}
	for _, nc := range req.Conditions.Named {
		validators = append(validators,
			validation.Required("releaseConditions.named.type", nc.Type),
			validation.ValidConditionType("releaseConditions.named.type", nc.Type))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create escrow",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	filter := Filter{
		PublicKey: c.Query("publicKey"),
		Status:    Status(c.Query("status")),
		Limit:     50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
			if filter.Limit > 200 {
				filter.Limit = 200
			}
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			filter.Offset = parsed
		}
	}

	escrows, err := h.engine.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// FundRequest carries the on-chain funding proof.
type FundRequest struct {
	LedgerProofRef string `json:"ledgerProofRef" binding:"required"`
}

// ConfirmFunding handles POST /v1/escrows/:id/fund
func (h *Handler) ConfirmFunding(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ledgerProofRef is required",
		})
		return
	}

	escrow, err := h.engine.ConfirmFunding(c.Request.Context(), c.Param("id"), req.LedgerProofRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// SignatureRequest carries one signer's release approval.
type SignatureRequest struct {
	Signer    string `json:"signer" binding:"required"`
	Payload   string `json:"payload" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// SubmitSignature handles POST /v1/escrows/:id/signatures
func (h *Handler) SubmitSignature(c *gin.Context) {
	var req SignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signer, payload and signature are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("signer", req.Signer),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	escrow, err := h.engine.SubmitSignature(c.Request.Context(), c.Param("id"), req.Signer, req.Payload, req.Signature)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// FulfillRequest identifies who fulfilled a named condition.
type FulfillRequest struct {
	FulfilledBy string `json:"fulfilledBy"`
}

// FulfillCondition handles POST /v1/escrows/:id/conditions/:type/fulfill
func (h *Handler) FulfillCondition(c *gin.Context) {
	var req FulfillRequest
	_ = c.ShouldBindJSON(&req)

	escrow, err := h.engine.FulfillCondition(c.Request.Context(), c.Param("id"), c.Param("type"), req.FulfilledBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DecisionRequest carries the optional admin override flag for manual
// release/refund triggers.
type DecisionRequest struct {
	AdminOverride bool `json:"adminOverride"`
}

// RequestRelease handles POST /v1/escrows/:id/release
func (h *Handler) RequestRelease(c *gin.Context) {
	var req DecisionRequest
	_ = c.ShouldBindJSON(&req)

	escrow, err := h.engine.RequestRelease(c.Request.Context(), c.Param("id"), req.AdminOverride)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RequestRefund handles POST /v1/escrows/:id/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	var req DecisionRequest
	_ = c.ShouldBindJSON(&req)

	escrow, err := h.engine.RequestRefund(c.Request.Context(), c.Param("id"), req.AdminOverride)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// respondError maps engine errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrInvalidSignature):
		status = http.StatusBadRequest
		code = "invalid_signature"
	case errors.Is(err, ErrUnauthorizedSigner):
		status = http.StatusForbidden
		code = "unauthorized_signer"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrConditionNotFound):
		status = http.StatusNotFound
		code = "condition_not_found"
	case errors.Is(err, ErrConditionsNotMet):
		status = http.StatusConflict
		code = "conditions_not_met"
	case errors.Is(err, ErrDisputeActive):
		status = http.StatusConflict
		code = "dispute_active"
	case errors.Is(err, ErrDecisionPending):
		status = http.StatusConflict
		code = "decision_pending"
	case errors.Is(err, ErrSubmissionFailed):
		status = http.StatusBadGateway
		code = "submission_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
