package agreements

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chioma/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for rent agreement operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new agreement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up agreement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agreements", h.CreateAgreement)
	r.GET("/agreements/:id", h.GetAgreement)
	r.POST("/agreements/:id/activate", h.ActivateAgreement)
	r.POST("/agreements/:id/complete", h.CompleteAgreement)
	r.POST("/agreements/:id/terminate", h.TerminateAgreement)
	r.GET("/parties/:address/agreements", h.ListByParty)
}

// CreateAgreement handles POST /v1/agreements
func (h *Handler) CreateAgreement(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "landlord, tenant, monthlyRent, startDate and endDate are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("landlord", req.Landlord),
		validation.ValidAddress("tenant", req.Tenant),
		validation.ValidAddress("agent", req.Agent),
		validation.ValidAmount("monthlyRent", req.MonthlyRent),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	a, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agreement": a})
}

// GetAgreement handles GET /v1/agreements/:id
func (h *Handler) GetAgreement(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// ActivateAgreement handles POST /v1/agreements/:id/activate
func (h *Handler) ActivateAgreement(c *gin.Context) {
	a, err := h.service.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// CompleteAgreement handles POST /v1/agreements/:id/complete
func (h *Handler) CompleteAgreement(c *gin.Context) {
	a, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// TerminateAgreement handles POST /v1/agreements/:id/terminate
func (h *Handler) TerminateAgreement(c *gin.Context) {
	a, err := h.service.Terminate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// ListByParty handles GET /v1/parties/:address/agreements
func (h *Handler) ListByParty(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	page, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limit, c.Query("cursor"))
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
			"message": err.Error(),
		})
		return
	}
	resp := gin.H{
		"agreements": page.Agreements,
		"count":      len(page.Agreements),
		"hasMore":    page.HasMore,
	}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// respondError maps service errors onto HTTP status codes.
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
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
