package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/holdfast/internal/custody"
	"github.com/mbd888/holdfast/internal/dispute"
	"github.com/mbd888/holdfast/internal/fees"
	"github.com/mbd888/holdfast/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service   *Service
	analytics *AnalyticsService
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, analytics *AnalyticsService) *Handler {
	return &Handler{service: service, analytics: analytics}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/users/:userId/escrows", validation.PartyParamMiddleware(), h.ListEscrows)
	if h.analytics != nil {
		r.GET("/analytics/global", h.GlobalAnalytics)
		r.GET("/analytics/users/:userId", validation.PartyParamMiddleware(), h.UserAnalytics)
	}
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/lock", h.LockFunds)
	r.POST("/escrows/:id/confirm", h.ConfirmConditions)
	r.POST("/escrows/:id/release", h.ReleaseFunds)
	r.POST("/escrows/:id/expire", h.Expire)
	r.POST("/escrows/:id/dispute", h.InitiateDispute)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	// The caller must be one side of the sale.
	caller := c.GetString("authPartyID")
	if caller != req.BuyerID && caller != req.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated party must be the buyer or seller",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, next, err := h.service.ListByParty(c.Request.Context(), c.Param("userId"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}

	resp := gin.H{
		"escrows": escrows,
		"count":   len(escrows),
		"hasMore": next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

type lockBody struct {
	ExternalTxRef string `json:"externalTxRef" validate:"max=256"`
}

// LockFunds handles POST /v1/escrows/:id/lock
func (h *Handler) LockFunds(c *gin.Context) {
	var body lockBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Struct(body); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	id := c.Param("id")
	existing, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.GetString("authPartyID") != existing.BuyerID {
		writeError(c, ErrUnauthorized)
		return
	}

	escrow, err := h.service.LockFunds(c.Request.Context(), id, body.ExternalTxRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type confirmBody struct {
	Evidence string `json:"evidence" validate:"max=10000"`
}

// ConfirmConditions handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmConditions(c *gin.Context) {
	var body confirmBody
	// Evidence is optional, so an empty body is fine.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			invalidBody(c)
			return
		}
	}
	if errs := validation.Struct(body); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	escrow, err := h.service.ConfirmConditions(c.Request.Context(), c.Param("id"), c.GetString("authPartyID"), body.Evidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseFunds handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	id := c.Param("id")
	existing, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !existing.IsParty(c.GetString("authPartyID")) {
		writeError(c, ErrUnauthorized)
		return
	}

	escrow, err := h.service.ReleaseFunds(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Expire handles POST /v1/escrows/:id/expire. Any caller may trigger it;
// the deadline decides whether anything happens.
func (h *Handler) Expire(c *gin.Context) {
	escrow, err := h.service.HandleExpiration(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// InitiateDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) InitiateDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	req.InitiatorID = c.GetString("authPartyID")

	d, err := h.service.InitiateDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GlobalAnalytics handles GET /v1/analytics/global
func (h *Handler) GlobalAnalytics(c *gin.Context) {
	a, err := h.analytics.Global(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytics": a})
}

// UserAnalytics handles GET /v1/analytics/users/:userId
func (h *Handler) UserAnalytics(c *gin.Context) {
	a, err := h.analytics.ForUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytics": a})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"

	var ledgerErr *custody.LedgerError
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, dispute.ErrDisputeNotFound):
		status, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrExpired):
		status, code, message = http.StatusConflict, "escrow_expired", err.Error()
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, dispute.ErrInvalidStatus):
		status, code, message = http.StatusConflict, "invalid_status", err.Error()
	case errors.Is(err, ErrUnauthorized):
		status, code, message = http.StatusForbidden, "unauthorized", err.Error()
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidParty),
		errors.Is(err, ErrUnknownChain), errors.Is(err, ErrInvalidRefund), errors.Is(err, ErrInvalidCursor),
		errors.Is(err, dispute.ErrUnknownReason), fees.IsValidationError(err):
		status, code, message = http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, ErrDisputesUnavailable):
		status, code, message = http.StatusServiceUnavailable, "disputes_unavailable", err.Error()
	case errors.As(err, &ledgerErr):
		status, code, message = http.StatusBadGateway, "ledger_error", err.Error()
		if errors.Is(err, custody.ErrInsufficientFunds) {
			code = "insufficient_funds"
		}
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
