package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/custody"
	"github.com/mbd888/holdfast/internal/validation"
)

// Handler provides HTTP endpoints for arbitration.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new dispute handler.
func NewHandler(c *Coordinator) *Handler {
	return &Handler{coordinator: c}
}

// RegisterRoutes sets up public (read-only) dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/escrows/:id/disputes", h.ListByEscrow)
}

// RegisterProtectedRoutes sets up routes for authenticated arbitrators.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/votes", h.SubmitVote)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListByStatus)
	r.POST("/disputes/:id/assign", h.AssignArbitrators)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/arbitrators", h.RegisterArbitrator)
	r.DELETE("/arbitrators/:id", h.DeactivateArbitrator)
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByEscrow handles GET /v1/escrows/:id/disputes
func (h *Handler) ListByEscrow(c *gin.Context) {
	disputes, err := h.coordinator.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ListByStatus handles GET /v1/admin/disputes?status=OPEN
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusOpen)))
	switch status {
	case StatusOpen, StatusUnderReview, StatusResolved:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "status must be OPEN, UNDER_REVIEW or RESOLVED",
		})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit > 200 {
		limit = 200
	}

	disputes, err := h.coordinator.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

type assignBody struct {
	PanelSize int `json:"panelSize" validate:"gte=1,lte=15"`
}

// AssignArbitrators handles POST /v1/admin/disputes/:id/assign
func (h *Handler) AssignArbitrators(c *gin.Context) {
	var body assignBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Struct(body); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	d, err := h.coordinator.AssignArbitrators(c.Request.Context(), c.Param("id"), body.PanelSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type voteBody struct {
	Decision         string          `json:"decision" validate:"required,oneof=buyer seller"`
	Reasoning        string          `json:"reasoning" validate:"max=10000"`
	RefundPercentage decimal.Decimal `json:"refundPercentage" validate:"gte=0,lte=100"`
}

// SubmitVote handles POST /v1/disputes/:id/votes. The authenticated party
// votes as the arbitrator.
func (h *Handler) SubmitVote(c *gin.Context) {
	var body voteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Struct(body); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	d, err := h.coordinator.SubmitVote(c.Request.Context(), c.Param("id"), c.GetString("authPartyID"),
		Decision(body.Decision), body.Reasoning, body.RefundPercentage)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	d, err := h.coordinator.ResolveDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "resolution": d.Resolution})
}

type arbitratorBody struct {
	ID   string `json:"id" validate:"required,partyid"`
	Name string `json:"name" validate:"max=256"`
}

// RegisterArbitrator handles POST /v1/admin/arbitrators
func (h *Handler) RegisterArbitrator(c *gin.Context) {
	var body arbitratorBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Struct(body); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	a, err := h.coordinator.RegisterArbitrator(c.Request.Context(), body.ID, validation.SanitizeString(body.Name, 256))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbitrator": a})
}

// DeactivateArbitrator handles DELETE /v1/admin/arbitrators/:id
func (h *Handler) DeactivateArbitrator(c *gin.Context) {
	if err := h.coordinator.DeactivateArbitrator(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// writeError maps coordinator errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"

	var ledgerErr *custody.LedgerError
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, ErrArbitratorNotFound):
		status, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrDuplicateVote):
		status, code, message = http.StatusConflict, "duplicate_vote", err.Error()
	case errors.Is(err, ErrArbitratorExists):
		status, code, message = http.StatusConflict, "already_exists", err.Error()
	case errors.Is(err, ErrInvalidStatus):
		status, code, message = http.StatusConflict, "invalid_status", err.Error()
	case errors.Is(err, ErrNotOnPanel):
		status, code, message = http.StatusForbidden, "unauthorized", err.Error()
	case errors.Is(err, ErrInvalidRefundPercentage), errors.Is(err, ErrInsufficientArbitrators),
		errors.Is(err, ErrInvalidPanelSize), errors.Is(err, ErrUnknownReason),
		errors.Is(err, ErrInvalidDecision), errors.Is(err, ErrMissingParties):
		status, code, message = http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, ErrResolverUnavailable):
		status, code, message = http.StatusServiceUnavailable, "resolver_unavailable", err.Error()
	case errors.As(err, &ledgerErr):
		status, code, message = http.StatusBadGateway, "ledger_error", err.Error()
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
