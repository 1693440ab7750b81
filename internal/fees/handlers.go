package fees

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/validation"
)

// Handler exposes fee quotes over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new fee handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public fee routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fees/quote", h.Quote)
}

type quoteBody struct {
	Category      string          `json:"category"`
	Price         decimal.Decimal `json:"price" validate:"gt=0"`
	Rail          string          `json:"rail" validate:"omitempty,oneof=fiat crypto"`
	Auction       bool            `json:"auction"`
	Tier          string          `json:"tier"`
	FiatSurcharge bool            `json:"fiatSurcharge"`
}

// Quote handles POST /v1/fees/quote
func (h *Handler) Quote(c *gin.Context) {
	var body quoteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Struct(body); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	q, err := h.engine.Quote(QuoteRequest{
		Category:      Category(body.Category),
		Price:         body.Price,
		Rail:          Rail(body.Rail),
		Auction:       body.Auction,
		Tier:          Tier(body.Tier),
		FiatSurcharge: body.FiatSurcharge,
	})
	if err != nil {
		if IsValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute quote",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": q})
}

// IsValidationError reports whether err is one of the fee input errors.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrUnknownCategory) ||
		errors.Is(err, ErrUnknownRail) ||
		errors.Is(err, ErrUnknownTier)
}
