package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Sweeper expires lapsed escrows and reports how many it handled.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// CircuitInspector reports custody circuit state per chain.
type CircuitInspector interface {
	Circuits() []CircuitStatus
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	sweeper  Sweeper
	circuits CircuitInspector
	now      func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithSweeper enables the forced expiration sweep.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithCircuits enables the custody circuit view.
func (h *Handler) WithCircuits(c CircuitInspector) *Handler {
	h.circuits = c
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/sweep", h.sweep)
	r.GET("/custody/circuits", h.listCircuits)
}

// sweep runs the expiration sweep now instead of waiting for the timer.
func (h *Handler) sweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper_unavailable", "message": "Expiration sweep not configured"})
		return
	}

	start := h.now()
	expired := h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"report": SweepReport{
		Expired:   expired,
		Duration:  h.now().Sub(start) / time.Millisecond,
		Timestamp: start.UTC(),
	}})
}

// listCircuits reports which chains are currently refusing custody calls.
func (h *Handler) listCircuits(c *gin.Context) {
	if h.circuits == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuits_unavailable", "message": "Custody circuit breaker not configured"})
		return
	}

	circuits := h.circuits.Circuits()
	open := 0
	for _, cs := range circuits {
		if cs.State != "closed" {
			open++
		}
	}
	c.JSON(http.StatusOK, gin.H{"circuits": circuits, "count": len(circuits), "degraded": open})
}
