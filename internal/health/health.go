// Package health provides a registry of named subsystem health checkers
// and the /health endpoints that report them.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/holdfast/internal/metrics"
)

// DefaultCheckTimeout bounds each checker when the caller sets no deadline.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-checker timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// RegisterFunc adds a checker backed by an error-returning check.
func (r *Registry) RegisterFunc(name string, check func(ctx context.Context) error) {
	r.Register(name, func(ctx context.Context) Status {
		if err := check(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	})
}

// RegisterPinger adds a checker that pings a database handle.
func (r *Registry) RegisterPinger(name string, p Pinger) {
	r.RegisterFunc(name, p.PingContext)
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = r.run(ctx, nc, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			metrics.HealthCheckFailuresTotal.WithLabelValues(st.Name).Inc()
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker, timeout time.Duration) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Name: nc.name, Healthy: false, Detail: "checker panicked"}
		}
	}()

	st = nc.check(ctx)
	if st.Name == "" {
		st.Name = nc.name
	}
	if st.Healthy && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		st = Status{Name: nc.name, Healthy: false, Detail: "timed out"}
	}
	return st
}

// Live reports process liveness. It never runs checkers.
func (r *Registry) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready runs every checker and answers 503 when any subsystem is unhealthy.
func (r *Registry) Ready(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":     status,
		"subsystems": statuses,
	})
}
