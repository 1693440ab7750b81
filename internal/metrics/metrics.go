// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "holdfast",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state transitions.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by from-status and to-status.",
		},
		[]string{"from", "to"},
	)

	// EscrowCreatedTotal counts escrows created, by settlement network.
	EscrowCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "escrow_created_total",
			Help:      "Total escrows created by chain.",
		},
		[]string{"chain"},
	)

	// EscrowDuration observes time from creation to a terminal status.
	EscrowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "holdfast",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal status in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400},
	}, []string{"status"})

	// PlatformFeesTotal accumulates earned platform fees in settlement currency.
	PlatformFeesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "holdfast",
		Name:      "platform_fees_earned_total",
		Help:      "Platform fees earned on completed escrows, in settlement currency.",
	})

	// DisputesTotal counts dispute lifecycle events.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "disputes_total",
			Help:      "Dispute lifecycle events by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// VotesTotal counts arbitrator votes by decision.
	VotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "arbitration_votes_total",
			Help:      "Arbitrator votes cast by decision.",
		},
		[]string{"decision"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "holdfast",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// RateLimitedTotal counts rejected requests by limiter scope.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)

	// HealthCheckFailuresTotal counts failed subsystem health checks.
	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "health_check_failures_total",
			Help:      "Failed health checks by subsystem.",
		},
		[]string{"subsystem"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "holdfast", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowCreatedTotal,
		EscrowDuration,
		PlatformFeesTotal,
		DisputesTotal,
		VotesTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
		HealthCheckFailuresTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveTransition records an escrow state change.
func ObserveTransition(from, to string) {
	EscrowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
