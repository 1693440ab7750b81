package custody

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GatewayCallsTotal counts gateway calls by operation, chain and outcome.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "custody_calls_total",
			Help:      "Custody gateway calls by operation, chain, and outcome.",
		},
		[]string{"op", "chain", "outcome"},
	)

	// GatewayCallDuration observes gateway latency including retries.
	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "holdfast",
			Name:      "custody_call_duration_seconds",
			Help:      "Custody gateway call duration in seconds, including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "chain"},
	)

	// GatewayAttemptsTotal counts individual attempts, so retries show up as
	// attempts exceeding calls.
	GatewayAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "holdfast",
			Name:      "custody_attempts_total",
			Help:      "Individual custody gateway attempts by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		GatewayCallsTotal,
		GatewayCallDuration,
		GatewayAttemptsTotal,
	)
}

// observeOp returns a function that records the call's duration and outcome.
func observeOp(op, chain string) func(err error) {
	start := time.Now()
	return func(err error) {
		GatewayCallDuration.WithLabelValues(op, chain).Observe(time.Since(start).Seconds())
		GatewayCallsTotal.WithLabelValues(op, chain, outcome(err)).Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRetryable(err):
		return "retryable_error"
	default:
		return "terminal_error"
	}
}
