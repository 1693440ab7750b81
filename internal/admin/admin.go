// Package admin provides operator endpoints for unsticking escrows and
// inspecting custody health.
package admin

import "time"

// SweepReport summarizes an on-demand expiration sweep.
type SweepReport struct {
	Expired   int           `json:"expired"`
	Duration  time.Duration `json:"durationMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// CircuitStatus is the custody circuit state for one chain.
type CircuitStatus struct {
	Chain string `json:"chain"`
	State string `json:"state"`
}
