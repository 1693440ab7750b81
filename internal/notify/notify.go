// Package notify announces escrow lifecycle events to external listeners.
//
// Delivery is best-effort and outside the transactional boundary: a sink
// failure is logged and counted but never rolls back a state change.
package notify

import (
	"context"
	"time"
)

// EventType identifies a notification.
type EventType string

const (
	EventCommissionEarned EventType = "CommissionEarned"
	EventDisputeOpened    EventType = "DisputeOpened"
	EventDisputeResolved  EventType = "DisputeResolved"
	EventTierUpgraded     EventType = "TierUpgraded"
)

// Event is a single notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Parties returns the party ids named in the event payload.
func (e *Event) Parties() []string {
	var out []string
	for _, k := range []string{"buyerId", "sellerId", "partyId", "initiatorId"} {
		if v, ok := e.Data[k].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, event *Event) error
}
