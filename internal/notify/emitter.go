package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/holdfast/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdfast",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification deliveries attempted by event type and sink.",
	}, []string{"event_type", "sink"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "holdfast",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification delivery failures by event type and sink.",
	}, []string{"event_type", "sink"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// DefaultSendTimeout bounds a single sink delivery.
const DefaultSendTimeout = 30 * time.Second

// Emitter fans events out to its sinks.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: sinks, logger: logger, timeout: DefaultSendTimeout}
}

// AddSink registers another destination. Not safe to call concurrently with emits.
func (e *Emitter) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// Wait blocks until in-flight deliveries finish.
func (e *Emitter) Wait() {
	if e != nil {
		e.wg.Wait()
	}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || len(e.sinks) == 0 {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, s := range e.sinks {
		e.wg.Add(1)
		go e.deliver(s, event)
	}
}

func (e *Emitter) deliver(s Sink, event *Event) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			emitErrors.WithLabelValues(string(event.Type), s.Name()).Inc()
			e.logger.Error("panic in notification sink", "sink", s.Name(), "panic", r)
		}
	}()

	emitTotal.WithLabelValues(string(event.Type), s.Name()).Inc()
	// Detached from the request: delivery must outlive the caller.
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := s.Send(ctx, event); err != nil {
		emitErrors.WithLabelValues(string(event.Type), s.Name()).Inc()
		e.logger.Warn("notification delivery failed",
			"event", event.Type, "eventId", event.ID, "sink", s.Name(), "error", err)
	}
}

// EmitCommissionEarned announces the platform fee earned on a settled escrow.
func (e *Emitter) EmitCommissionEarned(escrowID, sellerID, buyerID, amount, platformFee, chain string) {
	e.emit(EventCommissionEarned, map[string]interface{}{
		"escrowId":    escrowID,
		"sellerId":    sellerID,
		"buyerId":     buyerID,
		"amount":      amount,
		"platformFee": platformFee,
		"chain":       chain,
	})
}

// EmitDisputeOpened announces a new dispute.
func (e *Emitter) EmitDisputeOpened(disputeID, escrowID, initiatorID, buyerID, sellerID, reason string) {
	e.emit(EventDisputeOpened, map[string]interface{}{
		"disputeId":   disputeID,
		"escrowId":    escrowID,
		"initiatorId": initiatorID,
		"buyerId":     buyerID,
		"sellerId":    sellerID,
		"reason":      reason,
	})
}

// EmitDisputeResolved announces an arbitration outcome.
func (e *Emitter) EmitDisputeResolved(disputeID, escrowID, buyerID, sellerID, decision, refundPercentage string) {
	e.emit(EventDisputeResolved, map[string]interface{}{
		"disputeId":        disputeID,
		"escrowId":         escrowID,
		"buyerId":          buyerID,
		"sellerId":         sellerID,
		"decision":         decision,
		"refundPercentage": refundPercentage,
	})
}

// EmitTierUpgraded announces that a party reached a higher subscription tier.
func (e *Emitter) EmitTierUpgraded(partyID, fromTier, toTier, volume string) {
	e.emit(EventTierUpgraded, map[string]interface{}{
		"partyId":  partyID,
		"fromTier": fromTier,
		"toTier":   toTier,
		"volume":   volume,
	})
}
