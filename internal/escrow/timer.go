package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the Timer looks for lapsed escrows.
const DefaultSweepInterval = 30 * time.Second

const sweepBatch = 100

// Timer periodically expires CREATED and FUNDED escrows past their deadline.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiration sweep. A non-positive interval uses
// DefaultSweepInterval.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep expires one batch of lapsed escrows and returns how many it expired.
func (t *Timer) Sweep(ctx context.Context) int {
	expired, err := t.store.ListExpired(ctx, t.service.now(), sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return 0
	}

	n := 0
	for _, candidate := range expired {
		escrow, err := t.service.HandleExpiration(ctx, candidate.ID)
		if err != nil {
			t.logger.Warn("failed to expire escrow",
				"escrowId", candidate.ID,
				"error", err,
			)
			continue
		}
		if escrow.Status != StatusExpired {
			continue
		}
		n++
		t.logger.Info("expired escrow",
			"escrowId", escrow.ID,
			"buyer", escrow.BuyerID,
			"seller", escrow.SellerID,
			"amount", escrow.Amount.String(),
			"refunded", escrow.RefundedAmount.String(),
		)
	}
	return n
}
