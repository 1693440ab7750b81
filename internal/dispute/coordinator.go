package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/metrics"
	"github.com/mbd888/holdfast/internal/syncutil"
	"github.com/mbd888/holdfast/internal/traces"
)

var hundred = decimal.NewFromInt(100)

// Notifier announces dispute lifecycle events.
type Notifier interface {
	EmitDisputeOpened(disputeID, escrowID, initiatorID, buyerID, sellerID, reason string)
	EmitDisputeResolved(disputeID, escrowID, buyerID, sellerID, decision, refundPercentage string)
}

// Coordinator runs arbitration: panel assignment, voting and resolution.
type Coordinator struct {
	store    Store
	pool     ArbitratorPool
	resolver EscrowResolver
	locks    syncutil.Locker
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator creates a dispute coordinator.
func NewCoordinator(store Store, pool ArbitratorPool, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		pool:   pool,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// WithResolver wires the escrow ledger that settles resolved disputes.
func (c *Coordinator) WithResolver(r EscrowResolver) *Coordinator {
	c.resolver = r
	return c
}

// WithLocker replaces the in-process per-dispute lock.
func (c *Coordinator) WithLocker(l syncutil.Locker) *Coordinator {
	c.locks = l
	return c
}

// WithNotifier adds dispute notifications.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Open creates an OPEN dispute. The escrow ledger calls it after checking
// that the initiator is a party and the escrow can be disputed.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	reason, err := ParseReason(req.Reason)
	if err != nil {
		return nil, err
	}
	if req.EscrowID == "" || req.BuyerID == "" || req.SellerID == "" {
		return nil, ErrMissingParties
	}

	now := c.now()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    req.EscrowID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		InitiatorID: req.InitiatorID,
		Reason:      reason,
		Description: req.Description,
		Evidence:    append([]string{}, req.Evidence...),
		Status:      StatusOpen,
		Arbitrators: []string{},
		Votes:       make(map[string]*Vote),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("opened", "").Inc()
	if c.notifier != nil {
		c.notifier.EmitDisputeOpened(d.ID, d.EscrowID, d.InitiatorID, d.BuyerID, d.SellerID, string(d.Reason))
	}
	c.logger.Info("dispute opened", "disputeId", d.ID, "escrowId", d.EscrowID, "reason", d.Reason)
	return d, nil
}

// AssignArbitrators picks panelSize active arbitrators, least loaded first
// with ties broken by id. The escrow's parties are never picked. A panel is
// assigned once.
func (c *Coordinator) AssignArbitrators(ctx context.Context, disputeID string, panelSize int) (*Dispute, error) {
	if panelSize < 1 || panelSize > MaxPanelSize {
		return nil, ErrInvalidPanelSize
	}

	unlock, err := c.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := c.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	switch {
	case d.Status == StatusResolved:
		return nil, ErrAlreadyResolved
	case d.Status != StatusOpen || len(d.Arbitrators) > 0:
		return nil, ErrPanelAssigned
	}

	active, err := c.pool.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list arbitrators: %w", err)
	}
	candidates := make([]*Arbitrator, 0, len(active))
	for _, a := range active {
		if !d.IsParty(a.ID) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) < panelSize {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientArbitrators, panelSize, len(candidates))
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AssignedCount != candidates[j].AssignedCount {
			return candidates[i].AssignedCount < candidates[j].AssignedCount
		}
		return candidates[i].ID < candidates[j].ID
	})

	panel := make([]string, panelSize)
	for i := range panel {
		panel[i] = candidates[i].ID
	}
	d.Arbitrators = panel
	d.Status = StatusUnderReview
	d.UpdatedAt = c.now()

	if err := c.store.Update(ctx, d); err != nil {
		return nil, err
	}
	if err := c.pool.IncrementAssigned(ctx, panel); err != nil {
		c.logger.Warn("failed to update arbitrator load", "disputeId", d.ID, "error", err)
	}

	metrics.DisputesTotal.WithLabelValues("panel_assigned", "").Inc()
	c.logger.Info("arbitration panel assigned", "disputeId", d.ID, "panel", strings.Join(panel, ","))
	return d, nil
}

// SubmitVote records one panelist's vote. Votes are immutable.
func (c *Coordinator) SubmitVote(ctx context.Context, disputeID, arbitratorID string, decision Decision, reasoning string, refundPercentage decimal.Decimal) (*Dispute, error) {
	if !decision.IsValid() {
		return nil, ErrInvalidDecision
	}
	if refundPercentage.IsNegative() || refundPercentage.GreaterThan(hundred) {
		return nil, ErrInvalidRefundPercentage
	}

	unlock, err := c.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := c.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if !d.OnPanel(arbitratorID) {
		return nil, ErrNotOnPanel
	}
	if _, voted := d.Votes[arbitratorID]; voted {
		return nil, ErrDuplicateVote
	}

	vote := &Vote{
		ArbitratorID:     arbitratorID,
		Decision:         decision,
		Reasoning:        reasoning,
		RefundPercentage: refundPercentage,
		CastAt:           c.now(),
	}
	if err := c.store.AddVote(ctx, d.ID, vote); err != nil {
		return nil, err
	}
	d.Votes[arbitratorID] = vote

	metrics.VotesTotal.WithLabelValues(string(decision)).Inc()
	return d, nil
}

// ResolveDispute tallies the votes once every panelist has voted and has
// the escrow ledger move the funds. If the ledger or the final write fails
// the dispute stays unresolved and the call can be retried; the ledger
// treats a repeated resolution as already applied.
//
// The dispute lock is held while the escrow lock is taken, so the two must
// come from different Lockers.
func (c *Coordinator) ResolveDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	var err error
	defer func() { traces.End(span, err) }()

	if c.resolver == nil {
		err = ErrResolverUnavailable
		return nil, err
	}

	unlock, err := c.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := c.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		err = ErrAlreadyResolved
		return nil, err
	}
	if len(d.Arbitrators) == 0 || len(d.Votes) < len(d.Arbitrators) {
		err = ErrQuorumNotReached
		return nil, err
	}

	resolution := Tally(d.Votes)
	if err = c.resolver.ApplyResolution(ctx, d.EscrowID, resolution.Decision, resolution.RefundPercentage); err != nil {
		err = fmt.Errorf("failed to apply resolution to escrow %s: %w", d.EscrowID, err)
		return nil, err
	}

	now := c.now()
	resolution.ResolvedAt = now
	d.Resolution = &resolution
	d.Status = StatusResolved
	d.UpdatedAt = now
	if err = c.store.Update(ctx, d); err != nil {
		c.logger.Error("escrow settled but dispute status update failed",
			"disputeId", d.ID, "escrowId", d.EscrowID, "decision", resolution.Decision, "error", err)
		return nil, fmt.Errorf("failed to record dispute resolution (resolve again to finish): %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved", string(resolution.Decision)).Inc()
	if c.notifier != nil {
		c.notifier.EmitDisputeResolved(d.ID, d.EscrowID, d.BuyerID, d.SellerID,
			string(resolution.Decision), resolution.RefundPercentage.String())
	}
	c.logger.Info("dispute resolved",
		"disputeId", d.ID, "escrowId", d.EscrowID, "decision", resolution.Decision,
		"refundPercentage", resolution.RefundPercentage.String(),
		"buyerVotes", resolution.BuyerVotes, "sellerVotes", resolution.SellerVotes)
	return d, nil
}

// Tally computes the majority decision. The winning side's refund
// percentages are averaged to cents. A tie goes to the seller with no refund.
func Tally(votes map[string]*Vote) Resolution {
	var (
		r                   Resolution
		buyerSum, sellerSum = decimal.Zero, decimal.Zero
	)
	for _, v := range votes {
		switch v.Decision {
		case DecisionBuyer:
			r.BuyerVotes++
			buyerSum = buyerSum.Add(v.RefundPercentage)
		case DecisionSeller:
			r.SellerVotes++
			sellerSum = sellerSum.Add(v.RefundPercentage)
		}
	}

	switch {
	case r.BuyerVotes > r.SellerVotes:
		r.Decision = DecisionBuyer
		r.RefundPercentage = buyerSum.Div(decimal.NewFromInt(int64(r.BuyerVotes))).Round(2)
	case r.SellerVotes > r.BuyerVotes:
		r.Decision = DecisionSeller
		r.RefundPercentage = sellerSum.Div(decimal.NewFromInt(int64(r.SellerVotes))).Round(2)
	default:
		r.Decision = DecisionSeller
		r.RefundPercentage = decimal.Zero
	}
	return r
}

// Get returns a dispute by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Dispute, error) {
	return c.store.Get(ctx, id)
}

// ListByEscrow returns an escrow's disputes, oldest first.
func (c *Coordinator) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return c.store.ListByEscrow(ctx, escrowID)
}

// ListByStatus returns disputes in a status, oldest first.
func (c *Coordinator) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.ListByStatus(ctx, status, limit)
}

// RegisterArbitrator adds an active arbitrator to the pool.
func (c *Coordinator) RegisterArbitrator(ctx context.Context, id, name string) (*Arbitrator, error) {
	a := &Arbitrator{
		ID:        id,
		Name:      name,
		Active:    true,
		CreatedAt: c.now(),
	}
	if err := c.pool.Register(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// DeactivateArbitrator removes an arbitrator from future panels. Panels
// already assigned are unaffected.
func (c *Coordinator) DeactivateArbitrator(ctx context.Context, id string) error {
	return c.pool.SetActive(ctx, id, false)
}
