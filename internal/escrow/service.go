package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/custody"
	"github.com/mbd888/holdfast/internal/dispute"
	"github.com/mbd888/holdfast/internal/fees"
	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/metrics"
	"github.com/mbd888/holdfast/internal/pagination"
	"github.com/mbd888/holdfast/internal/syncutil"
	"github.com/mbd888/holdfast/internal/traces"
)

var hundred = decimal.NewFromInt(100)

// Service implements the escrow state machine.
type Service struct {
	store    Store
	gateway  Gateway
	fees     *fees.Engine
	locks    syncutil.Locker
	disputes DisputeOpener
	notifier Notifier
	tiers    TierTracker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, gateway Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		gateway: gateway,
		fees:    fees.NewEngine(),
		locks:   syncutil.NewContextShardedMutex(),
		logger:  logger,
		now:     time.Now,
	}
}

// WithLocker replaces the in-process per-id lock, e.g. with a Redis lock
// when several instances share one store.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locks = l
	return s
}

// WithDisputes wires the dispute coordinator.
func (s *Service) WithDisputes(d DisputeOpener) *Service {
	s.disputes = d
	return s
}

// WithNotifier adds CommissionEarned notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithTiers adds tier defaults and volume tracking.
func (s *Service) WithTiers(t TierTracker) *Service {
	s.tiers = t
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates the request, quotes fees and stores a CREATED escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Amount(req.Amount), traces.Chain(req.Chain))
	var err error
	defer func() { traces.End(span, err) }()

	if !req.Amount.IsPositive() {
		err = ErrInvalidAmount
		return nil, err
	}
	seller, buyer := strings.TrimSpace(req.SellerID), strings.TrimSpace(req.BuyerID)
	if seller == "" || buyer == "" {
		err = ErrInvalidParty
		return nil, err
	}
	chain := strings.ToLower(req.Chain)
	multiplier, err := ChainMultiplier(chain)
	if err != nil {
		return nil, err
	}

	tier, err := fees.ParseTier(req.Tier)
	if err != nil {
		return nil, err
	}
	if req.Tier == "" && s.tiers != nil {
		tier = s.tiers.TierFor(ctx, seller)
	}

	quote, err := s.fees.Quote(fees.QuoteRequest{
		Category:      fees.Category(req.Category),
		Price:         req.Amount,
		Rail:          fees.Rail(req.Rail),
		Auction:       req.Auction,
		Tier:          tier,
		FiatSurcharge: req.FiatSurcharge,
	})
	if err != nil {
		return nil, err
	}

	days := req.ExpirationDays
	if days == 0 {
		days = DefaultExpirationDays
	}

	now := s.now()
	escrow := &Escrow{
		ID:             idgen.WithPrefix("esc_"),
		SellerID:       seller,
		BuyerID:        buyer,
		Amount:         req.Amount,
		Chain:          chain,
		Category:       quote.Category,
		PaymentRail:    quote.Rail,
		Auction:        quote.Auction,
		Tier:           quote.Tier,
		Status:         StatusCreated,
		Fees:           quote.Breakdown.Scale(multiplier, chainNote(chain, multiplier)),
		RefundedAmount: decimal.Zero,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(days) * 24 * time.Hour),
		UpdatedAt:      now,
	}

	if err = s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowCreatedTotal.WithLabelValues(chain).Inc()
	return escrow, nil
}

// LockFunds takes custody of the buyer's funds. The escrow must be CREATED
// and not past its deadline; a lapsed escrow is expired on the spot.
func (s *Service) LockFunds(ctx context.Context, id, externalTxRef string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.LockFunds", traces.EscrowID(id))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.Status == StatusCreated && escrow.IsExpired(s.now()) {
		if _, err = s.expireLocked(ctx, escrow); err != nil {
			return nil, err
		}
		err = ErrExpired
		return nil, err
	}
	if escrow.Status != StatusCreated {
		err = ErrInvalidStatus
		return nil, err
	}

	ref, err := s.gateway.Lock(ctx, custody.LockRequest{
		EscrowID:       escrow.ID,
		BuyerID:        escrow.BuyerID,
		Amount:         escrow.Amount,
		Chain:          escrow.Chain,
		ExternalRef:    externalTxRef,
		IdempotencyKey: custody.IdempotencyKey(escrow.ID, custody.OpLock),
	})
	if err != nil {
		err = fmt.Errorf("failed to lock escrow funds: %w", err)
		return nil, err
	}
	if ref == "" {
		ref = externalTxRef
	}

	escrow.TxRef = ref
	escrow.ExternalRef = externalTxRef
	s.transition(escrow, StatusFunded)

	if err = s.persistAfterFundsMoved(ctx, escrow, "locked"); err != nil {
		return nil, err
	}
	return escrow, nil
}

// ConfirmConditions records the buyer's confirmation that delivery
// conditions are satisfied.
func (s *Service) ConfirmConditions(ctx context.Context, id, callerID, evidence string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	escrow.Evidence = evidence
	s.transition(escrow, StatusConditionsMet)

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// ReleaseFunds pays the held funds to the seller.
func (s *Service) ReleaseFunds(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds", traces.EscrowID(id))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusConditionsMet {
		err = ErrInvalidStatus
		return nil, err
	}

	ref, err := s.gateway.Release(ctx, custody.TransferRequest{
		EscrowID:       escrow.ID,
		TxRef:          escrow.TxRef,
		Amount:         escrow.Amount,
		Chain:          escrow.Chain,
		IdempotencyKey: custody.IdempotencyKey(escrow.ID, custody.OpRelease),
	})
	if err != nil {
		err = fmt.Errorf("failed to release escrow funds: %w", err)
		return nil, err
	}

	escrow.SettlementRef = ref
	s.transition(escrow, StatusCompleted)

	if err = s.persistAfterFundsMoved(ctx, escrow, "released"); err != nil {
		return nil, err
	}
	s.afterCompletion(ctx, escrow, escrow.Amount)
	return escrow, nil
}

// HandleExpiration expires a CREATED or FUNDED escrow whose deadline has
// passed, refunding the buyer if funds were locked. It is idempotent: an
// already EXPIRED escrow, or one that is not yet due, is returned unchanged.
func (s *Service) HandleExpiration(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusCreated && escrow.Status != StatusFunded {
		return escrow, nil
	}
	if !escrow.IsExpired(s.now()) {
		return escrow, nil
	}
	return s.expireLocked(ctx, escrow)
}

// expireLocked moves a due escrow to EXPIRED. Caller must hold the escrow lock.
func (s *Service) expireLocked(ctx context.Context, escrow *Escrow) (*Escrow, error) {
	if escrow.Status == StatusFunded {
		ref, err := s.gateway.Refund(ctx, custody.TransferRequest{
			EscrowID:       escrow.ID,
			TxRef:          escrow.TxRef,
			Amount:         escrow.Amount,
			Chain:          escrow.Chain,
			IdempotencyKey: custody.IdempotencyKey(escrow.ID, custody.OpRefund),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to refund expired escrow: %w", err)
		}
		escrow.SettlementRef = ref
		escrow.RefundedAmount = escrow.Amount
		s.transition(escrow, StatusExpired)
		if err := s.persistAfterFundsMoved(ctx, escrow, "refunded"); err != nil {
			return nil, err
		}
		return escrow, nil
	}

	s.transition(escrow, StatusExpired)
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// InitiateDispute opens a dispute on a FUNDED or CONDITIONS_MET escrow.
func (s *Service) InitiateDispute(ctx context.Context, escrowID string, req DisputeRequest) (*dispute.Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.InitiateDispute", traces.EscrowID(escrowID), traces.PartyID(req.InitiatorID))
	var err error
	defer func() { traces.End(span, err) }()

	if s.disputes == nil {
		err = ErrDisputesUnavailable
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !escrow.IsParty(req.InitiatorID) {
		err = ErrUnauthorized
		return nil, err
	}
	if escrow.Status != StatusFunded && escrow.Status != StatusConditionsMet {
		err = ErrInvalidStatus
		return nil, err
	}

	d, err := s.disputes.Open(ctx, dispute.OpenRequest{
		EscrowID:    escrow.ID,
		BuyerID:     escrow.BuyerID,
		SellerID:    escrow.SellerID,
		InitiatorID: req.InitiatorID,
		Reason:      req.Reason,
		Description: req.Description,
		Evidence:    req.Evidence,
	})
	if err != nil {
		return nil, err
	}

	escrow.DisputeID = d.ID
	s.transition(escrow, StatusDisputed)
	if err = s.store.Update(ctx, escrow); err != nil {
		s.logger.Error("dispute opened but escrow status update failed",
			"escrowId", escrow.ID, "disputeId", d.ID, "error", err)
		return nil, fmt.Errorf("failed to mark escrow disputed: %w", err)
	}
	return d, nil
}

// ApplyResolution settles a DISPUTED escrow: refundPercentage of the amount
// (rounded to cents) goes back to the buyer and the remainder to the seller.
// A full refund ends EXPIRED; anything paid to the seller ends COMPLETED.
// Repeating the same resolution on an escrow it already settled is a no-op.
func (s *Service) ApplyResolution(ctx context.Context, escrowID string, decision dispute.Decision, refundPercentage decimal.Decimal) error {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyResolution", traces.EscrowID(escrowID))
	var err error
	defer func() { traces.End(span, err) }()

	if refundPercentage.IsNegative() || refundPercentage.GreaterThan(hundred) {
		err = ErrInvalidRefund
		return err
	}

	unlock, err := s.locks.LockContext(ctx, escrowID)
	if err != nil {
		return err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	toBuyer := escrow.Amount.Mul(refundPercentage).Div(hundred).Round(2)
	toSeller := escrow.Amount.Sub(toBuyer)
	if escrow.settledByDispute(toBuyer) {
		// The coordinator retries after failing to record its own resolution.
		s.logger.Info("dispute resolution already applied",
			"escrowId", escrow.ID, "disputeId", escrow.DisputeID, "status", escrow.Status)
		return nil
	}
	if escrow.Status != StatusDisputed {
		err = ErrInvalidStatus
		return err
	}
	transfer := custody.TransferRequest{
		EscrowID: escrow.ID,
		TxRef:    escrow.TxRef,
		Amount:   escrow.Amount,
		Chain:    escrow.Chain,
	}

	var ref string
	switch {
	case toSeller.IsZero():
		transfer.IdempotencyKey = custody.IdempotencyKey(escrow.ID, custody.OpRefund)
		ref, err = s.gateway.Refund(ctx, transfer)
	case toBuyer.IsZero():
		transfer.IdempotencyKey = custody.IdempotencyKey(escrow.ID, custody.OpRelease)
		ref, err = s.gateway.Release(ctx, transfer)
	default:
		ref, err = s.gateway.Split(ctx, custody.SplitRequest{
			EscrowID:       escrow.ID,
			TxRef:          escrow.TxRef,
			Chain:          escrow.Chain,
			ToBuyer:        toBuyer,
			ToSeller:       toSeller,
			IdempotencyKey: custody.IdempotencyKey(escrow.ID, custody.OpSplit),
		})
	}
	if err != nil {
		err = fmt.Errorf("failed to settle disputed escrow: %w", err)
		return err
	}

	escrow.SettlementRef = ref
	escrow.RefundedAmount = toBuyer
	if toSeller.IsZero() {
		s.transition(escrow, StatusExpired)
	} else {
		s.transition(escrow, StatusCompleted)
	}

	if err = s.persistAfterFundsMoved(ctx, escrow, "settled"); err != nil {
		return err
	}
	s.logger.Info("dispute resolution applied",
		"escrowId", escrow.ID, "decision", decision, "refundPercentage", refundPercentage.String(),
		"toBuyer", toBuyer.String(), "toSeller", toSeller.String(), "status", escrow.Status)

	if escrow.Status == StatusCompleted {
		s.afterCompletion(ctx, escrow, toSeller)
	}
	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns one page of escrows where partyID is buyer or seller,
// newest first. next is empty on the last page.
func (s *Service) ListByParty(ctx context.Context, partyID, cursor string, limit int) (page []*Escrow, next string, err error) {
	if limit <= 0 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}
	items, err := s.store.ListByParty(ctx, partyID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ = pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// transition moves escrow to the next status. Callers check the current
// status first; an edge missing from the graph is a programming error.
func (s *Service) transition(escrow *Escrow, to Status) {
	from := escrow.Status
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("escrow %s: illegal transition %s -> %s", escrow.ID, from, to))
	}
	now := s.now()
	escrow.Status = to
	escrow.UpdatedAt = now
	if to == StatusCompleted {
		escrow.CompletedAt = &now
	}
	metrics.ObserveTransition(string(from), string(to))
	if to.IsTerminal() {
		metrics.EscrowDuration.WithLabelValues(string(to)).Observe(now.Sub(escrow.CreatedAt).Seconds())
	}
}

// persistAfterFundsMoved stores a state change whose funds already moved.
// The update is retried once; if it still fails the record is stale and
// needs manual resolution, since the gateway call cannot be undone.
func (s *Service) persistAfterFundsMoved(ctx context.Context, escrow *Escrow, action string) error {
	err := s.store.Update(ctx, escrow)
	if err == nil {
		return nil
	}
	if retryErr := s.store.Update(ctx, escrow); retryErr == nil {
		return nil
	} else {
		s.logger.Error("CRITICAL: escrow funds moved but status update failed",
			"escrowId", escrow.ID, "action", action, "status", escrow.Status,
			"settlementRef", escrow.SettlementRef, "error", retryErr)
	}
	return fmt.Errorf("failed to update escrow after funds %s (requires manual resolution): %w", action, err)
}

// afterCompletion runs best-effort side effects of a seller payout.
func (s *Service) afterCompletion(ctx context.Context, escrow *Escrow, sellerAmount decimal.Decimal) {
	fee, _ := escrow.Fees.PlatformFee.Float64()
	metrics.PlatformFeesTotal.Add(fee)

	if s.notifier != nil {
		s.notifier.EmitCommissionEarned(escrow.ID, escrow.SellerID, escrow.BuyerID,
			escrow.Amount.String(), escrow.Fees.PlatformFee.String(), escrow.Chain)
	}
	if s.tiers != nil {
		if err := s.tiers.RecordCompletion(ctx, escrow.SellerID, sellerAmount); err != nil {
			s.logger.Warn("failed to record completed volume",
				"escrowId", escrow.ID, "seller", escrow.SellerID, "error", err)
		}
	}
}
