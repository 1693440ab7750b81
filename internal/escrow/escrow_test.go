package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/holdfast/internal/custody"
	"github.com/mbd888/holdfast/internal/dispute"
	"github.com/mbd888/holdfast/internal/fees"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDisputes records Open calls.
type fakeDisputes struct {
	mu     sync.Mutex
	opened []dispute.OpenRequest
	err    error
}

func (f *fakeDisputes) Open(_ context.Context, req dispute.OpenRequest) (*dispute.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opened = append(f.opened, req)
	return &dispute.Dispute{
		ID:          "dsp_test",
		EscrowID:    req.EscrowID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		InitiatorID: req.InitiatorID,
		Reason:      dispute.Reason(req.Reason),
		Status:      dispute.StatusOpen,
	}, nil
}

type commission struct {
	escrowID, sellerID, buyerID, amount, platformFee, chain string
}

type fakeNotifier struct {
	mu     sync.Mutex
	earned []commission
}

func (f *fakeNotifier) EmitCommissionEarned(escrowID, sellerID, buyerID, amount, platformFee, chain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.earned = append(f.earned, commission{escrowID, sellerID, buyerID, amount, platformFee, chain})
}

type fakeTiers struct {
	mu       sync.Mutex
	tier     fees.Tier
	recorded map[string]decimal.Decimal
}

func (f *fakeTiers) TierFor(_ context.Context, _ string) fees.Tier {
	if f.tier == "" {
		return fees.TierBasic
	}
	return f.tier
}

func (f *fakeTiers) RecordCompletion(_ context.Context, partyID string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recorded == nil {
		f.recorded = make(map[string]decimal.Decimal)
	}
	f.recorded[partyID] = f.recorded[partyID].Add(amount)
	return nil
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	ledger   *custody.MemoryLedger
	clock    *fakeClock
	disputes *fakeDisputes
	notifier *fakeNotifier
	tiers    *fakeTiers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		ledger:   custody.NewMemoryLedger(),
		clock:    newFakeClock(),
		disputes: &fakeDisputes{},
		notifier: &fakeNotifier{},
		tiers:    &fakeTiers{},
	}
	h.svc = NewService(h.store, h.ledger, testLogger()).
		WithClock(h.clock.Now).
		WithDisputes(h.disputes).
		WithNotifier(h.notifier).
		WithTiers(h.tiers)
	return h
}

func (h *harness) create(t *testing.T, amount string, days int) *Escrow {
	t.Helper()
	e, err := h.svc.Create(context.Background(), CreateRequest{
		SellerID:       "S",
		BuyerID:        "B",
		Amount:         dec(amount),
		Chain:          "ethereum",
		ExpirationDays: days,
	})
	require.NoError(t, err)
	return e
}

func (h *harness) funded(t *testing.T, amount string) *Escrow {
	t.Helper()
	e := h.create(t, amount, 7)
	e, err := h.svc.LockFunds(context.Background(), e.ID, "0xfeed")
	require.NoError(t, err)
	return e
}

func TestEscrow_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t, "50000", 7)
	assert.Equal(t, StatusCreated, e.Status)
	assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), e.ExpiresAt)

	e, err := h.svc.LockFunds(ctx, e.ID, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.NotEmpty(t, e.TxRef)
	assert.Equal(t, "0xfeed", e.ExternalRef)

	e, err = h.svc.ConfirmConditions(ctx, e.ID, "B", "delivered in person")
	require.NoError(t, err)
	assert.Equal(t, StatusConditionsMet, e.Status)
	assert.Equal(t, "delivered in person", e.Evidence)

	e, err = h.svc.ReleaseFunds(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)
	assert.NotEmpty(t, e.SettlementRef)

	hold, ok := h.ledger.Hold(e.ID)
	require.True(t, ok)
	assert.Equal(t, custody.HoldReleased, hold.Status)

	require.Len(t, h.notifier.earned, 1)
	assert.Equal(t, e.Fees.PlatformFee.String(), h.notifier.earned[0].platformFee)
	assert.True(t, h.tiers.recorded["S"].Equal(dec("50000")))
}

func TestEscrow_CreateAppliesChainMultiplier(t *testing.T) {
	h := newHarness(t)

	// general 1.5%/1.5% of 10000 = 150/150, x1.25 on ethereum
	e := h.create(t, "10000", 7)
	assert.True(t, e.Fees.BuyerFee.Equal(dec("187.5")), e.Fees.BuyerFee.String())
	assert.True(t, e.Fees.SellerFee.Equal(dec("187.5")))
	assert.True(t, e.Fees.PlatformFee.Equal(e.Fees.BuyerFee.Add(e.Fees.SellerFee)))
	assert.True(t, e.Fees.ChainMultiplier.Equal(dec("1.25")))
	assert.Contains(t, e.Fees.Notes, "Chain multiplier x1.25 (ethereum) applied.")
}

func TestEscrow_CreateUsesTrackedTier(t *testing.T) {
	h := newHarness(t)
	h.tiers.tier = fees.TierPro

	e := h.create(t, "10000", 7)
	assert.Equal(t, fees.TierPro, e.Tier)

	explicit, err := h.svc.Create(context.Background(), CreateRequest{
		SellerID: "S", BuyerID: "B", Amount: dec("10000"), Chain: "ethereum", Tier: "elite",
	})
	require.NoError(t, err)
	assert.Equal(t, fees.TierElite, explicit.Tier)
}

func TestEscrow_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"zero amount", CreateRequest{SellerID: "S", BuyerID: "B", Amount: decimal.Zero, Chain: "ethereum"}, ErrInvalidAmount},
		{"negative amount", CreateRequest{SellerID: "S", BuyerID: "B", Amount: dec("-1"), Chain: "ethereum"}, ErrInvalidAmount},
		{"missing seller", CreateRequest{BuyerID: "B", Amount: dec("10"), Chain: "ethereum"}, ErrInvalidParty},
		{"unknown chain", CreateRequest{SellerID: "S", BuyerID: "B", Amount: dec("10"), Chain: "dogecoin"}, ErrUnknownChain},
		{"unknown category", CreateRequest{SellerID: "S", BuyerID: "B", Amount: dec("10"), Chain: "ethereum", Category: "boats"}, fees.ErrUnknownCategory},
		{"unknown tier", CreateRequest{SellerID: "S", BuyerID: "B", Amount: dec("10"), Chain: "ethereum", Tier: "gold"}, fees.ErrUnknownTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEscrow_SamePartyOnBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, err := h.svc.Create(ctx, CreateRequest{SellerID: "S", BuyerID: "S", Amount: dec("10"), Chain: "ethereum"})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, e.Status)

	a, err := NewAnalyticsService(h.store).ForUser(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.TotalEscrows)
	assert.Equal(t, int64(1), a.AsSellerCount)
	assert.Equal(t, int64(1), a.AsBuyerCount)
	assert.True(t, a.TotalVolume.Equal(dec("10")))
}

func TestEscrow_NegativeExpirationExpires(t *testing.T) {
	h := newHarness(t)

	e := h.create(t, "1000", -1)
	assert.Equal(t, StatusCreated, e.Status)

	e, err := h.svc.HandleExpiration(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, e.Status)
	assert.Equal(t, 0, h.ledger.Calls(custody.OpRefund), "nothing locked, nothing to refund")

	// Idempotent.
	again, err := h.svc.HandleExpiration(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, again.Status)
}

func TestEscrow_ZeroExpirationUsesDefault(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "1000", 0)
	assert.Equal(t, h.clock.Now().Add(DefaultExpirationDays*24*time.Hour), e.ExpiresAt)
}

func TestEscrow_ExpireFundedRefundsBuyer(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetBalance("B", dec("5000"))

	e := h.funded(t, "1000")

	// Not yet due: unchanged.
	same, err := h.svc.HandleExpiration(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, same.Status)

	h.clock.Advance(8 * 24 * time.Hour)
	e, err = h.svc.HandleExpiration(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, e.Status)
	assert.True(t, e.RefundedAmount.Equal(dec("1000")))

	hold, _ := h.ledger.Hold(e.ID)
	assert.Equal(t, custody.HoldRefunded, hold.Status)
	assert.Equal(t, 1, h.ledger.Calls(custody.OpRefund))
}

func TestEscrow_LockFundsLazilyExpires(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "1000", 1)
	h.clock.Advance(48 * time.Hour)

	_, err := h.svc.LockFunds(context.Background(), e.ID, "")
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	got, err := h.svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, 0, h.ledger.Calls(custody.OpLock))
}

func TestEscrow_ConfirmByNonBuyer(t *testing.T) {
	h := newHarness(t)
	e := h.funded(t, "1000")

	_, err := h.svc.ConfirmConditions(context.Background(), e.ID, "S", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.ConfirmConditions(context.Background(), e.ID, "mallory", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, _ := h.svc.Get(context.Background(), e.ID)
	assert.Equal(t, StatusFunded, got.Status)
}

func TestEscrow_InvalidStatusTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, "1000", 7)

	_, err := h.svc.ConfirmConditions(ctx, e.ID, "B", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = h.svc.ReleaseFunds(ctx, e.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = h.svc.InitiateDispute(ctx, e.ID, DisputeRequest{InitiatorID: "B", Reason: "not_delivered"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = h.svc.LockFunds(ctx, e.ID, "")
	require.NoError(t, err)
	_, err = h.svc.LockFunds(ctx, e.ID, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestEscrow_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = h.svc.LockFunds(ctx, "esc_missing", "")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = h.svc.HandleExpiration(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	err = h.svc.ApplyResolution(ctx, "esc_missing", dispute.DecisionBuyer, hundred)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestEscrow_TerminalLedgerErrorLeavesStatus(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetBalance("B", dec("10"))

	e := h.create(t, "1000", 7)
	_, err := h.svc.LockFunds(context.Background(), e.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)
	assert.False(t, custody.IsRetryable(err))

	got, _ := h.svc.Get(context.Background(), e.ID)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Empty(t, got.TxRef)
}

func TestEscrow_LockFundsRetriesThroughClient(t *testing.T) {
	h := newHarness(t)
	client := custody.NewClient(h.ledger, custody.ClientConfig{
		Timeout:     time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, nil, testLogger())
	svc := NewService(h.store, client, testLogger()).WithClock(h.clock.Now)

	h.ledger.InjectFault(custody.OpLock, custody.Retryable(custody.OpLock, errors.New("node timeout")))

	e, err := svc.Create(context.Background(), CreateRequest{SellerID: "S", BuyerID: "B", Amount: dec("100"), Chain: "solana"})
	require.NoError(t, err)
	e, err = svc.LockFunds(context.Background(), e.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.Equal(t, 2, h.ledger.Calls(custody.OpLock))
}

func TestEscrow_ConcurrentLockFunds(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "1000", 7)

	const n = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.LockFunds(context.Background(), e.ID, "")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidStatus):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())
	assert.Equal(t, 1, h.ledger.Calls(custody.OpLock))
}

func TestEscrow_InitiateDispute(t *testing.T) {
	h := newHarness(t)
	e := h.funded(t, "1000")

	_, err := h.svc.InitiateDispute(context.Background(), e.ID, DisputeRequest{InitiatorID: "mallory", Reason: "not_delivered"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	d, err := h.svc.InitiateDispute(context.Background(), e.ID, DisputeRequest{
		InitiatorID: "S",
		Reason:      "not_delivered",
		Description: "buyer went silent",
	})
	require.NoError(t, err)
	assert.Equal(t, e.ID, d.EscrowID)

	got, _ := h.svc.Get(context.Background(), e.ID)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, d.ID, got.DisputeID)

	require.Len(t, h.disputes.opened, 1)
	assert.Equal(t, "B", h.disputes.opened[0].BuyerID)
	assert.Equal(t, "S", h.disputes.opened[0].InitiatorID)

	// A disputed escrow no longer expires.
	h.clock.Advance(30 * 24 * time.Hour)
	got, err = h.svc.HandleExpiration(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
}

func TestEscrow_InitiateDisputeOpenFailureLeavesStatus(t *testing.T) {
	h := newHarness(t)
	h.disputes.err = dispute.ErrUnknownReason
	e := h.funded(t, "1000")

	_, err := h.svc.InitiateDispute(context.Background(), e.ID, DisputeRequest{InitiatorID: "B", Reason: "bogus"})
	assert.ErrorIs(t, err, dispute.ErrUnknownReason)

	got, _ := h.svc.Get(context.Background(), e.ID)
	assert.Equal(t, StatusFunded, got.Status)
}

func TestEscrow_InitiateDisputeWithoutCoordinator(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.store, h.ledger, testLogger())
	e, err := svc.Create(context.Background(), CreateRequest{SellerID: "S", BuyerID: "B", Amount: dec("10"), Chain: "base"})
	require.NoError(t, err)

	_, err = svc.InitiateDispute(context.Background(), e.ID, DisputeRequest{InitiatorID: "B", Reason: "other"})
	assert.ErrorIs(t, err, ErrDisputesUnavailable)
}

func disputed(t *testing.T, h *harness, amount string) *Escrow {
	t.Helper()
	e := h.funded(t, amount)
	_, err := h.svc.InitiateDispute(context.Background(), e.ID, DisputeRequest{InitiatorID: "B", Reason: "not_as_described"})
	require.NoError(t, err)
	return e
}

func TestEscrow_ApplyResolution(t *testing.T) {
	tests := []struct {
		name       string
		pct        string
		wantStatus Status
		wantHold   custody.HoldStatus
		toBuyer    string
		toSeller   string
	}{
		{"full refund", "100", StatusExpired, custody.HoldRefunded, "1000", "0"},
		{"no refund", "0", StatusCompleted, custody.HoldReleased, "0", "1000"},
		{"split", "33.33", StatusCompleted, custody.HoldSplit, "333.3", "666.7"},
		{"split rounds to cents", "12.345", StatusCompleted, custody.HoldSplit, "123.45", "876.55"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			e := disputed(t, h, "1000")

			err := h.svc.ApplyResolution(context.Background(), e.ID, dispute.DecisionBuyer, dec(tt.pct))
			require.NoError(t, err)

			got, _ := h.svc.Get(context.Background(), e.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.True(t, got.RefundedAmount.Equal(dec(tt.toBuyer)), got.RefundedAmount.String())
			if tt.wantStatus == StatusCompleted {
				assert.NotNil(t, got.CompletedAt)
				assert.True(t, h.tiers.recorded["S"].Equal(dec(tt.toSeller)))
			} else {
				assert.Nil(t, got.CompletedAt)
				assert.Empty(t, h.notifier.earned)
			}

			hold, ok := h.ledger.Hold(e.ID)
			require.True(t, ok)
			assert.Equal(t, tt.wantHold, hold.Status)
		})
	}
}

func TestEscrow_ApplyResolutionGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.funded(t, "1000")
	err := h.svc.ApplyResolution(ctx, e.ID, dispute.DecisionSeller, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	d := disputed(t, h, "1000")
	assert.ErrorIs(t, h.svc.ApplyResolution(ctx, d.ID, dispute.DecisionBuyer, dec("100.01")), ErrInvalidRefund)
	assert.ErrorIs(t, h.svc.ApplyResolution(ctx, d.ID, dispute.DecisionBuyer, dec("-1")), ErrInvalidRefund)

	require.NoError(t, h.svc.ApplyResolution(ctx, d.ID, dispute.DecisionSeller, decimal.Zero))
	assert.ErrorIs(t, h.svc.ApplyResolution(ctx, d.ID, dispute.DecisionBuyer, dec("40")), ErrInvalidStatus,
		"a different outcome must not pass as a replay")
}

func TestEscrow_ApplyResolutionReplayIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := disputed(t, h, "1000")

	require.NoError(t, h.svc.ApplyResolution(ctx, e.ID, dispute.DecisionSeller, dec("25")))
	require.NoError(t, h.svc.ApplyResolution(ctx, e.ID, dispute.DecisionSeller, dec("25")))

	assert.Equal(t, 1, h.ledger.Calls(custody.OpSplit))
	got, _ := h.svc.Get(ctx, e.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.RefundedAmount.Equal(dec("250")))
	assert.True(t, h.tiers.recorded["S"].Equal(dec("750")), "seller volume counted once")
}

func TestEscrow_ListByParty(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "10", 7)
	h.clock.Advance(time.Minute)
	second := h.create(t, "20", 7)
	_, err := h.svc.Create(context.Background(), CreateRequest{SellerID: "X", BuyerID: "Y", Amount: dec("30"), Chain: "base"})
	require.NoError(t, err)

	list, next, err := h.svc.ListByParty(context.Background(), "B", "", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Empty(t, next)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)

	list, next, err = h.svc.ListByParty(context.Background(), "S", "", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
	require.NotEmpty(t, next)

	list, next, err = h.svc.ListByParty(context.Background(), "S", next, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Empty(t, next, "last page")

	_, _, err = h.svc.ListByParty(context.Background(), "S", "not-a-cursor", 1)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestTimer_SweepExpiresLapsedEscrows(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "10", 1)
	funded := h.funded(t, "20")
	fresh := h.create(t, "30", 30)

	h.clock.Advance(10 * 24 * time.Hour)
	timer := NewTimer(h.svc, h.store, 0, testLogger())
	assert.Equal(t, 2, timer.Sweep(context.Background()))

	for id, want := range map[string]Status{created.ID: StatusExpired, funded.ID: StatusExpired, fresh.ID: StatusCreated} {
		got, err := h.svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
	assert.Equal(t, 0, timer.Sweep(context.Background()))
}

func TestTimer_StartStop(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.svc, h.store, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusCreated, StatusFunded}:          true,
		{StatusCreated, StatusExpired}:         true,
		{StatusFunded, StatusConditionsMet}:    true,
		{StatusFunded, StatusExpired}:          true,
		{StatusFunded, StatusDisputed}:         true,
		{StatusConditionsMet, StatusCompleted}: true,
		{StatusConditionsMet, StatusDisputed}:  true,
		{StatusDisputed, StatusCompleted}:      true,
		{StatusDisputed, StatusExpired}:        true,
	}
	all := []Status{StatusCreated, StatusFunded, StatusConditionsMet, StatusCompleted, StatusExpired, StatusDisputed}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusDisputed.IsTerminal())
}

func TestChainMultiplier(t *testing.T) {
	m, err := ChainMultiplier("Ethereum")
	require.NoError(t, err)
	assert.True(t, m.Equal(dec("1.25")))

	_, err = ChainMultiplier("ledgerZ")
	assert.ErrorIs(t, err, ErrUnknownChain)
	assert.Contains(t, Chains(), custody.ChainCard)
}
