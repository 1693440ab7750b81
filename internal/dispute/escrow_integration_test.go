package dispute_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/holdfast/internal/custody"
	"github.com/mbd888/holdfast/internal/dispute"
	"github.com/mbd888/holdfast/internal/escrow"
)

// wired builds an escrow service and coordinator that reference each other
// the same way the server does.
func wired(t *testing.T) (*escrow.Service, *dispute.Coordinator, *custody.MemoryLedger) {
	t.Helper()
	return wiredWith(t, dispute.NewMemoryStore())
}

func wiredWith(t *testing.T, store dispute.Store) (*escrow.Service, *dispute.Coordinator, *custody.MemoryLedger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := custody.NewMemoryLedger()

	coord := dispute.NewCoordinator(store, dispute.NewMemoryPool(), logger)
	svc := escrow.NewService(escrow.NewMemoryStore(), ledger, logger).WithDisputes(coord)
	coord.WithResolver(svc)

	for _, id := range []string{"arb1", "arb2", "arb3"} {
		_, err := coord.RegisterArbitrator(context.Background(), id, "")
		require.NoError(t, err)
	}
	return svc, coord, ledger
}

func TestDispute_EndToEndBuyerMajority(t *testing.T) {
	svc, coord, ledger := wired(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, escrow.CreateRequest{
		SellerID: "S", BuyerID: "B", Amount: decimal.NewFromInt(50000), Chain: "ethereum", ExpirationDays: 7,
	})
	require.NoError(t, err)
	_, err = svc.LockFunds(ctx, e.ID, "0xfund")
	require.NoError(t, err)

	d, err := svc.InitiateDispute(ctx, e.ID, escrow.DisputeRequest{InitiatorID: "B", Reason: "not_as_described"})
	require.NoError(t, err)

	_, err = coord.AssignArbitrators(ctx, d.ID, 3)
	require.NoError(t, err)
	for arb, decision := range map[string]dispute.Decision{"arb1": dispute.DecisionBuyer, "arb2": dispute.DecisionBuyer, "arb3": dispute.DecisionSeller} {
		pct := decimal.NewFromInt(100)
		if decision == dispute.DecisionSeller {
			pct = decimal.Zero
		}
		_, err := coord.SubmitVote(ctx, d.ID, arb, decision, "", pct)
		require.NoError(t, err)
	}

	resolved, err := coord.ResolveDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, resolved.Status)
	assert.Equal(t, dispute.DecisionBuyer, resolved.Resolution.Decision)
	assert.True(t, resolved.Resolution.RefundPercentage.Equal(decimal.NewFromInt(100)))

	settled, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusExpired, settled.Status)
	assert.True(t, settled.RefundedAmount.Equal(decimal.NewFromInt(50000)))

	hold, ok := ledger.Hold(e.ID)
	require.True(t, ok)
	assert.Equal(t, custody.HoldRefunded, hold.Status)
}

func TestDispute_EndToEndLedgerFailureIsRetryable(t *testing.T) {
	svc, coord, ledger := wired(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, escrow.CreateRequest{SellerID: "S", BuyerID: "B", Amount: decimal.NewFromInt(1000), Chain: "base"})
	require.NoError(t, err)
	_, err = svc.LockFunds(ctx, e.ID, "")
	require.NoError(t, err)
	d, err := svc.InitiateDispute(ctx, e.ID, escrow.DisputeRequest{InitiatorID: "S", Reason: "fraud"})
	require.NoError(t, err)
	_, err = coord.AssignArbitrators(ctx, d.ID, 1)
	require.NoError(t, err)
	_, err = coord.SubmitVote(ctx, d.ID, "arb1", dispute.DecisionSeller, "", decimal.NewFromInt(25))
	require.NoError(t, err)

	ledger.InjectFault(custody.OpSplit, custody.Retryable(custody.OpSplit, assert.AnError))
	_, err = coord.ResolveDispute(ctx, d.ID)
	require.Error(t, err)
	assert.True(t, custody.IsRetryable(err))

	still, _ := svc.Get(ctx, e.ID)
	assert.Equal(t, escrow.StatusDisputed, still.Status)

	resolved, err := coord.ResolveDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, resolved.Status)

	settled, _ := svc.Get(ctx, e.ID)
	assert.Equal(t, escrow.StatusCompleted, settled.Status)
	assert.True(t, settled.RefundedAmount.Equal(decimal.NewFromInt(250)))
}

// flakyStore fails the next failUpdates calls to Update.
type flakyStore struct {
	*dispute.MemoryStore
	failUpdates int
}

func (f *flakyStore) Update(ctx context.Context, d *dispute.Dispute) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("connection reset")
	}
	return f.MemoryStore.Update(ctx, d)
}

func TestDispute_ResolveRetriesAfterRecordFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: dispute.NewMemoryStore()}
	svc, coord, ledger := wiredWith(t, store)
	ctx := context.Background()

	e, err := svc.Create(ctx, escrow.CreateRequest{SellerID: "S", BuyerID: "B", Amount: decimal.NewFromInt(1000), Chain: "base"})
	require.NoError(t, err)
	_, err = svc.LockFunds(ctx, e.ID, "")
	require.NoError(t, err)
	d, err := svc.InitiateDispute(ctx, e.ID, escrow.DisputeRequest{InitiatorID: "B", Reason: "not_received"})
	require.NoError(t, err)
	_, err = coord.AssignArbitrators(ctx, d.ID, 1)
	require.NoError(t, err)
	_, err = coord.SubmitVote(ctx, d.ID, "arb1", dispute.DecisionBuyer, "", decimal.NewFromInt(60))
	require.NoError(t, err)

	store.failUpdates = 1
	_, err = coord.ResolveDispute(ctx, d.ID)
	require.Error(t, err)

	settled, _ := svc.Get(ctx, e.ID)
	assert.Equal(t, escrow.StatusCompleted, settled.Status)

	resolved, err := coord.ResolveDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, resolved.Status)
	assert.Equal(t, 1, ledger.Calls(custody.OpSplit), "funds move once")

	_, err = coord.ResolveDispute(ctx, d.ID)
	assert.ErrorIs(t, err, dispute.ErrAlreadyResolved)
}
