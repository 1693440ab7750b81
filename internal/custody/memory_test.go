package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lockReq(id string) LockRequest {
	return LockRequest{
		EscrowID:       id,
		BuyerID:        "buyer",
		Amount:         amt("1000"),
		Chain:          "ethereum",
		IdempotencyKey: IdempotencyKey(id, OpLock),
	}
}

func TestIdempotencyKey(t *testing.T) {
	k1 := IdempotencyKey("esc_1", OpLock)
	assert.Equal(t, k1, IdempotencyKey("esc_1", OpLock))
	assert.NotEqual(t, k1, IdempotencyKey("esc_1", OpRelease))
	assert.NotEqual(t, k1, IdempotencyKey("esc_2", OpLock))
	assert.Len(t, k1, 66) // 0x + 32 bytes hex
}

func TestMemoryLedger_LockReplayReturnsSameRef(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	ref1, err := m.Lock(ctx, lockReq("esc_1"))
	require.NoError(t, err)
	ref2, err := m.Lock(ctx, lockReq("esc_1"))
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	h, ok := m.Hold("esc_1")
	require.True(t, ok)
	assert.Equal(t, HoldLocked, h.Status)
	assert.Equal(t, 2, m.Calls(OpLock))
}

func TestMemoryLedger_SecondLockWithNewKeyFails(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	_, err := m.Lock(ctx, lockReq("esc_1"))
	require.NoError(t, err)

	req := lockReq("esc_1")
	req.IdempotencyKey = "other"
	_, err = m.Lock(ctx, req)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestMemoryLedger_InsufficientFunds(t *testing.T) {
	m := NewMemoryLedger()
	m.SetBalance("buyer", amt("500"))

	_, err := m.Lock(context.Background(), lockReq("esc_1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.False(t, IsRetryable(err))
	_, held := m.Hold("esc_1")
	assert.False(t, held)
}

func TestMemoryLedger_ReleaseAndRefund(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	_, err := m.Lock(ctx, lockReq("esc_1"))
	require.NoError(t, err)

	ref, err := m.Release(ctx, TransferRequest{EscrowID: "esc_1", IdempotencyKey: IdempotencyKey("esc_1", OpRelease)})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	again, err := m.Release(ctx, TransferRequest{EscrowID: "esc_1", IdempotencyKey: IdempotencyKey("esc_1", OpRelease)})
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	_, err = m.Refund(ctx, TransferRequest{EscrowID: "esc_1", IdempotencyKey: IdempotencyKey("esc_1", OpRefund)})
	assert.ErrorIs(t, err, ErrHoldClosed)

	h, _ := m.Hold("esc_1")
	assert.Equal(t, HoldReleased, h.Status)
	assert.True(t, h.ToSeller.Equal(amt("1000")))
}

func TestMemoryLedger_RefundRestoresBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	m.SetBalance("buyer", amt("1000"))
	_, err := m.Lock(ctx, lockReq("esc_1"))
	require.NoError(t, err)

	_, err = m.Refund(ctx, TransferRequest{EscrowID: "esc_1"})
	require.NoError(t, err)

	// Balance is back to 1000, so a new escrow can lock the full amount again.
	_, err = m.Lock(ctx, lockReq("esc_2"))
	assert.NoError(t, err)
}

func TestMemoryLedger_Split(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	_, err := m.Lock(ctx, lockReq("esc_1"))
	require.NoError(t, err)

	_, err = m.Split(ctx, SplitRequest{EscrowID: "esc_1", ToBuyer: amt("300"), ToSeller: amt("600")})
	require.Error(t, err, "split must cover the full hold")

	_, err = m.Split(ctx, SplitRequest{EscrowID: "esc_1", ToBuyer: amt("300"), ToSeller: amt("700")})
	require.NoError(t, err)
	h, _ := m.Hold("esc_1")
	assert.Equal(t, HoldSplit, h.Status)
	assert.True(t, h.ToBuyer.Equal(amt("300")))
	assert.True(t, h.ToSeller.Equal(amt("700")))
}

func TestMemoryLedger_UnknownHold(t *testing.T) {
	_, err := NewMemoryLedger().Release(context.Background(), TransferRequest{EscrowID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownHold)
}

func TestMemoryLedger_InjectFault(t *testing.T) {
	m := NewMemoryLedger()
	boom := Retryable(OpLock, errors.New("timeout"))
	m.InjectFault(OpLock, boom)

	_, err := m.Lock(context.Background(), lockReq("esc_1"))
	assert.ErrorIs(t, err, boom)

	_, err = m.Lock(context.Background(), lockReq("esc_1"))
	assert.NoError(t, err)
}

func TestLedgerError(t *testing.T) {
	inner := errors.New("rejected")
	err := Terminal(OpRelease, inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "terminal")
	assert.Contains(t, Retryable(OpLock, inner).Error(), "retryable")
	assert.False(t, IsRetryable(inner))
}
