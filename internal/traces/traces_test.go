package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := Init(context.Background(), "", logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_End(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "escrow.lock", EscrowID("esc_1"), Chain("ethereum"))
	require.NotNil(t, ctx)
	End(span, errors.New("boom"))
	End(span, nil)
}

func TestAttributes(t *testing.T) {
	assert.Equal(t, KeyEscrow, EscrowID("x").Key)
	assert.Equal(t, KeyDispute, DisputeID("x").Key)
	assert.Equal(t, KeyParty, PartyID("x").Key)
	assert.Equal(t, "ref_1", Reference("ref_1").Value.AsString())
	assert.Equal(t, "100.00", Amount(decimal.NewFromInt(100)).Value.AsString())
	assert.Equal(t, "0.10", Amount(decimal.RequireFromString("0.1")).Value.AsString())
}
