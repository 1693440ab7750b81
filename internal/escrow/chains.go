package escrow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/custody"
)

// chainMultipliers scale the platform fee by each network's settlement cost.
var chainMultipliers = map[string]decimal.Decimal{
	"ethereum":        decimal.RequireFromString("1.25"),
	"bitcoin":         decimal.RequireFromString("1.15"),
	"base":            decimal.RequireFromString("0.95"),
	"polygon":         decimal.RequireFromString("0.90"),
	"solana":          decimal.RequireFromString("0.85"),
	"stellar":         decimal.RequireFromString("0.80"),
	custody.ChainCard: decimal.NewFromInt(1),
}

// ChainMultiplier returns the fee multiplier for a chain.
func ChainMultiplier(chain string) (decimal.Decimal, error) {
	m, ok := chainMultipliers[strings.ToLower(chain)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownChain, chain)
	}
	return m, nil
}

// Chains lists the supported chains in name order.
func Chains() []string {
	out := make([]string, 0, len(chainMultipliers))
	for c := range chainMultipliers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func chainNote(chain string, m decimal.Decimal) string {
	return fmt.Sprintf("Chain multiplier x%s (%s) applied.", m.String(), chain)
}
