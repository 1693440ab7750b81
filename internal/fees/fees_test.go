package fees

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(t *testing.T, req QuoteRequest) *Quote {
	t.Helper()
	q, err := NewEngine().Quote(req)
	require.NoError(t, err)
	assert.True(t, q.BuyerFee.Add(q.SellerFee).Equal(q.PlatformFee),
		"buyer %s + seller %s != platform %s", q.BuyerFee, q.SellerFee, q.PlatformFee)
	return q
}

func hasNote(notes []string, substr string) bool {
	for _, n := range notes {
		if strings.Contains(strings.ToLower(n), strings.ToLower(substr)) {
			return true
		}
	}
	return false
}

func TestQuote_DefaultCategory(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryArt, Price: d("10000"), Rail: RailFiat})
	assert.True(t, q.BuyerFee.Equal(d("150")))
	assert.True(t, q.SellerFee.Equal(d("150")))
	assert.True(t, q.PlatformFee.Equal(d("300")))
	assert.True(t, q.Discount.IsZero())
	assert.Empty(t, q.Notes)
}

func TestQuote_JewelryMinimum(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryJewelry, Price: d("5000"), Rail: RailFiat})
	assert.True(t, q.PlatformFee.Equal(d("300")), "got %s", q.PlatformFee)
	assert.True(t, q.BuyerFee.Equal(d("150")))
	assert.True(t, hasNote(q.Notes, "jewelry minimum"), "notes: %v", q.Notes)
}

func TestQuote_CarsMinimum(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryCars, Price: d("25000"), Rail: RailFiat})
	assert.True(t, q.PlatformFee.Equal(d("1500")), "got %s", q.PlatformFee)
	assert.True(t, hasNote(q.Notes, "cars minimum"))
}

func TestQuote_RealEstateCap(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryRealEstateWhole, Price: d("10000000"), Rail: RailFiat})
	assert.True(t, q.PlatformFee.Equal(d("50000")), "got %s", q.PlatformFee)
	assert.True(t, q.BuyerFee.Equal(d("25000")))
	assert.True(t, hasNote(q.Notes, "capped"))
}

func TestQuote_RealEstateUnderCap(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryRealEstateWhole, Price: d("2000000")})
	assert.True(t, q.PlatformFee.Equal(d("20000")))
	assert.Empty(t, q.Notes)
}

func TestQuote_FractionalRealEstate(t *testing.T) {
	primary := quote(t, QuoteRequest{Category: CategoryRealEstateFractional, Price: d("100000")})
	assert.True(t, primary.PlatformFee.Equal(d("500")))

	secondary := quote(t, QuoteRequest{Category: CategoryRealEstateSecondary, Price: d("100000")})
	assert.True(t, secondary.PlatformFee.Equal(d("250")))
}

func TestQuote_CryptoDiscount(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryCars, Price: d("100000"), Rail: RailCrypto})
	assert.True(t, q.PlatformFee.Equal(d("2500")), "got %s", q.PlatformFee)
	assert.True(t, q.Discount.Equal(d("500")))
	assert.Contains(t, q.Notes, "Crypto discount applied (-0.5% total).")
}

func TestQuote_CryptoAuction(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryJewelry, Price: d("50000"), Rail: RailCrypto, Auction: true})
	assert.True(t, q.PlatformFee.Equal(d("1750")), "got %s", q.PlatformFee)
	assert.True(t, q.BuyerFee.GreaterThan(q.SellerFee))
	assert.True(t, q.BuyerFee.Equal(d("1125")))
	assert.True(t, q.SellerFee.Equal(d("625")))
	assert.Equal(t, []string{"Crypto discount applied (-0.5% total).", "Auction buyer premium (+1%)."}, q.Notes)
}

func TestQuote_FiatSurchargeOnlyWhenRequested(t *testing.T) {
	plain := quote(t, QuoteRequest{Category: CategoryCars, Price: d("100000"), Rail: RailFiat})
	assert.True(t, plain.PlatformFee.Equal(d("3000")), "got %s", plain.PlatformFee)

	surcharged := quote(t, QuoteRequest{Category: CategoryCars, Price: d("100000"), Rail: RailFiat, FiatSurcharge: true})
	assert.True(t, surcharged.PlatformFee.Equal(d("3400")), "got %s", surcharged.PlatformFee)
	assert.Contains(t, surcharged.Notes, "Fiat rail surcharge applied (+0.4% total).")
}

func TestQuote_FiatSurchargeIgnoredOnCrypto(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryCars, Price: d("100000"), Rail: RailCrypto, FiatSurcharge: true})
	assert.True(t, q.PlatformFee.Equal(d("2500")))
}

func TestQuote_TierReduction(t *testing.T) {
	tests := []struct {
		tier Tier
		want string
	}{
		{TierBasic, "3000"},
		{TierPro, "2700"},
		{TierElite, "2400"},
		{TierInstitutional, "2100"},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			q := quote(t, QuoteRequest{Category: CategoryCars, Price: d("100000"), Tier: tt.tier})
			assert.True(t, q.PlatformFee.Equal(d(tt.want)), "got %s", q.PlatformFee)
			if tt.tier != TierBasic {
				assert.True(t, hasNote(q.Notes, string(tt.tier)+" tier"))
				assert.True(t, q.Discount.IsPositive())
			}
		})
	}
}

func TestQuote_TierAppliesAfterMinimum(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryJewelry, Price: d("5000"), Tier: TierElite})
	assert.True(t, q.PlatformFee.Equal(d("240")), "got %s", q.PlatformFee)
	assert.Len(t, q.Notes, 2)
}

func TestQuote_CryptoDiscountAfterMinimum(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		price    string
		want     string
		discount string
	}{
		{"jewelry floor", CategoryJewelry, "5000", "275", "25"},
		{"cars floor", CategoryCars, "25000", "1375", "125"},
		{"cars at floor", CategoryCars, "50000", "1250", "250"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := quote(t, QuoteRequest{Category: tt.category, Price: d(tt.price), Rail: RailCrypto})
			assert.True(t, q.PlatformFee.Equal(d(tt.want)), "got %s", q.PlatformFee)
			assert.True(t, q.Discount.Equal(d(tt.discount)), "got %s", q.Discount)
			assert.True(t, q.BuyerFee.Equal(q.SellerFee))
			assert.Contains(t, q.Notes, "Crypto discount applied (-0.5% total).")
		})
	}
}

func TestQuote_AuctionPremiumAboveCap(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryRealEstateWhole, Price: d("10000000"), Auction: true})
	assert.True(t, q.BuyerFee.Equal(d("125000")), "got %s", q.BuyerFee)
	assert.True(t, q.SellerFee.Equal(d("25000")), "got %s", q.SellerFee)
	assert.True(t, q.PlatformFee.Equal(d("150000")), "got %s", q.PlatformFee)
	assert.Equal(t, []string{"Platform fee capped at $50000 total.", "Auction buyer premium (+1%)."}, q.Notes)
}

func TestQuote_NoNoteWithoutChange(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryGeneral, Price: d("0.01"), Rail: RailCrypto, Tier: TierPro})
	assert.True(t, q.PlatformFee.IsZero())
	assert.Empty(t, q.Notes)
}

func TestQuote_RoundsHalfUp(t *testing.T) {
	// 1.5% of 0.99 = 0.01485 per side
	q := quote(t, QuoteRequest{Category: CategoryGeneral, Price: d("0.99")})
	assert.True(t, q.BuyerFee.Equal(d("0.01")))
	// 1.5% of 1.01 = 0.01515
	q = quote(t, QuoteRequest{Category: CategoryGeneral, Price: d("1.01")})
	assert.True(t, q.BuyerFee.Equal(d("0.02")))
	// 0.125% of 4 = 0.005
	q = quote(t, QuoteRequest{Category: CategoryRealEstateSecondary, Price: d("4")})
	assert.True(t, q.BuyerFee.Equal(d("0.01")))
	assert.True(t, q.PlatformFee.Equal(d("0.02")))
}

func TestQuote_Defaults(t *testing.T) {
	q := quote(t, QuoteRequest{Price: d("100")})
	assert.Equal(t, CategoryGeneral, q.Category)
	assert.Equal(t, RailFiat, q.Rail)
	assert.Equal(t, TierBasic, q.Tier)
	assert.True(t, q.ChainMultiplier.Equal(d("1")))
}

func TestQuote_ValidationErrors(t *testing.T) {
	e := NewEngine()
	tests := []struct {
		name string
		req  QuoteRequest
		want error
	}{
		{"zero price", QuoteRequest{Price: decimal.Zero}, ErrInvalidPrice},
		{"negative price", QuoteRequest{Price: d("-1")}, ErrInvalidPrice},
		{"unknown category", QuoteRequest{Price: d("1"), Category: "yachts"}, ErrUnknownCategory},
		{"unknown rail", QuoteRequest{Price: d("1"), Rail: "barter"}, ErrUnknownRail},
		{"unknown tier", QuoteRequest{Price: d("1"), Tier: "platinum"}, ErrUnknownTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Quote(tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestQuote_SumInvariantAcrossGrid(t *testing.T) {
	prices := []string{"0.01", "0.33", "1", "7.77", "333.33", "4999.99", "12345.67", "999999.99", "73000000"}
	cats := []Category{CategoryGeneral, CategoryJewelry, CategoryCars, CategoryRealEstateWhole,
		CategoryRealEstateFractional, CategoryRealEstateSecondary}
	for _, p := range prices {
		for _, c := range cats {
			for _, rail := range []Rail{RailFiat, RailCrypto} {
				for _, tier := range []Tier{TierBasic, TierPro, TierInstitutional} {
					quote(t, QuoteRequest{Category: c, Price: d(p), Rail: rail, Auction: len(p)%2 == 0, Tier: tier})
				}
			}
		}
	}
}

func TestBreakdown_Scale(t *testing.T) {
	q := quote(t, QuoteRequest{Category: CategoryGeneral, Price: d("1000.33")})
	scaled := q.Breakdown.Scale(d("1.25"), "Chain multiplier x1.25 applied.")
	assert.True(t, scaled.BuyerFee.Add(scaled.SellerFee).Equal(scaled.PlatformFee))
	assert.True(t, scaled.ChainMultiplier.Equal(d("1.25")))
	assert.Len(t, scaled.Notes, len(q.Notes)+1)
	assert.Len(t, q.Notes, 0, "original notes must not be mutated")

	same := q.Breakdown.Scale(d("1"), "unused")
	assert.True(t, same.PlatformFee.Equal(q.PlatformFee))
	assert.Len(t, same.Notes, 0)
}
