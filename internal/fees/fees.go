// Package fees computes buyer, seller and platform fees for escrowed sales.
//
// Quote is pure: no state, no I/O. All amounts are USD decimals rounded
// half-up to cents, and BuyerFee + SellerFee always equals PlatformFee.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrice    = errors.New("price must be greater than zero")
	ErrUnknownCategory = errors.New("unknown category")
	ErrUnknownRail     = errors.New("unknown payment rail")
	ErrUnknownTier     = errors.New("unknown subscription tier")
)

// Category classifies the asset being sold.
type Category string

const (
	CategoryGeneral              Category = "general"
	CategoryJewelry              Category = "jewelry"
	CategoryCars                 Category = "cars"
	CategoryArt                  Category = "art"
	CategoryWatches              Category = "watches"
	CategoryCollectibles         Category = "collectibles"
	CategoryRealEstateWhole      Category = "re_whole"
	CategoryRealEstateFractional Category = "re_fractional_primary"
	CategoryRealEstateSecondary  Category = "re_fractional_secondary"
)

// Rail is the payment rail funding the escrow.
type Rail string

const (
	RailFiat   Rail = "fiat"
	RailCrypto Rail = "crypto"
)

// Tier is a subscription tier. Higher tiers get a multiplicative fee reduction.
type Tier string

const (
	TierBasic         Tier = "basic"
	TierPro           Tier = "pro"
	TierElite         Tier = "elite"
	TierInstitutional Tier = "institutional"
)

// categoryRule is the per-category base split and total bounds.
type categoryRule struct {
	buyerRate  decimal.Decimal // percent
	sellerRate decimal.Decimal // percent
	minTotal   decimal.Decimal // zero means no floor
	maxTotal   decimal.Decimal // zero means no cap
}

var (
	pct150 = decimal.RequireFromString("1.5")
	pct050 = decimal.RequireFromString("0.5")
	pct025 = decimal.RequireFromString("0.25")
	pct012 = decimal.RequireFromString("0.125")

	categories = map[Category]categoryRule{
		CategoryGeneral:              {buyerRate: pct150, sellerRate: pct150},
		CategoryJewelry:              {buyerRate: pct150, sellerRate: pct150, minTotal: decimal.NewFromInt(300)},
		CategoryCars:                 {buyerRate: pct150, sellerRate: pct150, minTotal: decimal.NewFromInt(1500)},
		CategoryArt:                  {buyerRate: pct150, sellerRate: pct150},
		CategoryWatches:              {buyerRate: pct150, sellerRate: pct150},
		CategoryCollectibles:         {buyerRate: pct150, sellerRate: pct150},
		CategoryRealEstateWhole:      {buyerRate: pct050, sellerRate: pct050, maxTotal: decimal.NewFromInt(50000)},
		CategoryRealEstateFractional: {buyerRate: pct025, sellerRate: pct025},
		CategoryRealEstateSecondary:  {buyerRate: pct012, sellerRate: pct012},
	}

	cryptoDiscountPerSide = decimal.RequireFromString("0.25")
	fiatSurchargePerSide  = decimal.RequireFromString("0.2")
	auctionBuyerPremium   = decimal.NewFromInt(1)

	tierReductions = map[Tier]decimal.Decimal{
		TierBasic:         decimal.Zero,
		TierPro:           decimal.RequireFromString("0.10"),
		TierElite:         decimal.RequireFromString("0.20"),
		TierInstitutional: decimal.RequireFromString("0.30"),
	}

	hundred = decimal.NewFromInt(100)
)

// ParseCategory validates a category name. Empty maps to general.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryGeneral, nil
	}
	c := Category(s)
	if _, ok := categories[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// ParseRail validates a rail name. Empty maps to fiat.
func ParseRail(s string) (Rail, error) {
	switch Rail(s) {
	case "":
		return RailFiat, nil
	case RailFiat, RailCrypto:
		return Rail(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRail, s)
}

// ParseTier validates a tier name. Empty maps to basic.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierBasic, nil
	}
	t := Tier(s)
	if _, ok := tierReductions[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Reduction returns the fractional fee reduction for a tier (0.1 = 10%).
func (t Tier) Reduction() decimal.Decimal {
	return tierReductions[t]
}

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	_, ok := tierReductions[t]
	return ok
}

// QuoteRequest holds the inputs to a fee quote.
type QuoteRequest struct {
	Category Category        `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Rail     Rail            `json:"rail"`
	Auction  bool            `json:"auction"`
	Tier     Tier            `json:"tier"`
	// FiatSurcharge opts a fiat sale into the +0.4% rail surcharge.
	FiatSurcharge bool `json:"fiatSurcharge"`
}

// Breakdown is the computed fee split.
type Breakdown struct {
	BuyerFee        decimal.Decimal `json:"buyerFeeAmount"`
	SellerFee       decimal.Decimal `json:"sellerFeeAmount"`
	PlatformFee     decimal.Decimal `json:"platformFeeAmount"`
	Discount        decimal.Decimal `json:"discountAmount"`
	ChainMultiplier decimal.Decimal `json:"chainMultiplier"`
	Notes           []string        `json:"notes"`
}

// Quote is a fee quote value object.
type Quote struct {
	Category Category        `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Rail     Rail            `json:"rail"`
	Auction  bool            `json:"auction"`
	Tier     Tier            `json:"tier"`
	Breakdown
}

// Scale multiplies both fee sides by m and re-rounds each side, keeping
// PlatformFee equal to their sum.
func (b Breakdown) Scale(m decimal.Decimal, note string) Breakdown {
	out := b
	out.ChainMultiplier = m
	if m.Equal(decimal.NewFromInt(1)) {
		return out
	}
	out.BuyerFee = roundCents(b.BuyerFee.Mul(m))
	out.SellerFee = roundCents(b.SellerFee.Mul(m))
	out.PlatformFee = out.BuyerFee.Add(out.SellerFee)
	out.Discount = roundCents(b.Discount.Mul(m))
	out.Notes = append(append([]string(nil), b.Notes...), note)
	return out
}

func roundCents(d decimal.Decimal) decimal.Decimal {
	// decimal.Round rounds half away from zero, which is half-up for fees.
	return d.Round(2)
}
