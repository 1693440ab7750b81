package fees

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Engine computes fee quotes. The zero value is ready to use.
type Engine struct{}

// NewEngine returns a fee engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Quote validates req and computes its fee breakdown.
//
// Steps run in a fixed order: category base split and cap, category minimum,
// rail adjustment, auction premium, tier reduction. A step adds a note only
// when it changes the amounts.
func (e *Engine) Quote(req QuoteRequest) (*Quote, error) {
	if !req.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	category, err := ParseCategory(string(req.Category))
	if err != nil {
		return nil, err
	}
	rail, err := ParseRail(string(req.Rail))
	if err != nil {
		return nil, err
	}
	tier, err := ParseTier(string(req.Tier))
	if err != nil {
		return nil, err
	}
	req.Category, req.Rail, req.Tier = category, rail, tier

	final := evaluate(req, true)
	undiscounted := evaluate(req, false)

	b := Breakdown{
		BuyerFee:        final.buyer,
		SellerFee:       final.seller,
		PlatformFee:     final.buyer.Add(final.seller),
		Discount:        decimal.Max(decimal.Zero, undiscounted.buyer.Add(undiscounted.seller).Sub(final.buyer.Add(final.seller))),
		ChainMultiplier: decimal.NewFromInt(1),
		Notes:           final.notes,
	}
	if b.Notes == nil {
		b.Notes = []string{}
	}

	return &Quote{
		Category:  category,
		Price:     req.Price,
		Rail:      rail,
		Auction:   req.Auction,
		Tier:      tier,
		Breakdown: b,
	}, nil
}

type evaluation struct {
	buyer  decimal.Decimal
	seller decimal.Decimal
	notes  []string
}

// evaluate runs the rule pipeline. With discounts false the crypto discount
// and tier reduction are skipped, which yields the baseline for DiscountAmount.
func evaluate(req QuoteRequest, discounts bool) evaluation {
	rule := categories[req.Category]
	var ev evaluation

	ev.buyer = percentOf(req.Price, rule.buyerRate)
	ev.seller = percentOf(req.Price, rule.sellerRate)
	if !rule.maxTotal.IsZero() && ev.total().GreaterThan(rule.maxTotal) {
		ev.buyer, ev.seller = resplit(rule.maxTotal, ev.buyer, ev.seller)
		ev.notes = append(ev.notes, fmt.Sprintf("Platform fee capped at $%s total.", rule.maxTotal.StringFixed(0)))
	}

	if !rule.minTotal.IsZero() && ev.total().LessThan(rule.minTotal) {
		ev.buyer, ev.seller = resplit(rule.minTotal, ev.buyer, ev.seller)
		ev.notes = append(ev.notes, fmt.Sprintf("%s minimum platform fee of $%s applied.",
			titleCase(string(req.Category)), rule.minTotal.StringFixed(0)))
	}

	switch {
	case req.Rail == RailCrypto && discounts:
		before := ev.total()
		off := percentOf(req.Price, cryptoDiscountPerSide)
		ev.buyer = decimal.Max(decimal.Zero, ev.buyer.Sub(off))
		ev.seller = decimal.Max(decimal.Zero, ev.seller.Sub(off))
		if ev.total().LessThan(before) {
			ev.notes = append(ev.notes, "Crypto discount applied (-0.5% total).")
		}
	case req.Rail == RailFiat && req.FiatSurcharge:
		add := percentOf(req.Price, fiatSurchargePerSide)
		if add.IsPositive() {
			ev.buyer = ev.buyer.Add(add)
			ev.seller = ev.seller.Add(add)
			ev.notes = append(ev.notes, "Fiat rail surcharge applied (+0.4% total).")
		}
	}

	if req.Auction {
		if premium := percentOf(req.Price, auctionBuyerPremium); premium.IsPositive() {
			ev.buyer = ev.buyer.Add(premium)
			ev.notes = append(ev.notes, "Auction buyer premium (+1%).")
		}
	}

	if discounts {
		if r := req.Tier.Reduction(); r.IsPositive() {
			before := ev.total()
			keep := decimal.NewFromInt(1).Sub(r)
			ev.buyer = roundCents(ev.buyer.Mul(keep))
			ev.seller = roundCents(ev.seller.Mul(keep))
			if ev.total().LessThan(before) {
				ev.notes = append(ev.notes, fmt.Sprintf("%s tier discount applied (-%s%%).",
					titleCase(string(req.Tier)), r.Mul(hundred).StringFixed(0)))
			}
		}
	}
	return ev
}

func (ev evaluation) total() decimal.Decimal {
	return ev.buyer.Add(ev.seller)
}

// percentOf returns pct percent of price, rounded to cents.
func percentOf(price, pct decimal.Decimal) decimal.Decimal {
	return roundCents(price.Mul(pct).Div(hundred))
}

// resplit divides total between buyer and seller in proportion to the given
// pre-bound split. An empty split divides evenly. The seller side absorbs
// the rounding residual so the sides always sum to total.
func resplit(total, buyer, seller decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	pre := buyer.Add(seller)
	var b decimal.Decimal
	if pre.IsZero() {
		b = roundCents(total.Div(decimal.NewFromInt(2)))
	} else {
		b = roundCents(total.Mul(buyer).Div(pre))
	}
	return b, total.Sub(b)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
