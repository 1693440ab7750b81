package custody

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

// ChainCard is the settlement network served by StripeGateway.
const ChainCard = "card"

// intentAPI is the subset of the Stripe PaymentIntents API the gateway uses.
type intentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeGateway holds fiat funds as manual-capture PaymentIntents.
//
// The buyer authorizes a PaymentIntent with capture_method=manual and passes
// its id as the lock's external ref. Lock verifies the authorization, release
// captures it in full, split captures only the seller's share (the rest of the
// authorization lapses back to the buyer), and refund cancels it.
type StripeGateway struct {
	intents intentAPI
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{intents: &paymentintent.Client{
		B:   stripe.GetBackend(stripe.APIBackend),
		Key: secretKey,
	}}
}

func newStripeGateway(api intentAPI) *StripeGateway {
	return &StripeGateway{intents: api}
}

// Lock verifies that the PaymentIntent is authorized for at least the escrow amount.
func (g *StripeGateway) Lock(ctx context.Context, req LockRequest) (string, error) {
	if req.ExternalRef == "" {
		return "", Terminal(OpLock, errors.New("payment intent id required"))
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(req.ExternalRef, params)
	if err != nil {
		return "", classifyStripe(OpLock, err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return "", Terminal(OpLock, fmt.Errorf("payment intent %s is %s, want requires_capture", pi.ID, pi.Status))
	}
	if pi.Currency != "" && pi.Currency != stripe.CurrencyUSD {
		return "", Terminal(OpLock, fmt.Errorf("payment intent %s currency %s, want usd", pi.ID, pi.Currency))
	}
	if pi.AmountCapturable < toCents(req.Amount) {
		return "", Terminal(OpLock, ErrInsufficientFunds)
	}
	return pi.ID, nil
}

// Release captures the full authorization for the seller.
func (g *StripeGateway) Release(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.AmountToCapture = stripe.Int64(toCents(req.Amount))
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)
	pi, err := g.intents.Capture(req.TxRef, params)
	if err != nil {
		return "", classifyStripe(OpRelease, err)
	}
	return chargeRef(pi), nil
}

// Refund cancels the authorization, releasing the hold on the buyer's card.
func (g *StripeGateway) Refund(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.CancellationReason = stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer))
	params.SetIdempotencyKey(req.IdempotencyKey)
	pi, err := g.intents.Cancel(req.TxRef, params)
	if err != nil {
		return "", classifyStripe(OpRefund, err)
	}
	return pi.ID, nil
}

// Split captures the seller's share. A zero seller share is a refund.
func (g *StripeGateway) Split(ctx context.Context, req SplitRequest) (string, error) {
	sellerCents := toCents(req.ToSeller)
	if sellerCents == 0 {
		return g.Refund(ctx, TransferRequest{
			EscrowID:       req.EscrowID,
			TxRef:          req.TxRef,
			Chain:          req.Chain,
			IdempotencyKey: req.IdempotencyKey,
		})
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.AmountToCapture = stripe.Int64(sellerCents)
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)
	params.AddMetadata("buyer_refund", req.ToBuyer.StringFixed(2))
	pi, err := g.intents.Capture(req.TxRef, params)
	if err != nil {
		return "", classifyStripe(OpSplit, err)
	}
	return chargeRef(pi), nil
}

func chargeRef(pi *stripe.PaymentIntent) string {
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID
	}
	return pi.ID
}

// classifyStripe maps Stripe API errors onto retryable and terminal ledger
// errors. Anything that is not a Stripe API error is a transport failure.
func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return Retryable(op, err)
	}
	if se.DeclineCode == stripe.DeclineCodeInsufficientFunds {
		return Terminal(op, fmt.Errorf("%w: %s", ErrInsufficientFunds, se.Msg))
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		return Retryable(op, se)
	default:
		return Terminal(op, se)
	}
}
