// Package escrow holds buyer funds in neutral custody until delivery
// conditions are met.
//
// Flow:
//  1. Create → fees quoted, escrow CREATED
//  2. LockFunds → custody gateway takes the buyer's funds → FUNDED
//  3. ConfirmConditions (buyer) → CONDITIONS_MET
//  4. ReleaseFunds → funds paid to the seller → COMPLETED
//  5. Dispute (FUNDED or CONDITIONS_MET) → DISPUTED until the arbitration
//     panel's resolution splits, releases or refunds the funds
//  6. Past ExpiresAt, CREATED or FUNDED escrows expire; FUNDED ones are refunded
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/custody"
	"github.com/mbd888/holdfast/internal/dispute"
	"github.com/mbd888/holdfast/internal/fees"
	"github.com/mbd888/holdfast/internal/pagination"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrInvalidStatus       = errors.New("invalid escrow status for this operation")
	ErrUnauthorized        = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidParty        = errors.New("seller and buyer are required")
	ErrUnknownChain        = errors.New("unknown chain")
	ErrInvalidRefund       = errors.New("refund percentage must be between 0 and 100")
	ErrDisputesUnavailable = errors.New("dispute coordinator not configured")
	ErrInvalidCursor       = pagination.ErrInvalidCursor

	// ErrExpired is returned when an operation finds the escrow past its
	// deadline. It is an invalid-status error.
	ErrExpired = fmt.Errorf("%w: escrow expired", ErrInvalidStatus)
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusFunded        Status = "FUNDED"
	StatusConditionsMet Status = "CONDITIONS_MET"
	StatusCompleted     Status = "COMPLETED"
	StatusExpired       Status = "EXPIRED"
	StatusDisputed      Status = "DISPUTED"
)

// transitions is the complete allowed-transition graph.
var transitions = map[Status][]Status{
	StatusCreated:       {StatusFunded, StatusExpired},
	StatusFunded:        {StatusConditionsMet, StatusExpired, StatusDisputed},
	StatusConditionsMet: {StatusCompleted, StatusDisputed},
	StatusDisputed:      {StatusCompleted, StatusExpired},
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// DefaultExpirationDays applies when a create request leaves ExpirationDays at zero.
const DefaultExpirationDays = 7

// Escrow is a custody record for one sale.
type Escrow struct {
	ID          string          `json:"id"`
	SellerID    string          `json:"sellerId"`
	BuyerID     string          `json:"buyerId"`
	Amount      decimal.Decimal `json:"amount"`
	Chain       string          `json:"chain"`
	Category    fees.Category   `json:"category"`
	PaymentRail fees.Rail       `json:"paymentRail"`
	Auction     bool            `json:"auction"`
	Tier        fees.Tier       `json:"tier"`
	Status      Status          `json:"status"`
	Fees        fees.Breakdown  `json:"fees"`
	// TxRef is the custody reference returned when funds were locked.
	TxRef       string `json:"txRef,omitempty"`
	ExternalRef string `json:"externalRef,omitempty"`
	// SettlementRef is the reference of the release, refund or split.
	SettlementRef  string          `json:"settlementRef,omitempty"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	Metadata       string          `json:"metadata,omitempty"`
	Evidence       string          `json:"evidence,omitempty"`
	DisputeID      string          `json:"disputeId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsParty reports whether id is the buyer or seller.
func (e *Escrow) IsParty(id string) bool {
	return id != "" && (id == e.BuyerID || id == e.SellerID)
}

// IsExpired reports whether the deadline has passed at now.
func (e *Escrow) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// settledByDispute reports whether a dispute resolution refunding toBuyer
// has already moved this escrow's funds. DISPUTED only exits through a
// resolution, so a terminal escrow carrying a dispute id was settled by one.
func (e *Escrow) settledByDispute(toBuyer decimal.Decimal) bool {
	return e.DisputeID != "" && e.Status.IsTerminal() && e.RefundedAmount.Equal(toBuyer)
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	// ListByParty returns the party's escrows newest first, starting after the cursor when one is given.
	ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListExpired returns CREATED or FUNDED escrows whose deadline is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// Gateway moves funds on the escrow's settlement network.
type Gateway interface {
	Lock(ctx context.Context, req custody.LockRequest) (string, error)
	Release(ctx context.Context, req custody.TransferRequest) (string, error)
	Refund(ctx context.Context, req custody.TransferRequest) (string, error)
	Split(ctx context.Context, req custody.SplitRequest) (string, error)
}

// DisputeOpener creates dispute records.
type DisputeOpener interface {
	Open(ctx context.Context, req dispute.OpenRequest) (*dispute.Dispute, error)
}

// Notifier announces settled commissions.
type Notifier interface {
	EmitCommissionEarned(escrowID, sellerID, buyerID, amount, platformFee, chain string)
}

// TierTracker supplies default fee tiers and records completed volume.
type TierTracker interface {
	TierFor(ctx context.Context, partyID string) fees.Tier
	RecordCompletion(ctx context.Context, partyID string, amount decimal.Decimal) error
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	SellerID       string          `json:"sellerId" validate:"required,partyid"`
	BuyerID        string          `json:"buyerId" validate:"required,partyid"`
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	Chain          string          `json:"chain" validate:"required"`
	ExpirationDays int             `json:"expirationDays" validate:"gte=-3650,lte=3650"`
	Tier           string          `json:"tier,omitempty"`
	Metadata       string          `json:"metadata,omitempty" validate:"max=10000"`
	Category       string          `json:"category,omitempty"`
	Rail           string          `json:"rail,omitempty" validate:"omitempty,oneof=fiat crypto"`
	Auction        bool            `json:"auction,omitempty"`
	FiatSurcharge  bool            `json:"fiatSurcharge,omitempty"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	InitiatorID string   `json:"-"`
	Reason      string   `json:"reason" validate:"required"`
	Description string   `json:"description" validate:"max=10000"`
	Evidence    []string `json:"evidence" validate:"max=50"`
}
