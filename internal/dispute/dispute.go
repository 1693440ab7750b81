// Package dispute arbitrates contested escrows.
//
// Flow:
//  1. A party disputes a FUNDED or CONDITIONS_MET escrow → dispute OPEN
//  2. A panel of active arbitrators is assigned once → UNDER_REVIEW
//  3. Each panelist casts one immutable vote (buyer|seller, refund %)
//  4. Once every panelist has voted the majority wins → RESOLVED, and the
//     escrow ledger moves funds according to the averaged refund percentage
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDisputeNotFound         = errors.New("dispute not found")
	ErrInvalidStatus           = errors.New("invalid dispute status for this operation")
	ErrAlreadyResolved         = fmt.Errorf("%w: dispute already resolved", ErrInvalidStatus)
	ErrPanelAssigned           = fmt.Errorf("%w: arbitration panel already assigned", ErrInvalidStatus)
	ErrNotOnPanel              = errors.New("arbitrator is not on this dispute's panel")
	ErrDuplicateVote           = errors.New("arbitrator has already voted")
	ErrInvalidRefundPercentage = errors.New("refund percentage must be between 0 and 100")
	ErrInsufficientArbitrators = errors.New("not enough active arbitrators")
	ErrInvalidPanelSize        = errors.New("panel size must be between 1 and 15")
	ErrUnknownReason           = errors.New("unknown dispute reason")
	ErrInvalidDecision         = errors.New("decision must be buyer or seller")
	ErrQuorumNotReached        = fmt.Errorf("%w: not every arbitrator has voted", ErrInvalidStatus)
	ErrArbitratorNotFound      = errors.New("arbitrator not found")
	ErrArbitratorExists        = errors.New("arbitrator already registered")
	ErrResolverUnavailable     = errors.New("no escrow resolver configured")
	ErrMissingParties          = errors.New("escrow, buyer and seller are required")
)

// MaxPanelSize bounds the arbitration panel.
const MaxPanelSize = 15

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
)

// Decision is the side a vote or resolution favors.
type Decision string

const (
	DecisionBuyer  Decision = "buyer"
	DecisionSeller Decision = "seller"
)

// IsValid reports whether d is buyer or seller.
func (d Decision) IsValid() bool {
	return d == DecisionBuyer || d == DecisionSeller
}

// Reason is the code a party gives when opening a dispute.
type Reason string

const (
	ReasonNotDelivered   Reason = "not_delivered"
	ReasonNotAsDescribed Reason = "not_as_described"
	ReasonDamaged        Reason = "damaged"
	ReasonFraud          Reason = "fraud"
	ReasonOther          Reason = "other"
)

// ParseReason validates a reason code.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(s); r {
	case ReasonNotDelivered, ReasonNotAsDescribed, ReasonDamaged, ReasonFraud, ReasonOther:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReason, s)
}

// Vote is one arbitrator's immutable ballot.
type Vote struct {
	ArbitratorID     string          `json:"arbitratorId"`
	Decision         Decision        `json:"decision"`
	Reasoning        string          `json:"reasoning"`
	RefundPercentage decimal.Decimal `json:"refundPercentage"`
	CastAt           time.Time       `json:"castAt"`
}

// Resolution is the outcome of a resolved dispute.
type Resolution struct {
	Decision         Decision        `json:"decision"`
	RefundPercentage decimal.Decimal `json:"refundPercentage"`
	BuyerVotes       int             `json:"buyerVotes"`
	SellerVotes      int             `json:"sellerVotes"`
	ResolvedAt       time.Time       `json:"resolvedAt"`
}

// Dispute is an arbitration case over one escrow.
type Dispute struct {
	ID          string           `json:"id"`
	EscrowID    string           `json:"escrowId"`
	BuyerID     string           `json:"buyerId"`
	SellerID    string           `json:"sellerId"`
	InitiatorID string           `json:"initiatorId"`
	Reason      Reason           `json:"reason"`
	Description string           `json:"description,omitempty"`
	Evidence    []string         `json:"evidence"`
	Status      Status           `json:"status"`
	Arbitrators []string         `json:"arbitrators"`
	Votes       map[string]*Vote `json:"votes"`
	Resolution  *Resolution      `json:"resolution,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// OnPanel reports whether arbitratorID is assigned to this dispute.
func (d *Dispute) OnPanel(arbitratorID string) bool {
	for _, a := range d.Arbitrators {
		if a == arbitratorID {
			return true
		}
	}
	return false
}

// IsParty reports whether id is the buyer or seller of the disputed escrow.
func (d *Dispute) IsParty(id string) bool {
	return id == d.BuyerID || id == d.SellerID
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.Evidence = append([]string(nil), d.Evidence...)
	cp.Arbitrators = append([]string(nil), d.Arbitrators...)
	cp.Votes = make(map[string]*Vote, len(d.Votes))
	for k, v := range d.Votes {
		vc := *v
		cp.Votes[k] = &vc
	}
	if d.Resolution != nil {
		r := *d.Resolution
		cp.Resolution = &r
	}
	return &cp
}

// Arbitrator is a member of the platform's arbitration pool.
type Arbitrator struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Active        bool      `json:"active"`
	AssignedCount int       `json:"assignedCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// OpenRequest carries what the escrow ledger knows when a dispute is raised.
type OpenRequest struct {
	EscrowID    string
	BuyerID     string
	SellerID    string
	InitiatorID string
	Reason      string
	Description string
	Evidence    []string
}

// Store persists disputes. AddVote must reject a second vote from the same
// arbitrator with ErrDuplicateVote.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	AddVote(ctx context.Context, disputeID string, vote *Vote) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// ArbitratorPool holds the registry of arbitrators.
type ArbitratorPool interface {
	Register(ctx context.Context, a *Arbitrator) error
	Get(ctx context.Context, id string) (*Arbitrator, error)
	SetActive(ctx context.Context, id string, active bool) error
	ListActive(ctx context.Context) ([]*Arbitrator, error)
	IncrementAssigned(ctx context.Context, ids []string) error
}

// EscrowResolver applies a resolution to the disputed escrow.
type EscrowResolver interface {
	ApplyResolution(ctx context.Context, escrowID string, decision Decision, refundPercentage decimal.Decimal) error
}
