// Package custody moves escrowed funds on external settlement networks.
//
// Every fund movement carries an idempotency key derived from the escrow id
// and the operation, so a retried call never double-locks or double-releases.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Operation names, also used as idempotency key suffixes and metric labels.
const (
	OpLock    = "lock"
	OpRelease = "release"
	OpRefund  = "refund"
	OpSplit   = "split"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCircuitOpen       = errors.New("custody circuit open")
	ErrUnknownHold       = errors.New("no funds held for escrow")
	ErrHoldClosed        = errors.New("hold already settled")
	ErrUnsupportedChain  = errors.New("unsupported chain")
)

// LedgerError is a failure reported by a settlement network. Retryable
// errors (timeouts, 5xx, throttling) may be retried with the same
// idempotency key; terminal ones must not be.
type LedgerError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *LedgerError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("ledger %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable ledger error.
func Retryable(op string, err error) error {
	return &LedgerError{Op: op, Retryable: true, Err: err}
}

// Terminal wraps err as a terminal ledger error.
func Terminal(op string, err error) error {
	return &LedgerError{Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a retryable ledger error.
func IsRetryable(err error) bool {
	var le *LedgerError
	return errors.As(err, &le) && le.Retryable
}

// IdempotencyKey derives the stable key for an operation on an escrow:
// keccak256(escrowID ":" op), hex encoded.
func IdempotencyKey(escrowID, op string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(escrowID + ":" + op)))
}

// LockRequest asks the network to take custody of the buyer's funds.
type LockRequest struct {
	EscrowID string
	BuyerID  string
	Amount   decimal.Decimal
	Chain    string
	// ExternalRef is the caller's reference to the funding transaction
	// (an on-chain tx hash or a Stripe PaymentIntent id).
	ExternalRef    string
	IdempotencyKey string
}

// TransferRequest moves a held amount in full to one side.
type TransferRequest struct {
	EscrowID       string
	TxRef          string // reference returned by Lock
	Amount         decimal.Decimal
	Chain          string
	IdempotencyKey string
}

// SplitRequest divides a held amount between buyer and seller.
type SplitRequest struct {
	EscrowID       string
	TxRef          string
	Chain          string
	ToBuyer        decimal.Decimal
	ToSeller       decimal.Decimal
	IdempotencyKey string
}

// Gateway is a settlement network adapter. Each call returns a transaction
// reference and must be idempotent for a given idempotency key.
type Gateway interface {
	Lock(ctx context.Context, req LockRequest) (string, error)
	Release(ctx context.Context, req TransferRequest) (string, error)
	Refund(ctx context.Context, req TransferRequest) (string, error)
	Split(ctx context.Context, req SplitRequest) (string, error)
}

func toCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}
