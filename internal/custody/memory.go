package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/idgen"
)

// HoldStatus is the state of funds held by the simulated ledger.
type HoldStatus string

const (
	HoldLocked   HoldStatus = "locked"
	HoldReleased HoldStatus = "released"
	HoldRefunded HoldStatus = "refunded"
	HoldSplit    HoldStatus = "split"
)

// Hold is a snapshot of custody for one escrow.
type Hold struct {
	EscrowID string
	BuyerID  string
	Chain    string
	Amount   decimal.Decimal
	ToBuyer  decimal.Decimal
	ToSeller decimal.Decimal
	Status   HoldStatus
	TxRef    string
}

// MemoryLedger is an in-process simulated settlement network.
// Calls are idempotent per idempotency key: a replay returns the original
// transaction reference without moving funds again.
type MemoryLedger struct {
	mu       sync.Mutex
	holds    map[string]*Hold
	results  map[string]string
	balances map[string]decimal.Decimal // nil entry means unlimited
	faults   map[string][]error
	calls    map[string]int
}

// NewMemoryLedger creates an empty simulated ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		holds:    make(map[string]*Hold),
		results:  make(map[string]string),
		balances: make(map[string]decimal.Decimal),
		faults:   make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetBalance limits how much a buyer can lock. Buyers without a balance are unlimited.
func (m *MemoryLedger) SetBalance(buyerID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[buyerID] = amount
}

// InjectFault makes the next calls of op fail with the given errors, in order.
func (m *MemoryLedger) InjectFault(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// Calls returns how many times op reached the ledger, including faults and replays.
func (m *MemoryLedger) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Hold returns a copy of the hold for an escrow.
func (m *MemoryLedger) Hold(escrowID string) (Hold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[escrowID]
	if !ok {
		return Hold{}, false
	}
	return *h, true
}

// begin counts the call, pops an injected fault, and checks for a replay.
// Caller must hold m.mu.
func (m *MemoryLedger) begin(op, key string) (string, bool, error) {
	m.calls[op]++
	if q := m.faults[op]; len(q) > 0 {
		m.faults[op] = q[1:]
		return "", false, q[0]
	}
	if key != "" {
		if ref, ok := m.results[key]; ok {
			return ref, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryLedger) remember(key, ref string) {
	if key != "" {
		m.results[key] = ref
	}
}

func newTxRef(chain string) string {
	return fmt.Sprintf("%s_%s", chain, idgen.Hex(16))
}

// Lock takes custody of the buyer's funds.
func (m *MemoryLedger) Lock(_ context.Context, req LockRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, replay, err := m.begin(OpLock, req.IdempotencyKey)
	if err != nil || replay {
		return ref, err
	}
	if !req.Amount.IsPositive() {
		return "", Terminal(OpLock, fmt.Errorf("invalid amount %s", req.Amount))
	}
	if _, exists := m.holds[req.EscrowID]; exists {
		return "", Terminal(OpLock, fmt.Errorf("escrow %s already locked", req.EscrowID))
	}
	if bal, limited := m.balances[req.BuyerID]; limited {
		if bal.LessThan(req.Amount) {
			return "", Terminal(OpLock, ErrInsufficientFunds)
		}
		m.balances[req.BuyerID] = bal.Sub(req.Amount)
	}

	ref = newTxRef(req.Chain)
	m.holds[req.EscrowID] = &Hold{
		EscrowID: req.EscrowID,
		BuyerID:  req.BuyerID,
		Chain:    req.Chain,
		Amount:   req.Amount,
		Status:   HoldLocked,
		TxRef:    ref,
	}
	m.remember(req.IdempotencyKey, ref)
	return ref, nil
}

// Release pays the held amount to the seller.
func (m *MemoryLedger) Release(_ context.Context, req TransferRequest) (string, error) {
	return m.settle(OpRelease, req.EscrowID, req.IdempotencyKey, func(h *Hold) error {
		h.Status = HoldReleased
		h.ToSeller = h.Amount
		return nil
	})
}

// Refund returns the held amount to the buyer.
func (m *MemoryLedger) Refund(_ context.Context, req TransferRequest) (string, error) {
	return m.settle(OpRefund, req.EscrowID, req.IdempotencyKey, func(h *Hold) error {
		h.Status = HoldRefunded
		h.ToBuyer = h.Amount
		m.credit(h.BuyerID, h.Amount)
		return nil
	})
}

// Split divides the held amount between buyer and seller.
func (m *MemoryLedger) Split(_ context.Context, req SplitRequest) (string, error) {
	return m.settle(OpSplit, req.EscrowID, req.IdempotencyKey, func(h *Hold) error {
		if req.ToBuyer.IsNegative() || req.ToSeller.IsNegative() || !req.ToBuyer.Add(req.ToSeller).Equal(h.Amount) {
			return fmt.Errorf("split %s+%s does not match held %s", req.ToBuyer, req.ToSeller, h.Amount)
		}
		h.Status = HoldSplit
		h.ToBuyer = req.ToBuyer
		h.ToSeller = req.ToSeller
		m.credit(h.BuyerID, req.ToBuyer)
		return nil
	})
}

// credit returns funds to a limited buyer balance. Caller must hold m.mu.
func (m *MemoryLedger) credit(buyerID string, amount decimal.Decimal) {
	if bal, limited := m.balances[buyerID]; limited {
		m.balances[buyerID] = bal.Add(amount)
	}
}

func (m *MemoryLedger) settle(op, escrowID, key string, apply func(*Hold) error) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, replay, err := m.begin(op, key)
	if err != nil || replay {
		return ref, err
	}
	h, ok := m.holds[escrowID]
	if !ok {
		return "", Terminal(op, fmt.Errorf("%w: %s", ErrUnknownHold, escrowID))
	}
	if h.Status != HoldLocked {
		return "", Terminal(op, fmt.Errorf("%w: %s is %s", ErrHoldClosed, escrowID, h.Status))
	}
	if err := apply(h); err != nil {
		return "", Terminal(op, err)
	}
	ref = newTxRef(h.Chain)
	m.remember(key, ref)
	return ref, nil
}
