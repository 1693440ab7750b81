package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/holdfast/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[escrow.ID] = cloneEscrow(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(escrow), nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[escrow.ID] = cloneEscrow(escrow)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool {
		if !e.IsParty(partyID) {
			return false
		}
		if after == nil {
			return true
		}
		return e.CreatedAt.Before(after.CreatedAt) || (e.CreatedAt.Equal(after.CreatedAt) && e.ID > after.ID)
	})
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.list(limit, func(e *Escrow) bool {
		return (e.Status == StatusCreated || e.Status == StatusFunded) && e.ExpiresAt.Before(before)
	})
}

// list returns matching escrows newest first.
func (m *MemoryStore) list(limit int, match func(*Escrow) bool) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if match(e) {
			result = append(result, cloneEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GlobalTotals aggregates every stored escrow.
func (m *MemoryStore) GlobalTotals(_ context.Context) (*GlobalTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &GlobalTotals{
		Volume:       decimal.Zero,
		PlatformFees: decimal.Zero,
		ByStatus:     make(map[Status]int64),
	}
	for _, e := range m.escrows {
		t.Count++
		t.Volume = t.Volume.Add(e.Amount)
		t.ByStatus[e.Status]++
		if e.Status == StatusCompleted {
			t.Completed++
			t.PlatformFees = t.PlatformFees.Add(e.Fees.PlatformFee)
		}
	}
	return t, nil
}

// PartyTotals aggregates the escrows partyID takes part in.
func (m *MemoryStore) PartyTotals(_ context.Context, partyID string) (*PartyTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &PartyTotals{Volume: decimal.Zero}
	for _, e := range m.escrows {
		seller, buyer := e.SellerID == partyID, e.BuyerID == partyID
		if !seller && !buyer {
			continue
		}
		t.Count++
		t.Volume = t.Volume.Add(e.Amount)
		if seller {
			t.AsSeller++
		}
		if buyer {
			t.AsBuyer++
		}
	}
	return t, nil
}

// cloneEscrow deep-copies e so callers never share slices or pointers with
// the stored record.
func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.Fees.Notes != nil {
		cp.Fees.Notes = append([]string(nil), e.Fees.Notes...)
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

var (
	_ Store            = (*MemoryStore)(nil)
	_ AnalyticsQuerier = (*MemoryStore)(nil)
)
