package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

// Update writes everything except votes, which only AddVote may change.
func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	cp := d.clone()
	cp.Votes = existing.Votes
	m.disputes[d.ID] = cp
	return nil
}

func (m *MemoryStore) AddVote(_ context.Context, disputeID string, vote *Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[disputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if _, dup := d.Votes[vote.ArbitratorID]; dup {
		return ErrDuplicateVote
	}
	v := *vote
	d.Votes[vote.ArbitratorID] = &v
	return nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Dispute, error) {
	return m.list(0, func(d *Dispute) bool { return d.EscrowID == escrowID }), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	return m.list(limit, func(d *Dispute) bool { return d.Status == status }), nil
}

// list returns matching disputes oldest first.
func (m *MemoryStore) list(limit int, match func(*Dispute) bool) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if match(d) {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// MemoryPool is an in-memory arbitrator registry.
type MemoryPool struct {
	arbitrators map[string]*Arbitrator
	mu          sync.RWMutex
}

// NewMemoryPool creates an empty arbitrator registry.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{arbitrators: make(map[string]*Arbitrator)}
}

func (p *MemoryPool) Register(_ context.Context, a *Arbitrator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.arbitrators[a.ID]; exists {
		return ErrArbitratorExists
	}
	cp := *a
	p.arbitrators[a.ID] = &cp
	return nil
}

func (p *MemoryPool) Get(_ context.Context, id string) (*Arbitrator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.arbitrators[id]
	if !ok {
		return nil, ErrArbitratorNotFound
	}
	cp := *a
	return &cp, nil
}

func (p *MemoryPool) SetActive(_ context.Context, id string, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.arbitrators[id]
	if !ok {
		return ErrArbitratorNotFound
	}
	a.Active = active
	return nil
}

func (p *MemoryPool) ListActive(_ context.Context) ([]*Arbitrator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var result []*Arbitrator
	for _, a := range p.arbitrators {
		if a.Active {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (p *MemoryPool) IncrementAssigned(_ context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if a, ok := p.arbitrators[id]; ok {
			a.AssignedCount++
		}
	}
	return nil
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ ArbitratorPool = (*MemoryPool)(nil)
)
