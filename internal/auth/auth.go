// Package auth provides API authentication for holdfast.
//
// Authentication model:
// - Public endpoints (escrow lookups, analytics): No auth required
// - Escrow and dispute mutations: Require an API key bound to a party
// - Arbitration and key issuance: Require the admin secret
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrMissingParty  = errors.New("party id is required")
)

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`       // SHA256 hash of key (stored)
	PartyID   string     `json:"partyId"` // The buyer, seller or arbitrator this key acts as
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByParty(ctx context.Context, partyID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new API key for a party.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, partyID, name string) (rawKey string, key *APIKey, err error) {
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return "", nil, ErrMissingParty
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		PartyID:   partyID,
		Name:      name,
		CreatedAt: m.now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	now := m.now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used on a copy (fire and forget)
	touched := *key
	touched.LastUsed = now
	go func() {
		_ = m.store.Update(context.Background(), &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for a party
func (m *Manager) ListKeys(ctx context.Context, partyID string) ([]*APIKey, error) {
	return m.store.GetByParty(ctx, partyID)
}

// RevokeKey revokes an API key owned by partyID
func (m *Manager) RevokeKey(ctx context.Context, keyID, partyID string) error {
	keys, err := m.store.GetByParty(ctx, partyID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByParty(ctx context.Context, partyID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.PartyID == partyID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = key.Revoked
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
