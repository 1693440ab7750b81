package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "  seller-42 ", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.PartyID != "seller-42" {
		t.Errorf("Expected trimmed party id, got %q", key.PartyID)
	}
	if key.Name != "Test key" {
		t.Errorf("Expected name 'Test key', got %s", key.Name)
	}
}

func TestGenerateKey_RequiresParty(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	if _, _, err := mgr.GenerateKey(context.Background(), "   ", "x"); !errors.Is(err, ErrMissingParty) {
		t.Errorf("Expected ErrMissingParty, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "Buyer-7", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.PartyID != "Buyer-7" { // party ids are case-sensitive
		t.Errorf("Expected party Buyer-7, got %s", key.PartyID)
	}

	_, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	rawKey := "sk_" + strings.Repeat("ab", 32)
	_ = store.Create(ctx, &APIKey{
		ID:        "ak_expired",
		Hash:      hashKey(rawKey),
		PartyID:   "seller-1",
		ExpiresAt: &past,
	})

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "seller-1", "Key 1")
	_, _, _ = mgr.GenerateKey(ctx, "seller-1", "Key 2")
	_, _, _ = mgr.GenerateKey(ctx, "buyer-1", "Key 3")

	keys, err := mgr.ListKeys(ctx, "seller-1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for seller-1, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for buyer-1, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "seller-1", "To revoke")

	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	if err := mgr.RevokeKey(ctx, key.ID, "seller-1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}
}

func TestRevokeKey_OtherPartyCannotRevoke(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "seller-1", "Mine")

	if err := mgr.RevokeKey(ctx, key.ID, "buyer-1"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should still be valid: %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "seller-1", "Test")

	key, _ := mgr.ValidateKey(ctx, rawKey)

	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
