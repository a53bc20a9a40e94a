package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, cred, err := mgr.GenerateKey(ctx, "ver_17", RoleVerifier, "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, "vk_") {
		t.Errorf("Expected raw key to start with vk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "vk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	// Check credential metadata
	if !strings.HasPrefix(cred.ID, "crd_") {
		t.Errorf("Expected credential ID to start with crd_, got %s", cred.ID)
	}
	if cred.ActorID != "ver_17" {
		t.Errorf("Expected actor ver_17, got %s", cred.ActorID)
	}
	if cred.Role != RoleVerifier {
		t.Errorf("Expected role verifier, got %s", cred.Role)
	}
	if cred.Name != "Test key" {
		t.Errorf("Expected name 'Test key', got %s", cred.Name)
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "adm_1", RoleAdmin, "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Validate with correct key
	cred, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if cred.ActorID != "adm_1" {
		t.Errorf("Expected actor adm_1, got %s", cred.ActorID)
	}
	if cred.Role != RoleAdmin {
		t.Errorf("Expected role admin, got %s", cred.Role)
	}

	// Validate with Bearer prefix
	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	// Validate with wrong key
	_, err = mgr.ValidateKey(ctx, "vk_wrongkey12345678901234567890123456789012345678901234567890")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	// Validate with empty key
	_, err = mgr.ValidateKey(ctx, "")
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	// Validate with malformed key
	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	// Generate multiple keys for the same actor
	mgr.GenerateKey(ctx, "ver_1", RoleVerifier, "Key 1")
	mgr.GenerateKey(ctx, "ver_1", RoleVerifier, "Key 2")
	mgr.GenerateKey(ctx, "ver_2", RoleVerifier, "Key 3")

	keys, err := mgr.ListKeys(ctx, "ver_1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for ver_1, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, "ver_2")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for ver_2, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, cred, _ := mgr.GenerateKey(ctx, "ver_1", RoleVerifier, "To revoke")

	// Validate before revoke
	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	if err := mgr.RevokeKey(ctx, cred.ID, "ver_1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	// Validate after revoke - should fail
	_, err := mgr.ValidateKey(ctx, rawKey)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}

	// Revoking someone else's key fails
	_, other, _ := mgr.GenerateKey(ctx, "ver_2", RoleVerifier, "Other")
	if err := mgr.RevokeKey(ctx, other.ID, "ver_1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound revoking another actor's key, got: %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "ver_1", RoleVerifier, "Test")

	cred, _ := mgr.ValidateKey(ctx, rawKey)

	if cred.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}
	if cred.Hash == "" {
		t.Error("Hash should be set")
	}
}

func TestValidRole(t *testing.T) {
	if !ValidRole(RoleVerifier) || !ValidRole(RoleAdmin) {
		t.Error("Expected verifier and admin to be valid roles")
	}
	if ValidRole("auditor") {
		t.Error("Expected unknown role to be invalid")
	}
}
