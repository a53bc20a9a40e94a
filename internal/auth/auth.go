// Package auth provides API authentication for the verification engine.
//
// Authentication model:
// - Read endpoints (batch views, audit queries): no auth required
// - Verifier actions (decisions, pause/resume, presence): verifier key
// - Admin actions (import, release, cancel, override): admin key or the
//   configured admin secret header
// - Keys are issued when an operator registers a verifier or admin
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
	ErrKeyNotFound   = errors.New("API key not found")
)

// Role determines which route groups a credential can reach.
type Role string

const (
	RoleVerifier Role = "verifier"
	RoleAdmin    Role = "admin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return r == RoleVerifier || r == RoleAdmin
}

// Credential is one issued API key. The raw key is never stored; only
// its SHA256 hash.
type Credential struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	ActorID   string     `json:"actorId"` // verifier or admin this key belongs to
	Role      Role       `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists credentials
type Store interface {
	Create(ctx context.Context, cred *Credential) error
	GetByHash(ctx context.Context, hash string) (*Credential, error)
	GetByActor(ctx context.Context, actorID string) ([]*Credential, error)
	Update(ctx context.Context, cred *Credential) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for an actor.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, actorID string, role Role, name string) (rawKey string, cred *Credential, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "vk_" + hex.EncodeToString(b)

	cred = &Credential{
		ID:        "crd_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		ActorID:   actorID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, cred); err != nil {
		return "", nil, err
	}

	return rawKey, cred, nil
}

// ValidateKey validates an API key and returns the credential metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*Credential, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "vk_") {
		return nil, ErrInvalidAPIKey
	}

	cred, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if cred.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		cred.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), cred)
	}()

	return cred, nil
}

// ListKeys returns all credentials for an actor
func (m *Manager) ListKeys(ctx context.Context, actorID string) ([]*Credential, error) {
	return m.store.GetByActor(ctx, actorID)
}

// RevokeKey revokes a credential owned by the given actor
func (m *Manager) RevokeKey(ctx context.Context, keyID, actorID string) error {
	creds, err := m.store.GetByActor(ctx, actorID)
	if err != nil {
		return err
	}

	for _, cred := range creds {
		if cred.ID == keyID {
			cred.Revoked = true
			return m.store.Update(ctx, cred)
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
	mu    sync.RWMutex
	creds map[string]*Credential // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
	}
}

func (s *MemoryStore) Create(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cred := range s.creds {
		if cred.Hash == hash {
			return cred, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByActor(ctx context.Context, actorID string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Credential
	for _, cred := range s.creds {
		if cred.ActorID == actorID {
			result = append(result, cred)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}
