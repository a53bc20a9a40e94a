package directory

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory directory for demo/test use.
type MemoryStore struct {
	mu         sync.RWMutex
	businesses map[string]*Business
}

// NewMemoryStore creates an in-memory directory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{businesses: make(map[string]*Business)}
}

// Put inserts or replaces a business record (seed helper for demo mode
// and tests; the engine itself never writes to the directory).
func (s *MemoryStore) Put(b *Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.businesses[b.ID] = &cp
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.businesses[id]
	if !ok {
		return nil, ErrBusinessNotFound
	}
	cp := *b
	return &cp, nil
}
