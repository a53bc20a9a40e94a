package fraud

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests. The latest
// assessment per transaction wins; batch re-scoring overwrites.
type MemoryStore struct {
	mu    sync.RWMutex
	byTxn map[string]*Assessment
	byBat map[string][]string // batchID → transaction IDs in record order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTxn: make(map[string]*Assessment),
		byBat: make(map[string][]string),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.byTxn[a.TransactionID]
	cp := *a
	s.byTxn[a.TransactionID] = &cp
	if !seen && a.BatchID != "" {
		s.byBat[a.BatchID] = append(s.byBat[a.BatchID], a.TransactionID)
	}
	return nil
}

func (s *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byTxn[transactionID]
	if !ok {
		return nil, ErrAssessmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListByBatch(ctx context.Context, batchID string) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Assessment
	for _, txnID := range s.byBat[batchID] {
		if a, ok := s.byTxn[txnID]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
