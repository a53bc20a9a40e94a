package batch

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*PaymentBatch
	txns    map[string][]*Transaction // batchID → import order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*PaymentBatch),
		txns:    make(map[string][]*Transaction),
	}
}

func (s *MemoryStore) Create(ctx context.Context, b *PaymentBatch, txns []*Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.batches {
		if existing.BusinessID == b.BusinessID &&
			existing.Week == b.Week &&
			existing.Year == b.Year &&
			existing.Status != StatusCancelled {
			return ErrDuplicateBatch
		}
	}
	cp := *b
	s.batches[b.ID] = &cp
	stored := make([]*Transaction, len(txns))
	for i, t := range txns {
		tc := *t
		stored[i] = &tc
	}
	s.txns[b.ID] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*PaymentBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, b *PaymentBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; !ok {
		return ErrBatchNotFound
	}
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByBusiness(ctx context.Context, businessID string, limit int) ([]*PaymentBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PaymentBatch
	for _, b := range s.batches {
		if b.BusinessID == businessID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txns := s.txns[batchID]
	out := make([]*Transaction, len(txns))
	for i, t := range txns {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}
