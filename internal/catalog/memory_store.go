package catalog

import (
	"context"
	"sync"
)

// MemoryStore keeps learned confidences in memory for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	confidences map[string]float64
}

// NewMemoryStore creates an in-memory confidence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{confidences: make(map[string]float64)}
}

func (s *MemoryStore) LoadConfidences(_ context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.confidences))
	for k, v := range s.confidences {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SaveConfidence(_ context.Context, indicatorID string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confidences[indicatorID] = confidence
	return nil
}
