package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/jplaza/payguard/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	cur, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.BatchID != "" && e.BatchID != f.BatchID {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.BusinessID != "" && e.BusinessID != f.BusinessID {
			continue
		}
		if f.ActorID != "" && e.Actor.ID != f.ActorID {
			continue
		}
		if f.Event != "" && e.Event != f.Event {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].RecordedAt.Equal(matched[j].RecordedAt) {
			return matched[i].RecordedAt.Before(matched[j].RecordedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if cur != nil {
		idx := sort.Search(len(matched), func(i int) bool {
			e := matched[i]
			if !e.RecordedAt.Equal(cur.RecordedAt) {
				return e.RecordedAt.After(cur.RecordedAt)
			}
			return e.ID > cur.ID
		})
		matched = matched[idx:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}
