package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests. The
// conditional writes (one active session per batch, write-once decisions,
// warning claims) are all checked under the store mutex, mirroring the
// constraints the SQL schema enforces.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*VerificationSession
	byBatch  map[string]string                           // batchID → latest session ID
	results  map[string][]*TransactionVerificationResult // sessionID → import order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*VerificationSession),
		byBatch:  make(map[string]string),
		results:  make(map[string][]*TransactionVerificationResult),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *VerificationSession, results []*TransactionVerificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byBatch[sess.BatchID]; ok {
		if existing := s.sessions[existingID]; existing != nil && !existing.IsTerminal() {
			return ErrSessionExists
		}
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.byBatch[sess.BatchID] = sess.ID
	stored := make([]*TransactionVerificationResult, len(results))
	for i, r := range results {
		rc := *r
		stored[i] = &rc
	}
	s.results[sess.ID] = stored
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionLocked(id)
}

func (s *MemoryStore) sessionLocked(id string) (*VerificationSession, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	cp.WarningsSent = append([]int(nil), sess.WarningsSent...)
	return &cp, nil
}

func (s *MemoryStore) GetByBatch(ctx context.Context, batchID string) (*VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byBatch[batchID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.sessionLocked(id)
}

func (s *MemoryStore) UpdateSession(ctx context.Context, sess *VerificationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	cp := *sess
	// Warning claims are owned by ClaimWarning; a stale session snapshot
	// must not roll them back.
	cp.WarningsSent = existing.WarningsSent
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context, limit int) ([]*VerificationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*VerificationSession
	for id, sess := range s.sessions {
		if sess.IsTerminal() {
			continue
		}
		cp, _ := s.sessionLocked(id)
		out = append(out, cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetResult(ctx context.Context, sessionID, transactionID string) (*TransactionVerificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.resultLocked(sessionID, transactionID)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) resultLocked(sessionID, transactionID string) (*TransactionVerificationResult, error) {
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	for _, r := range s.results[sessionID] {
		if r.TransactionID == transactionID {
			return r, nil
		}
	}
	return nil, ErrResultNotFound
}

func (s *MemoryStore) ListResults(ctx context.Context, sessionID string) ([]*TransactionVerificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := s.results[sessionID]
	out := make([]*TransactionVerificationResult, len(results))
	for i, r := range results {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) ClaimDecision(ctx context.Context, r *TransactionVerificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.resultLocked(r.SessionID, r.TransactionID)
	if err != nil {
		return err
	}
	if existing.Decided() {
		return ErrAlreadyDecided
	}
	existing.Decision = r.Decision
	existing.RejectionReason = r.RejectionReason
	existing.Note = r.Note
	existing.VerifiedBy = r.VerifiedBy
	existing.VerifiedAt = r.VerifiedAt
	existing.ElapsedSeconds = r.ElapsedSeconds
	return nil
}

func (s *MemoryStore) UpdateResult(ctx context.Context, r *TransactionVerificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.resultLocked(r.SessionID, r.TransactionID)
	if err != nil {
		return err
	}
	cp := *r
	*existing = cp
	return nil
}

func (s *MemoryStore) AttachAssessment(ctx context.Context, sessionID, transactionID, assessmentID string, riskScore float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.resultLocked(sessionID, transactionID)
	if err != nil {
		return err
	}
	existing.AssessmentID = assessmentID
	score := riskScore
	existing.RiskScore = &score
	return nil
}

func (s *MemoryStore) ClaimWarning(ctx context.Context, sessionID string, threshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	for _, sent := range sess.WarningsSent {
		if sent == threshold {
			return false, nil
		}
	}
	sess.WarningsSent = append(sess.WarningsSent, threshold)
	return true, nil
}
