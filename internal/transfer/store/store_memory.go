package store

import (
	"context"
	"sync"
	"time"

	"crosslock/internal/transfer/models"
	id "crosslock/pkg/domain"
	"crosslock/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in process memory. It is the default backend
// and the reference for the store contract: a per-session mutex serializes
// conflicting operations without globally serializing unrelated sessions.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*entry
}

type entry struct {
	mu      sync.Mutex
	session *models.Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[id.SessionID]*entry)}
}

func (s *InMemoryStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := session.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.sessions[session.ID] = &entry{session: cp}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

func (s *InMemoryStore) AppendEvidence(_ context.Context, sessionID id.SessionID, ev models.Evidence) error {
	return s.mutate(sessionID, func(sess *models.Session) error {
		return applyAppendEvidence(sess, ev)
	})
}

func (s *InMemoryStore) Transition(_ context.Context, sessionID id.SessionID, next models.Phase) error {
	return s.mutate(sessionID, func(sess *models.Session) error {
		return applyTransition(sess, next)
	})
}

func (s *InMemoryStore) AdvanceNonce(_ context.Context, sessionID id.SessionID, nonce uint64) error {
	return s.mutate(sessionID, func(sess *models.Session) error {
		return applyAdvanceNonce(sess, nonce)
	})
}

func (s *InMemoryStore) SetLockReceipt(_ context.Context, sessionID id.SessionID, receipt models.LockReceipt) error {
	return s.mutate(sessionID, func(sess *models.Session) error {
		if sess.Finalized() {
			return sentinel.ErrAlreadyFinalized
		}
		sess.LockReceipt = &receipt
		sess.UpdatedAt = time.Now()
		return nil
	})
}

func (s *InMemoryStore) SetCommitReceipt(_ context.Context, sessionID id.SessionID, receipt models.CommitReceipt) error {
	return s.mutate(sessionID, func(sess *models.Session) error {
		if sess.Finalized() {
			return sentinel.ErrAlreadyFinalized
		}
		sess.CommitReceipt = &receipt
		sess.UpdatedAt = time.Now()
		return nil
	})
}

func (s *InMemoryStore) Finalize(_ context.Context, sessionID id.SessionID, outcome models.Outcome, reason string) error {
	return s.mutate(sessionID, func(sess *models.Session) error {
		return applyFinalize(sess, outcome, reason)
	})
}

func (s *InMemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var expired []*models.Session
	for _, e := range entries {
		e.mu.Lock()
		if !e.session.Finalized() && e.session.Expired(now) {
			expired = append(expired, e.session.Clone())
		}
		e.mu.Unlock()
		if limit > 0 && len(expired) >= limit {
			break
		}
	}
	return expired, nil
}

func (s *InMemoryStore) lookup(sessionID id.SessionID) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e, nil
}

func (s *InMemoryStore) mutate(sessionID id.SessionID, fn func(*models.Session) error) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}
