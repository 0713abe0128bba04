package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/pkg/platform/sentinel"
)

// InMemorySessionStore keeps sessions in process memory. Records are stored
// by value and mutated under a single lock, so concurrent pollers never
// observe a partially written record.
type InMemorySessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]models.Session
	byOrderRef map[string]string
	now        func() time.Time
}

// MemoryOption configures an InMemorySessionStore.
type MemoryOption func(*InMemorySessionStore)

// WithClock sets the time source, for tests that assert CompletedAt.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemorySessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemorySessionStore constructs an empty store.
func NewInMemorySessionStore(opts ...MemoryOption) *InMemorySessionStore {
	s := &InMemorySessionStore{
		sessions:   make(map[string]models.Session),
		byOrderRef: make(map[string]string),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemorySessionStore) Create(_ context.Context, seed models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := seed
	session.SessionID = uuid.NewString()
	session.CreatedAt = s.now()
	if session.Status == "" {
		session.Status = models.StatusInitiated
	}

	if session.OrderRef != "" {
		if _, exists := s.byOrderRef[session.OrderRef]; exists {
			return models.Session{}, fmt.Errorf("orderRef %s already mapped: %w", session.OrderRef, sentinel.ErrConflict)
		}
		s.byOrderRef[session.OrderRef] = session.SessionID
	}
	s.sessions[session.SessionID] = session
	return session, nil
}

func (s *InMemorySessionStore) FindBySessionID(_ context.Context, sessionID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[sessionID]; ok {
		return session, nil
	}
	return models.Session{}, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
}

func (s *InMemorySessionStore) FindByOrderRef(_ context.Context, orderRef string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sessionID, ok := s.byOrderRef[orderRef]; ok {
		return s.sessions[sessionID], nil
	}
	return models.Session{}, fmt.Errorf("orderRef %s: %w", orderRef, sentinel.ErrNotFound)
}

func (s *InMemorySessionStore) UpdateStatusBySessionID(_ context.Context, sessionID string, status models.Status, hintCode string) (models.Session, error) {
	return s.mutate(sessionID, func(session *models.Session) {
		applyStatus(session, status, hintCode, s.now)
	})
}

func (s *InMemorySessionStore) UpdateStatusByOrderRef(_ context.Context, orderRef string, status models.Status, hintCode string) (models.Session, error) {
	s.mu.RLock()
	sessionID, ok := s.byOrderRef[orderRef]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, fmt.Errorf("orderRef %s: %w", orderRef, sentinel.ErrNotFound)
	}
	return s.mutate(sessionID, func(session *models.Session) {
		applyStatus(session, status, hintCode, s.now)
	})
}

func (s *InMemorySessionStore) CompleteByOrderRef(_ context.Context, orderRef string, data *models.CompletionData) (models.Session, error) {
	s.mu.RLock()
	sessionID, ok := s.byOrderRef[orderRef]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, fmt.Errorf("orderRef %s: %w", orderRef, sentinel.ErrNotFound)
	}
	return s.mutate(sessionID, func(session *models.Session) {
		applyComplete(session, data, s.now)
	})
}

// mutate runs fn against the stored record under the write lock and returns
// the updated copy.
func (s *InMemorySessionStore) mutate(sessionID string, fn func(*models.Session)) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	fn(&session)
	s.sessions[sessionID] = session
	return session, nil
}

// applyStatus writes an observed status. Once a record is terminal, further
// updates are no-ops: racing drivers converge on the first terminal answer.
func applyStatus(session *models.Session, status models.Status, hintCode string, now func() time.Time) {
	if session.Status.Terminal() {
		return
	}
	session.Status = status
	session.HintCode = hintCode
	if status.Terminal() && session.CompletedAt == nil {
		t := now()
		session.CompletedAt = &t
	}
}

// applyComplete upgrades a record to complete. Already-complete records are
// untouched, so CompletedAt and the stored completion data keep their first
// values.
func applyComplete(session *models.Session, data *models.CompletionData, now func() time.Time) {
	if session.Status == models.StatusComplete {
		return
	}
	session.Status = models.StatusComplete
	session.HintCode = ""
	session.CompletionData = data
	if session.CompletedAt == nil {
		t := now()
		session.CompletedAt = &t
	}
}
