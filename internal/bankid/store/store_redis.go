package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix  = "bankid:session:"
	orderRefKeyPrefix = "bankid:orderref:"

	// Sessions age out after a day. The core has no reaper; the TTL keeps
	// abandoned sessions from accumulating where the backend supports it.
	sessionTTL = 24 * time.Hour
)

// RedisSessionStore persists sessions in Redis as JSON records with an
// orderRef index key. Suitable when sessions should survive a restart.
//
// Read-modify-write cycles are serialized by a process-local mutex: the
// gateway is the single writer for its orders, the lock only orders its own
// concurrent pollers.
type RedisSessionStore struct {
	mu     sync.Mutex
	client *redis.Client
	now    func() time.Time
}

// RedisOption configures a RedisSessionStore.
type RedisOption func(*RedisSessionStore)

// WithRedisClock sets the time source, for tests that assert CompletedAt.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisSessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisSessionStore constructs a Redis-backed session store. The client
// lifecycle is managed externally.
func NewRedisSessionStore(client *redis.Client, opts ...RedisOption) *RedisSessionStore {
	s := &RedisSessionStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSessionStore) Create(ctx context.Context, seed models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := seed
	session.SessionID = uuid.NewString()
	session.CreatedAt = s.now()
	if session.Status == "" {
		session.Status = models.StatusInitiated
	}

	if session.OrderRef != "" {
		_, err := s.client.Get(ctx, orderRefKeyPrefix+session.OrderRef).Result()
		if err == nil {
			return models.Session{}, fmt.Errorf("orderRef %s already mapped: %w", session.OrderRef, sentinel.ErrConflict)
		}
		if !errors.Is(err, redis.Nil) {
			return models.Session{}, fmt.Errorf("redis check orderRef index: %w", err)
		}
	}

	if err := s.write(ctx, session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *RedisSessionStore) FindBySessionID(ctx context.Context, sessionID string) (models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("redis get session: %w", err)
	}
	return decodeSession(raw)
}

func (s *RedisSessionStore) FindByOrderRef(ctx context.Context, orderRef string) (models.Session, error) {
	sessionID, err := s.client.Get(ctx, orderRefKeyPrefix+orderRef).Result()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, fmt.Errorf("orderRef %s: %w", orderRef, sentinel.ErrNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("redis get orderRef index: %w", err)
	}
	return s.FindBySessionID(ctx, sessionID)
}

func (s *RedisSessionStore) UpdateStatusBySessionID(ctx context.Context, sessionID string, status models.Status, hintCode string) (models.Session, error) {
	return s.mutateBySessionID(ctx, sessionID, func(session *models.Session) {
		applyStatus(session, status, hintCode, s.now)
	})
}

func (s *RedisSessionStore) UpdateStatusByOrderRef(ctx context.Context, orderRef string, status models.Status, hintCode string) (models.Session, error) {
	return s.mutateByOrderRef(ctx, orderRef, func(session *models.Session) {
		applyStatus(session, status, hintCode, s.now)
	})
}

func (s *RedisSessionStore) CompleteByOrderRef(ctx context.Context, orderRef string, data *models.CompletionData) (models.Session, error) {
	return s.mutateByOrderRef(ctx, orderRef, func(session *models.Session) {
		applyComplete(session, data, s.now)
	})
}

func (s *RedisSessionStore) mutateByOrderRef(ctx context.Context, orderRef string, fn func(*models.Session)) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.FindByOrderRef(ctx, orderRef)
	if err != nil {
		return models.Session{}, err
	}
	fn(&session)
	if err := s.write(ctx, session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *RedisSessionStore) mutateBySessionID(ctx context.Context, sessionID string, fn func(*models.Session)) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.FindBySessionID(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	fn(&session)
	if err := s.write(ctx, session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

// write stores the record and its orderRef index atomically in one pipeline.
func (s *RedisSessionStore) write(ctx context.Context, session models.Session) error {
	raw, err := json.Marshal(redisRecord{Session: session, QRStartSecret: session.QRStartSecret})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.SessionID, raw, sessionTTL)
	if session.OrderRef != "" {
		pipe.Set(ctx, orderRefKeyPrefix+session.OrderRef, session.SessionID, sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write session: %w", err)
	}
	return nil
}

// redisRecord re-adds the qrStartSecret dropped by Session's json:"-" tag.
// The record never crosses the server boundary; Redis is inside it.
type redisRecord struct {
	models.Session
	QRStartSecret string `json:"qrStartSecret,omitempty"`
}

func decodeSession(raw string) (models.Session, error) {
	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.Session{}, fmt.Errorf("decode session: %w", err)
	}
	session := rec.Session
	session.QRStartSecret = rec.QRStartSecret
	return session, nil
}
