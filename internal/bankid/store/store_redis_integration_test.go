//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/pkg/platform/sentinel"
	"bankid-gateway/pkg/testutil/containers"
)

type RedisSessionStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *RedisSessionStore
	ctx   context.Context
}

func TestRedisSessionStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisSessionStoreSuite))
}

func (s *RedisSessionStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.ctx = context.Background()
}

func (s *RedisSessionStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
	s.store = NewRedisSessionStore(s.redis.Client)
}

func (s *RedisSessionStoreSuite) seed() models.Session {
	session, err := s.store.Create(s.ctx, models.Session{
		PersonalNumber: "198001019876",
		Operation:      models.OperationAuth,
		Status:         models.StatusPending,
		OrderRef:       testOrderRef,
		QRStartSecret:  "qr-secret",
	})
	s.Require().NoError(err)
	return session
}

func (s *RedisSessionStoreSuite) TestCreateAndLookups() {
	session := s.seed()
	s.NotEmpty(session.SessionID)

	byID, err := s.store.FindBySessionID(s.ctx, session.SessionID)
	s.Require().NoError(err)
	s.Equal(testOrderRef, byID.OrderRef)

	byRef, err := s.store.FindByOrderRef(s.ctx, testOrderRef)
	s.Require().NoError(err)
	s.Equal(session.SessionID, byRef.SessionID)

	_, err = s.store.FindByOrderRef(s.ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisSessionStoreSuite) TestQRSecretSurvivesRoundTrip() {
	session := s.seed()

	found, err := s.store.FindBySessionID(s.ctx, session.SessionID)
	s.Require().NoError(err)
	s.Equal("qr-secret", found.QRStartSecret)
}

func (s *RedisSessionStoreSuite) TestDuplicateOrderRef() {
	s.seed()
	_, err := s.store.Create(s.ctx, models.Session{OrderRef: testOrderRef})
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *RedisSessionStoreSuite) TestUpdateStatusIsSticky() {
	s.seed()

	updated, err := s.store.UpdateStatusByOrderRef(s.ctx, testOrderRef, models.StatusFailed, "expiredTransaction")
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, updated.Status)
	s.Require().NotNil(updated.CompletedAt)

	again, err := s.store.UpdateStatusByOrderRef(s.ctx, testOrderRef, models.StatusPending, "started")
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, again.Status)
	s.Equal("expiredTransaction", again.HintCode)
}

func (s *RedisSessionStoreSuite) TestCompleteIsIdempotent() {
	s.seed()
	data := &models.CompletionData{User: models.CompletionUser{PersonalNumber: "198001019876"}}

	first, err := s.store.CompleteByOrderRef(s.ctx, testOrderRef, data)
	s.Require().NoError(err)
	s.Equal(models.StatusComplete, first.Status)
	s.Require().NotNil(first.CompletedAt)

	other := &models.CompletionData{User: models.CompletionUser{PersonalNumber: "other"}}
	second, err := s.store.CompleteByOrderRef(s.ctx, testOrderRef, other)
	s.Require().NoError(err)
	s.Equal(first.CompletedAt.Unix(), second.CompletedAt.Unix())
	s.Equal("198001019876", second.CompletionData.User.PersonalNumber)
}
