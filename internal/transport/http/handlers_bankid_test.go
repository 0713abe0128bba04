package httptransport

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bankid-gateway/internal/bankid/client"
	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/internal/bankid/poller"
	"bankid-gateway/internal/bankid/service"
	jwttoken "bankid-gateway/internal/jwt_token"
	dErrors "bankid-gateway/pkg/domain-errors"
	"bankid-gateway/pkg/testutil"
)

const (
	testOrderRef  = "a1b2c3d4-0000-0000-0000-000000000000"
	testSessionID = "0e9090c1-0000-0000-0000-000000000001"
)

// stubService answers with canned values and records what it was asked.
type stubService struct {
	initiated   []service.InitiateRequest
	created     service.SessionCreated
	initiateErr error

	collectRes *client.CollectResponse
	collectErr error

	cancelErr error

	session   models.Session
	statusErr error

	waitResult   service.WaitResult
	waitDeadline time.Time

	challenge    string
	challengeErr error

	tokenResult service.TokenResult
	tokenErr    error

	stats poller.Stats
}

func (s *stubService) Initiate(_ context.Context, req service.InitiateRequest) (service.SessionCreated, error) {
	s.initiated = append(s.initiated, req)
	return s.created, s.initiateErr
}

func (s *stubService) Collect(context.Context, string) (*client.CollectResponse, error) {
	return s.collectRes, s.collectErr
}

func (s *stubService) Cancel(context.Context, string) error { return s.cancelErr }

func (s *stubService) Status(context.Context, string) (models.Session, error) {
	return s.session, s.statusErr
}

func (s *stubService) WaitForResolution(ctx context.Context, _ string, _ time.Duration) (service.WaitResult, error) {
	s.waitDeadline, _ = ctx.Deadline()
	return s.waitResult, nil
}

func (s *stubService) DeriveChallenge(context.Context, string) (string, error) {
	return s.challenge, s.challengeErr
}

func (s *stubService) Token(context.Context, string) (service.TokenResult, error) {
	return s.tokenResult, s.tokenErr
}

func (s *stubService) PollingStats() poller.Stats { return s.stats }

type HandlerSuite struct {
	suite.Suite
	service *stubService
	tokens  *jwttoken.Service
	router  http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.service = &stubService{
		created: service.SessionCreated{
			SessionID:      testSessionID,
			OrderRef:       testOrderRef,
			AutoStartToken: "auto-start",
			QRStartToken:   "qr-start-token",
			QRStartSecret:  "qr-start-secret",
		},
	}
	s.tokens = jwttoken.New("test-signing-key", "bankid-gateway", "bankid-gateway-clients")

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	handler := NewBankIDHandler(s.service, logger, 90*time.Second, 30*time.Second)
	s.router = NewRouter(handler, RouterConfig{Logger: logger, Tokens: s.tokens})
}

func (s *HandlerSuite) TestAuth() {
	s.Run("returns order material without the qr secret", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/auth", map[string]string{
			"personalNumber": "198001019876",
			"endUserIp":      "192.168.1.1",
			"callbackUrl":    "https://example.com/hook",
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		body := rr.Body.String()
		s.Contains(body, testOrderRef)
		s.Contains(body, "qr-start-token")
		s.NotContains(body, "qr-start-secret")

		s.Require().Len(s.service.initiated, 1)
		s.Equal(models.OperationAuth, s.service.initiated[0].Operation)
		s.Equal("https://example.com/hook", s.service.initiated[0].CallbackURL)
	})

	s.Run("fills endUserIp from the connection when absent", func() {
		s.service.initiated = nil
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/auth", map[string]string{})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		s.Require().Len(s.service.initiated, 1)
		s.NotEmpty(s.service.initiated[0].EndUserIP)
	})

	s.Run("rejects invalid json", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/auth", nil)
		req.Body = http.NoBody
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("rejects a malformed callback url", func() {
		s.service.initiated = nil
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/auth", map[string]string{
			"callbackUrl": "not a url at all",
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
		s.Empty(s.service.initiated, "validation failures must not reach the service")
	})

	s.Run("rejects a non-numeric personal number", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/auth", map[string]string{
			"personalNumber": "19800101-9876",
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})
}

func (s *HandlerSuite) TestSign() {
	s.Run("requires a 12 digit personal number", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/sign", map[string]string{
			"endUserIp": "10.0.0.1",
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
		s.Empty(s.service.initiated)
	})

	s.Run("passes the visible data through", func() {
		s.service.initiated = nil
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/sign", map[string]string{
			"personalNumber":  "198001019876",
			"endUserIp":       "10.0.0.1",
			"userVisibleData": "Signera avtalet",
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		s.Require().Len(s.service.initiated, 1)
		s.Equal(models.OperationSign, s.service.initiated[0].Operation)
		s.Equal("Signera avtalet", s.service.initiated[0].UserVisibleData)
	})
}

func (s *HandlerSuite) TestCollect() {
	s.Run("returns the provider status", func() {
		s.service.collectRes = &client.CollectResponse{
			OrderRef: testOrderRef,
			Status:   client.StatusPending,
			HintCode: "outstandingTransaction",
		}
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/collect", map[string]string{
			"orderRef": testOrderRef,
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		res := testutil.UnmarshalResponse[client.CollectResponse](s.T(), rr)
		s.Equal(client.StatusPending, res.Status)
	})

	s.Run("rejects a malformed orderRef", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/collect", map[string]string{
			"orderRef": "not-a-uuid",
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
		errBody := testutil.UnmarshalErrorResponse(s.T(), rr)
		s.Equal("invalid_input", errBody["error"])
	})

	s.Run("maps provider rejections", func() {
		s.service.collectRes = nil
		s.service.collectErr = &client.APIError{
			ErrorCode: "internalError", Details: "Internal technical error", HTTPStatus: 500,
		}
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/collect", map[string]string{
			"orderRef": testOrderRef,
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusBadGateway)
	})
}

func (s *HandlerSuite) TestCancel() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/cancel", map[string]string{
		"orderRef": testOrderRef,
	})
	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	body := testutil.UnmarshalErrorResponse(s.T(), rr)
	s.Equal("cancelled", body["status"])
}

func (s *HandlerSuite) TestWait() {
	s.Run("returns the wait outcome", func() {
		s.service.waitResult = service.WaitResult{
			Outcome:  service.WaitTimeout,
			OrderRef: testOrderRef,
			HintCode: "expiredTransaction",
		}
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/wait", map[string]any{
			"orderRef":       testOrderRef,
			"maxWaitSeconds": 30,
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		res := testutil.UnmarshalResponse[service.WaitResult](s.T(), rr)
		s.Equal(service.WaitTimeout, res.Outcome)
		s.Equal("expiredTransaction", res.HintCode)
	})

	s.Run("request deadline outlives the full wait window", func() {
		s.service.waitResult = service.WaitResult{Outcome: service.WaitComplete, OrderRef: testOrderRef}
		start := time.Now()
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/wait", map[string]any{
			"orderRef":       testOrderRef,
			"maxWaitSeconds": 90,
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		s.Require().False(s.service.waitDeadline.IsZero())
		s.Greater(s.service.waitDeadline.Sub(start), 90*time.Second,
			"wait context must not be capped by the short API timeout")
	})
}

func (s *HandlerSuite) TestQR() {
	s.Run("returns the derived challenge", func() {
		s.service.challenge = "qr-start-token3abc"
		rr := testutil.DoRequest(s.router,
			testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/bankid/qr/"+testOrderRef, nil))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		body := testutil.UnmarshalResponse[struct {
			OrderRef     string `json:"orderRef"`
			QRData       string `json:"qrData"`
			NextUpdateIn int    `json:"nextUpdateIn"`
		}](s.T(), rr)
		s.Equal("qr-start-token3abc", body.QRData)
		s.Equal(30, body.NextUpdateIn)
	})

	s.Run("maps terminal orders to conflict", func() {
		s.service.challengeErr = dErrors.New(dErrors.CodeConflict, "order is no longer pending")
		rr := testutil.DoRequest(s.router,
			testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/bankid/qr/"+testOrderRef, nil))
		testutil.AssertStatus(s.T(), rr, http.StatusConflict)
	})
}

func (s *HandlerSuite) TestStatus() {
	s.Run("returns the session", func() {
		s.service.session = models.Session{
			SessionID: testSessionID,
			Status:    models.StatusPending,
			OrderRef:  testOrderRef,
		}
		rr := testutil.DoRequest(s.router,
			testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/bankid/status/"+testSessionID, nil))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		res := testutil.UnmarshalResponse[models.Session](s.T(), rr)
		s.Equal(models.StatusPending, res.Status)
	})

	s.Run("rejects a non-uuid session id", func() {
		rr := testutil.DoRequest(s.router,
			testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/bankid/status/nope", nil))
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("maps unknown sessions to 404", func() {
		s.service.statusErr = dErrors.New(dErrors.CodeNotFound, "session not found")
		rr := testutil.DoRequest(s.router,
			testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/bankid/status/"+testSessionID, nil))
		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
	})
}

func (s *HandlerSuite) TestToken() {
	s.Run("refuses incomplete sessions", func() {
		s.service.tokenErr = dErrors.New(dErrors.CodeConflict, "authentication is not complete")
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/token", map[string]string{
			"sessionId": testSessionID,
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusConflict)
	})

	s.Run("returns the bearer token", func() {
		s.service.tokenErr = nil
		s.service.tokenResult = service.TokenResult{AccessToken: "abc", TokenType: "Bearer", ExpiresIn: 3600}
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/bankid/token", map[string]string{
			"sessionId": testSessionID,
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		res := testutil.UnmarshalResponse[service.TokenResult](s.T(), rr)
		s.Equal("Bearer", res.TokenType)
	})
}

func (s *HandlerSuite) TestPollingStats() {
	s.service.stats = poller.Stats{ActivePollers: 2, OrderRefs: []string{testOrderRef}}
	rr := testutil.DoRequest(s.router,
		testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/bankid/polling", nil))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	res := testutil.UnmarshalResponse[poller.Stats](s.T(), rr)
	s.Equal(2, res.ActivePollers)
}

func (s *HandlerSuite) TestHealthz() {
	rr := testutil.DoRequest(s.router,
		testutil.NewJSONRequest(s.T(), http.MethodGet, "/healthz", nil))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
}

func (s *HandlerSuite) TestUserInfo() {
	s.Run("rejects requests without a token", func() {
		rr := testutil.DoRequest(s.router,
			testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/userinfo", nil))
		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
	})

	s.Run("rejects a token signed with another key", func() {
		other := jwttoken.New("other-key", "bankid-gateway", "bankid-gateway-clients")
		token, err := other.Generate("198001019876", testSessionID, testOrderRef, time.Hour)
		require.NoError(s.T(), err)

		req := testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/userinfo", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
	})

	s.Run("returns the token identity", func() {
		token, err := s.tokens.Generate("198001019876", testSessionID, testOrderRef, time.Hour)
		require.NoError(s.T(), err)

		req := testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/userinfo", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		body := testutil.UnmarshalErrorResponse(s.T(), rr)
		assert.Equal(s.T(), "198001019876", body["personalNumber"])
		assert.Equal(s.T(), testSessionID, body["sessionId"])
	})
}
