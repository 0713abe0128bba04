// Package service orchestrates the BankID order lifecycle: order creation,
// manual and background collection, cancellation, QR challenge derivation and
// the bounded synchronous wait.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"bankid-gateway/internal/bankid/client"
	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/internal/bankid/poller"
	"bankid-gateway/internal/bankid/qr"
	"bankid-gateway/internal/bankid/store"
	"bankid-gateway/internal/bankid/webhook"
	jwttoken "bankid-gateway/internal/jwt_token"
	"bankid-gateway/internal/platform/metrics"
	dErrors "bankid-gateway/pkg/domain-errors"
	"bankid-gateway/pkg/platform/sentinel"
)

// Client is the remote verification provider as the service sees it.
type Client interface {
	Auth(ctx context.Context, req client.AuthRequest) (*client.OrderResponse, error)
	Sign(ctx context.Context, req client.SignRequest) (*client.OrderResponse, error)
	Collect(ctx context.Context, orderRef string) (*client.CollectResponse, error)
	Cancel(ctx context.Context, orderRef string) error
}

// BackgroundPoller owns fire-and-forget order resolution.
type BackgroundPoller interface {
	StartPolling(orderRef string, maxWait, interval time.Duration, onResolution poller.ResolutionFunc)
	StopPolling(orderRef string) bool
	IsPolling(orderRef string) bool
	Stats() poller.Stats
}

// WebhookSender delivers payloads to callback URLs.
type WebhookSender interface {
	Deliver(ctx context.Context, url string, payload webhook.Payload) bool
}

// Config carries the polling cadence and token lifetime.
type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	TokenTTL     time.Duration
}

// Service wires the order store, remote client, background poller and
// webhook sender into the gateway's operations.
type Service struct {
	client   Client
	sessions store.SessionStore
	poller   BackgroundPoller
	webhooks WebhookSender
	tokens   *jwttoken.Service
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With("component", "bankid")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock sets the time source used for QR elapsed-seconds derivation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the service.
func New(c Client, sessions store.SessionStore, bg BackgroundPoller, hooks WebhookSender, tokens *jwttoken.Service, cfg Config, opts ...Option) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 90 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	s := &Service{
		client:   c,
		sessions: sessions,
		poller:   bg,
		webhooks: hooks,
		tokens:   tokens,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateRequest starts a new order. UserVisibleData is plain text; the
// service base64-encodes it for the RP API.
type InitiateRequest struct {
	Operation       models.Operation
	PersonalNumber  string
	EndUserIP       string
	UserVisibleData string
	CallbackURL     string
}

// SessionCreated is the in-process result of an initiated order. The
// QRStartSecret stays server-side: it feeds DeriveChallenge and is excluded
// from any serialized response.
type SessionCreated struct {
	SessionID      string `json:"sessionId"`
	OrderRef       string `json:"orderRef"`
	AutoStartToken string `json:"autoStartToken"`
	QRStartToken   string `json:"qrStartToken"`
	QRStartSecret  string `json:"-"`
}

// Initiate creates a remote order, records the session and, when a callback
// URL is registered, hands the order to the background poller.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (SessionCreated, error) {
	if req.Operation == "" {
		req.Operation = models.OperationAuth
	}

	var (
		order *client.OrderResponse
		err   error
	)
	switch req.Operation {
	case models.OperationSign:
		if req.PersonalNumber == "" {
			return SessionCreated{}, dErrors.New(dErrors.CodeInvalidInput, "personalNumber is required for sign")
		}
		visible := req.UserVisibleData
		if visible == "" {
			visible = "Signering med BankID"
		}
		order, err = s.client.Sign(ctx, client.SignRequest{
			PersonalNumber:  req.PersonalNumber,
			EndUserIP:       req.EndUserIP,
			UserVisibleData: base64.StdEncoding.EncodeToString([]byte(visible)),
			Requirement:     &client.Requirement{AllowFingerprint: true},
		})
	case models.OperationAuth:
		order, err = s.client.Auth(ctx, client.AuthRequest{
			PersonalNumber: req.PersonalNumber,
			EndUserIP:      req.EndUserIP,
			Requirement:    &client.Requirement{AllowFingerprint: true},
		})
	default:
		return SessionCreated{}, dErrors.New(dErrors.CodeInvalidInput, "unknown operation")
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "order initiation rejected",
			"operation", string(req.Operation), "error", err)
		return SessionCreated{}, err
	}

	session, err := s.sessions.Create(ctx, models.Session{
		PersonalNumber: req.PersonalNumber,
		Operation:      req.Operation,
		Status:         models.StatusPending,
		OrderRef:       order.OrderRef,
		AutoStartToken: order.AutoStartToken,
		QRStartToken:   order.QRStartToken,
		QRStartSecret:  order.QRStartSecret,
		CallbackURL:    req.CallbackURL,
	})
	if err != nil {
		return SessionCreated{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store session")
	}

	s.metrics.IncOrdersInitiated(string(req.Operation))
	s.logger.InfoContext(ctx, "order initiated",
		"operation", string(req.Operation),
		"session_id", session.SessionID,
		"order_ref", order.OrderRef,
		"auto_poll", req.CallbackURL != "")

	if req.CallbackURL != "" {
		s.poller.StartPolling(order.OrderRef, s.cfg.MaxWait, s.cfg.PollInterval, s.webhooks.Deliver)
	}

	return SessionCreated{
		SessionID:      session.SessionID,
		OrderRef:       order.OrderRef,
		AutoStartToken: order.AutoStartToken,
		QRStartToken:   order.QRStartToken,
		QRStartSecret:  order.QRStartSecret,
	}, nil
}

// Collect performs one manual poll of the order and persists the observed
// status. Remote rejections propagate as *client.APIError.
func (s *Service) Collect(ctx context.Context, orderRef string) (*client.CollectResponse, error) {
	if _, err := s.lookup(ctx, orderRef); err != nil {
		return nil, err
	}

	s.metrics.IncCollectPolls()
	res, err := s.client.Collect(ctx, orderRef)
	if err != nil {
		// A "no such order" may just mean a racing poller consumed the
		// terminal answer; the local record is authoritative then.
		if client.OrderUnknown(err) {
			if local, lerr := s.sessions.FindByOrderRef(ctx, orderRef); lerr == nil && local.Status == models.StatusComplete {
				return &client.CollectResponse{
					OrderRef:       orderRef,
					Status:         client.StatusComplete,
					CompletionData: local.CompletionData,
				}, nil
			}
		}
		return nil, err
	}

	switch res.Status {
	case client.StatusComplete:
		_, err = s.sessions.CompleteByOrderRef(ctx, orderRef, res.CompletionData)
	default:
		_, err = s.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.Status(res.Status), res.HintCode)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "persisting collect result failed",
			"order_ref", orderRef, "error", err)
	}
	return res, nil
}

// Cancel aborts an order: stops any background loop, cancels remotely
// best-effort, marks the session cancelled and notifies the callback URL.
func (s *Service) Cancel(ctx context.Context, orderRef string) error {
	session, err := s.lookup(ctx, orderRef)
	if err != nil {
		return err
	}

	s.poller.StopPolling(orderRef)

	if err := s.client.Cancel(ctx, orderRef); err != nil {
		// Already-terminal orders reject the cancel; that is fine.
		s.logger.WarnContext(ctx, "remote cancel failed", "order_ref", orderRef, "error", err)
	}

	if _, err := s.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusCancelled, "userCancel"); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to mark session cancelled")
	}
	s.metrics.IncOrdersResolved("cancelled")
	s.logger.InfoContext(ctx, "order cancelled", "order_ref", orderRef)

	if session.CallbackURL != "" {
		ok := s.webhooks.Deliver(ctx, session.CallbackURL, webhook.NewPayload("cancelled", orderRef))
		s.metrics.IncWebhookDelivery(ok)
	}
	return nil
}

// Status returns the session as UI-facing callers see it, looked up by the
// locally generated session ID.
func (s *Service) Status(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := s.sessions.FindBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Session{}, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return models.Session{}, err
	}
	return session, nil
}

// DeriveChallenge computes the current QR auth code for a pending order.
// Challenges go stale within the provider's refresh window, so the display
// layer calls this every interval.
func (s *Service) DeriveChallenge(ctx context.Context, orderRef string) (string, error) {
	session, err := s.lookup(ctx, orderRef)
	if err != nil {
		return "", err
	}
	if session.Status.Terminal() {
		return "", dErrors.New(dErrors.CodeConflict, "order is no longer pending")
	}
	if session.QRStartToken == "" {
		return "", dErrors.New(dErrors.CodeConflict, "order has no QR material")
	}

	elapsed := int64(s.now().Sub(session.CreatedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return qr.Challenge(session.QRStartToken, session.QRStartSecret, elapsed), nil
}

// TokenResult is the gateway access token exchanged for a completed session.
type TokenResult struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// Token exchanges a completed session for a gateway access token.
func (s *Service) Token(ctx context.Context, sessionID string) (TokenResult, error) {
	session, err := s.Status(ctx, sessionID)
	if err != nil {
		return TokenResult{}, err
	}
	if session.Status != models.StatusComplete {
		return TokenResult{}, dErrors.New(dErrors.CodeConflict, "authentication is not complete")
	}

	personalNumber := session.PersonalNumber
	if session.CompletionData != nil && session.CompletionData.User.PersonalNumber != "" {
		personalNumber = session.CompletionData.User.PersonalNumber
	}

	token, err := s.tokens.Generate(personalNumber, session.SessionID, session.OrderRef, s.cfg.TokenTTL)
	if err != nil {
		return TokenResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign access token")
	}
	return TokenResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.TokenTTL / time.Second),
	}, nil
}

// PollingStats reports the background poller's active loops.
func (s *Service) PollingStats() poller.Stats {
	return s.poller.Stats()
}

// lookup validates the orderRef grammar and resolves the local session,
// translating store facts into domain errors.
func (s *Service) lookup(ctx context.Context, orderRef string) (models.Session, error) {
	if !client.ValidOrderRef(orderRef) {
		return models.Session{}, dErrors.New(dErrors.CodeInvalidInput, "orderRef is not in a valid format")
	}
	session, err := s.sessions.FindByOrderRef(ctx, orderRef)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Session{}, dErrors.New(dErrors.CodeNotFound, "no session for orderRef")
		}
		return models.Session{}, err
	}
	return session, nil
}
