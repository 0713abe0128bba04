// Package httptransport is the thin HTTP layer. It delegates to domain
// services without embedding business logic so transport concerns remain
// isolated.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jwttoken "bankid-gateway/internal/jwt_token"
	"bankid-gateway/internal/platform/metrics"
	"bankid-gateway/internal/platform/middleware"
	"bankid-gateway/internal/transport/http/shared"
)

// RouterConfig carries everything the router needs beyond the handlers.
type RouterConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tokens  *jwttoken.Service
}

// NewRouter assembles the full route tree: order endpoints, the
// token-protected identity endpoint, health and metrics.
func NewRouter(bankid *BankIDHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Latency(cfg.Metrics))

	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(30 * time.Second))
		api.Use(middleware.ContentTypeJSON)
		bankid.Register(api)
	})

	// The wait endpoint carries its own deadline sized to maxWait, so it
	// lives outside the 30s API group.
	bankid.RegisterWait(r)

	r.Group(func(protected chi.Router) {
		protected.Use(middleware.Timeout(10 * time.Second))
		protected.Use(middleware.ContentTypeJSON)
		protected.Use(middleware.RequireAuth(tokenValidator{cfg.Tokens}, cfg.Logger))
		protected.Get("/api/userinfo", handleUserInfo)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// handleUserInfo returns the identity bound to the presented access token.
func handleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shared.WriteJSON(w, http.StatusOK, map[string]string{
		"personalNumber": middleware.GetPersonalNumber(ctx),
		"sessionId":      middleware.GetAuthSessionID(ctx),
		"orderRef":       middleware.GetOrderRef(ctx),
	})
}

// tokenValidator adapts the JWT service to the middleware's validator
// interface.
type tokenValidator struct {
	tokens *jwttoken.Service
}

func (v tokenValidator) ValidateToken(raw string) (*middleware.JWTClaims, error) {
	claims, err := v.tokens.Validate(raw)
	if err != nil {
		return nil, err
	}
	return &middleware.JWTClaims{
		PersonalNumber: claims.Subject,
		SessionID:      claims.SessionID,
		OrderRef:       claims.OrderRef,
	}, nil
}
