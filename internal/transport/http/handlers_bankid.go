package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"

	"bankid-gateway/internal/bankid/client"
	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/internal/bankid/poller"
	"bankid-gateway/internal/bankid/service"
	"bankid-gateway/internal/platform/middleware"
	"bankid-gateway/internal/transport/http/shared"
	dErrors "bankid-gateway/pkg/domain-errors"
)

// Service defines the interface for order operations.
type Service interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (service.SessionCreated, error)
	Collect(ctx context.Context, orderRef string) (*client.CollectResponse, error)
	Cancel(ctx context.Context, orderRef string) error
	Status(ctx context.Context, sessionID string) (models.Session, error)
	WaitForResolution(ctx context.Context, orderRef string, maxWait time.Duration) (service.WaitResult, error)
	DeriveChallenge(ctx context.Context, orderRef string) (string, error)
	Token(ctx context.Context, sessionID string) (service.TokenResult, error)
	PollingStats() poller.Stats
}

// BankIDHandler wires the order endpoints to the service.
type BankIDHandler struct {
	service   Service
	logger    *slog.Logger
	maxWait   time.Duration
	qrRefresh time.Duration
}

// NewBankIDHandler constructs the handler. qrRefresh is surfaced to QR
// clients as the recommended interval between challenge fetches.
func NewBankIDHandler(svc Service, logger *slog.Logger, maxWait, qrRefresh time.Duration) *BankIDHandler {
	return &BankIDHandler{service: svc, logger: logger, maxWait: maxWait, qrRefresh: qrRefresh}
}

// Register mounts the order routes that resolve quickly.
func (h *BankIDHandler) Register(r chi.Router) {
	r.Post("/api/bankid/auth", h.handleAuth)
	r.Post("/api/bankid/sign", h.handleSign)
	r.Post("/api/bankid/collect", h.handleCollect)
	r.Post("/api/bankid/cancel", h.handleCancel)
	r.Get("/api/bankid/qr/{orderRef}", h.handleQR)
	r.Get("/api/bankid/status/{sessionId}", h.handleStatus)
	r.Post("/api/bankid/token", h.handleToken)
	r.Get("/api/bankid/polling", h.handlePollingStats)
}

// RegisterWait mounts the long-poll endpoint. It must be registered on a
// router without a short request timeout: a child context can never extend
// its parent's deadline, so placing this under the regular API timeout
// would cap every wait at that timeout regardless of maxWait.
func (h *BankIDHandler) RegisterWait(r chi.Router) {
	r.Group(func(g chi.Router) {
		g.Use(middleware.Timeout(h.maxWait + 10*time.Second))
		g.Use(middleware.ContentTypeJSON)
		g.Post("/api/bankid/wait", h.handleWait)
	})
}

type initiateRequest struct {
	PersonalNumber  string `json:"personalNumber"`
	EndUserIP       string `json:"endUserIp"`
	UserVisibleData string `json:"userVisibleData"`
	CallbackURL     string `json:"callbackUrl"`
}

type orderRefRequest struct {
	OrderRef string `json:"orderRef"`
}

func (h *BankIDHandler) handleAuth(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, models.OperationAuth)
}

func (h *BankIDHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, models.OperationSign)
}

func (h *BankIDHandler) initiate(w http.ResponseWriter, r *http.Request, op models.Operation) {
	ctx := r.Context()

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if err := validateInitiateRequest(req, op); err != nil {
		shared.WriteError(w, err)
		return
	}
	if req.EndUserIP == "" {
		req.EndUserIP = clientIP(r)
	}

	created, err := h.service.Initiate(ctx, service.InitiateRequest{
		Operation:       op,
		PersonalNumber:  req.PersonalNumber,
		EndUserIP:       req.EndUserIP,
		UserVisibleData: req.UserVisibleData,
		CallbackURL:     req.CallbackURL,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "initiate failed",
			"request_id", middleware.GetRequestID(ctx),
			"operation", string(op),
			"error", err,
		)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, created)
}

func (h *BankIDHandler) handleCollect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderRef, ok := h.decodeOrderRef(w, r)
	if !ok {
		return
	}

	res, err := h.service.Collect(ctx, orderRef)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, res)
}

func (h *BankIDHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderRef, ok := h.decodeOrderRef(w, r)
	if !ok {
		return
	}

	if err := h.service.Cancel(ctx, orderRef); err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]string{"orderRef": orderRef, "status": "cancelled"})
}

type waitRequest struct {
	OrderRef       string `json:"orderRef"`
	MaxWaitSeconds int    `json:"maxWaitSeconds"`
}

func (h *BankIDHandler) handleWait(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req waitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	maxWait := time.Duration(req.MaxWaitSeconds) * time.Second
	if maxWait > h.maxWait {
		maxWait = h.maxWait
	}

	result, err := h.service.WaitForResolution(ctx, req.OrderRef, maxWait)
	if err != nil {
		h.logger.ErrorContext(ctx, "wait aborted",
			"request_id", middleware.GetRequestID(ctx),
			"order_ref", req.OrderRef,
			"error", err,
		)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *BankIDHandler) handleQR(w http.ResponseWriter, r *http.Request) {
	orderRef := chi.URLParam(r, "orderRef")

	challenge, err := h.service.DeriveChallenge(r.Context(), orderRef)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"orderRef":     orderRef,
		"qrData":       challenge,
		"nextUpdateIn": int(h.qrRefresh / time.Second),
	})
}

func (h *BankIDHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if !govalidator.IsUUID(sessionID) {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "sessionId must be a UUID"))
		return
	}

	session, err := h.service.Status(r.Context(), sessionID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, session)
}

type tokenRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *BankIDHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if !govalidator.IsUUID(req.SessionID) {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "sessionId must be a UUID"))
		return
	}

	result, err := h.service.Token(r.Context(), req.SessionID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, result)
}

func (h *BankIDHandler) handlePollingStats(w http.ResponseWriter, r *http.Request) {
	shared.WriteJSON(w, http.StatusOK, h.service.PollingStats())
}

func (h *BankIDHandler) decodeOrderRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req orderRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return "", false
	}
	if !client.ValidOrderRef(req.OrderRef) {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "orderRef is not in a valid format"))
		return "", false
	}
	return req.OrderRef, true
}

func validateInitiateRequest(req initiateRequest, op models.Operation) error {
	if op == models.OperationSign && !govalidator.StringLength(req.PersonalNumber, "12", "12") {
		return dErrors.New(dErrors.CodeInvalidInput, "personalNumber must be 12 digits")
	}
	if req.PersonalNumber != "" && !govalidator.IsNumeric(req.PersonalNumber) {
		return dErrors.New(dErrors.CodeInvalidInput, "personalNumber must be numeric")
	}
	if req.EndUserIP != "" && !govalidator.IsIP(req.EndUserIP) {
		return dErrors.New(dErrors.CodeInvalidInput, "endUserIp must be an IP address")
	}
	if req.CallbackURL != "" && !govalidator.IsURL(req.CallbackURL) {
		return dErrors.New(dErrors.CodeInvalidInput, "callbackUrl must be a URL")
	}
	if len(req.UserVisibleData) > 1500 {
		return dErrors.New(dErrors.CodeInvalidInput, "userVisibleData too long")
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
