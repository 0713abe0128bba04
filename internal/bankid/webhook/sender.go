// Package webhook delivers best-effort order notifications to caller-supplied
// callback URLs. One attempt, no retries: delivery failure never changes the
// polling outcome it reports.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"bankid-gateway/internal/bankid/models"
)

// Payload is the flat JSON object POSTed to a callback URL. Timestamp is
// ISO-8601. CompletionData appears on success, HintCode on failure,
// ErrorMessage on poller errors; cancellation and timeout carry nothing
// extra. The qrStartSecret is never part of a payload.
type Payload struct {
	Status         string                 `json:"status"`
	OrderRef       string                 `json:"orderRef"`
	Operation      string                 `json:"operation"`
	Timestamp      string                 `json:"timestamp"`
	CompletionData *models.CompletionData `json:"completionData,omitempty"`
	HintCode       string                 `json:"hintCode,omitempty"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
}

// NewPayload stamps a payload with the fixed operation tag and the current
// time.
func NewPayload(status, orderRef string) Payload {
	return Payload{
		Status:    status,
		OrderRef:  orderRef,
		Operation: "bankid",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Sender posts payloads to callback URLs.
type Sender struct {
	http   *http.Client
	logger *slog.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) {
		if c != nil {
			s.http = c
		}
	}
}

// NewSender constructs a webhook sender.
func NewSender(logger *slog.Logger, opts ...SenderOption) *Sender {
	s := &Sender{
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "webhook"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver POSTs the payload to url. True means the receiver accepted it with
// a 2xx. Every failure is logged and swallowed.
func (s *Sender) Deliver(ctx context.Context, url string, payload Payload) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "webhook payload encoding failed",
			"order_ref", payload.OrderRef, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.ErrorContext(ctx, "webhook request build failed",
			"order_ref", payload.OrderRef, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.http.Do(req)
	if err != nil {
		s.logger.WarnContext(ctx, "webhook delivery failed",
			"order_ref", payload.OrderRef, "status", payload.Status, "error", err)
		return false
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		s.logger.WarnContext(ctx, "webhook rejected by receiver",
			"order_ref", payload.OrderRef, "status", payload.Status, "http_status", res.StatusCode)
		return false
	}

	s.logger.InfoContext(ctx, "webhook delivered",
		"order_ref", payload.OrderRef, "status", payload.Status)
	return true
}
