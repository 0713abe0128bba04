// Package client implements the BankID RP API v6 wire contract: order
// creation (auth/sign), collect polling and cancellation over a mutually
// authenticated TLS channel. The rest of the gateway treats it as an opaque,
// fallible remote collaborator.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"bankid-gateway/internal/bankid/models"
)

// CollectStatus is the remote order status reported by collect.
type CollectStatus string

const (
	StatusPending  CollectStatus = "pending"
	StatusComplete CollectStatus = "complete"
	StatusFailed   CollectStatus = "failed"
)

// OrderResponse is returned by auth and sign. The four values are opaque
// session secrets issued by the provider, immutable once issued.
type OrderResponse struct {
	OrderRef       string `json:"orderRef"`
	AutoStartToken string `json:"autoStartToken"`
	QRStartToken   string `json:"qrStartToken"`
	QRStartSecret  string `json:"qrStartSecret"`
}

// CollectResponse mirrors the provider's collect answer. HintCode is present
// when the status is not complete; CompletionData only when it is.
type CollectResponse struct {
	OrderRef       string                 `json:"orderRef"`
	Status         CollectStatus          `json:"status"`
	HintCode       string                 `json:"hintCode,omitempty"`
	CompletionData *models.CompletionData `json:"completionData,omitempty"`
}

// Requirement narrows how the user may complete the order.
type Requirement struct {
	AllowFingerprint    bool     `json:"allowFingerprint,omitempty"`
	CertificatePolicies []string `json:"certificatePolicies,omitempty"`
}

// AuthRequest starts an authentication order.
type AuthRequest struct {
	PersonalNumber string       `json:"personalNumber,omitempty"`
	EndUserIP      string       `json:"endUserIp"`
	Requirement    *Requirement `json:"requirement,omitempty"`
}

// SignRequest starts a signing order. UserVisibleData must already be
// base64-encoded per the RP API.
type SignRequest struct {
	PersonalNumber  string       `json:"personalNumber,omitempty"`
	EndUserIP       string       `json:"endUserIp"`
	UserVisibleData string       `json:"userVisibleData"`
	Requirement     *Requirement `json:"requirement,omitempty"`
}

type collectRequest struct {
	OrderRef string `json:"orderRef"`
}

// APIError is a rejection from the RP API. ErrorCode and Details carry the
// provider's own vocabulary (alreadyInProgress, invalidParameters, ...).
type APIError struct {
	ErrorCode  string `json:"errorCode"`
	Details    string `json:"details"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bankid: %s (%d): %s", e.ErrorCode, e.HTTPStatus, e.Details)
}

// Retryable reports whether the owning poller should keep trying on its
// normal interval. 5xx-class answers terminate loops; everything below is a
// soft failure.
func (e *APIError) Retryable() bool {
	return e.HTTPStatus < http.StatusInternalServerError
}

// OrderUnknown reports the "no such order" class: the order either resolved
// and expired provider-side, or never existed. Callers must disambiguate
// against their local record before concluding failure.
func OrderUnknown(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.ErrorCode == "invalidParameters" {
		return true
	}
	details := strings.ToLower(apiErr.Details)
	return strings.Contains(details, "no such order") || strings.Contains(details, "expired")
}

var orderRefPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// ValidOrderRef checks the provider's identifier grammar (lowercase UUID
// form) without any remote call.
func ValidOrderRef(ref string) bool {
	return orderRefPattern.MatchString(strings.ToLower(ref))
}

// Config carries the endpoint and mTLS material for the RP API.
type Config struct {
	BaseURL  string
	CertFile string
	KeyFile  string
	CAFile   string
	Timeout  time.Duration
}

// Client talks to the BankID RP API v6. Provider-side latency sits in the
// 1-5s range, so every call takes a context.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client with the mutual-TLS credential loaded from PEM files.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bankid client: base URL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load RP certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read RP CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("RP CA bundle %s contains no certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// Auth starts an authentication order.
func (c *Client) Auth(ctx context.Context, req AuthRequest) (*OrderResponse, error) {
	var res OrderResponse
	if err := c.post(ctx, "/auth", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Sign starts a signing order.
func (c *Client) Sign(ctx context.Context, req SignRequest) (*OrderResponse, error) {
	var res OrderResponse
	if err := c.post(ctx, "/sign", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Collect fetches the current order status. The provider keeps answering
// pending until the user acts; callers own the polling cadence.
func (c *Client) Collect(ctx context.Context, orderRef string) (*CollectResponse, error) {
	var res CollectResponse
	if err := c.post(ctx, "/collect", collectRequest{OrderRef: orderRef}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel aborts an order. Already-terminal orders answer with an APIError the
// caller may ignore.
func (c *Client) Cancel(ctx context.Context, orderRef string) error {
	return c.post(ctx, "/cancel", collectRequest{OrderRef: orderRef}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bankid %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil {
			apiErr.ErrorCode = "unknown"
			apiErr.Details = res.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
