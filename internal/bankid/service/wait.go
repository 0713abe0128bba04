package service

import (
	"context"
	"errors"
	"time"

	"bankid-gateway/internal/bankid/client"
	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/pkg/platform/sentinel"
)

// WaitOutcome classifies how a synchronous wait ended.
type WaitOutcome string

const (
	WaitComplete WaitOutcome = "complete"
	WaitFailed   WaitOutcome = "failed"
	WaitTimeout  WaitOutcome = "timeout"
	WaitError    WaitOutcome = "error"
)

// WaitResult is the resolved answer of a synchronous wait. Every negative
// outcome carries a machine-readable hint code.
type WaitResult struct {
	Outcome        WaitOutcome            `json:"outcome"`
	OrderRef       string                 `json:"orderRef"`
	HintCode       string                 `json:"hintCode,omitempty"`
	Message        string                 `json:"message,omitempty"`
	CompletionData *models.CompletionData `json:"completionData,omitempty"`
}

// WaitForResolution blocks until the order reaches a terminal state or
// maxWait elapses, polling the remote provider on the configured interval.
// The caller never waits past maxWait plus one in-flight round trip. A zero
// or negative maxWait falls back to the configured default.
func (s *Service) WaitForResolution(ctx context.Context, orderRef string, maxWait time.Duration) (WaitResult, error) {
	// Reject malformed references before any remote traffic.
	if !client.ValidOrderRef(orderRef) {
		return WaitResult{
			Outcome:  WaitError,
			OrderRef: orderRef,
			HintCode: "invalidParameters",
			Message:  "orderRef is not in a valid format",
		}, nil
	}
	if _, err := s.sessions.FindByOrderRef(ctx, orderRef); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return WaitResult{
				Outcome:  WaitError,
				OrderRef: orderRef,
				HintCode: "notFound",
				Message:  "no session for orderRef",
			}, nil
		}
		return WaitResult{}, err
	}

	if maxWait <= 0 {
		maxWait = s.cfg.MaxWait
	}
	deadline := s.now().Add(maxWait)

	for s.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return WaitResult{}, err
		}

		s.metrics.IncCollectPolls()
		res, err := s.client.Collect(ctx, orderRef)
		switch {
		case err != nil:
			result, done, werr := s.waitCollectError(ctx, orderRef, err)
			if werr != nil {
				return WaitResult{}, werr
			}
			if done {
				return result, nil
			}
		case res.Status == client.StatusComplete:
			if _, perr := s.sessions.CompleteByOrderRef(ctx, orderRef, res.CompletionData); perr != nil {
				s.logger.ErrorContext(ctx, "persisting completion failed", "order_ref", orderRef, "error", perr)
			}
			s.metrics.IncOrdersResolved("complete")
			return WaitResult{
				Outcome:        WaitComplete,
				OrderRef:       orderRef,
				CompletionData: res.CompletionData,
			}, nil
		case res.Status == client.StatusFailed:
			if _, perr := s.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusFailed, res.HintCode); perr != nil {
				s.logger.ErrorContext(ctx, "persisting failure failed", "order_ref", orderRef, "error", perr)
			}
			s.metrics.IncOrdersResolved("failed")
			return WaitResult{
				Outcome:  WaitFailed,
				OrderRef: orderRef,
				HintCode: res.HintCode,
				Message:  "order resolved negatively",
			}, nil
		default:
			if _, perr := s.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.Status(res.Status), res.HintCode); perr != nil {
				s.logger.ErrorContext(ctx, "persisting pending status failed", "order_ref", orderRef, "error", perr)
			}
		}

		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	// Deadline passed. Another watcher may have won the race meanwhile, so
	// the stored terminal state decides the reported outcome.
	session, err := s.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusFailed, "expiredTransaction")
	if err == nil && session.Status == models.StatusComplete {
		return WaitResult{
			Outcome:        WaitComplete,
			OrderRef:       orderRef,
			CompletionData: session.CompletionData,
		}, nil
	}
	s.metrics.IncOrdersResolved("timeout")
	s.logger.InfoContext(ctx, "synchronous wait timed out", "order_ref", orderRef, "max_wait", maxWait)
	return WaitResult{
		Outcome:  WaitTimeout,
		OrderRef: orderRef,
		HintCode: "expiredTransaction",
		Message:  "order did not resolve within the wait window",
	}, nil
}

// waitCollectError classifies a collect failure during a synchronous wait.
// done reports whether the wait should return result immediately; otherwise
// the error was transient and the loop retries.
func (s *Service) waitCollectError(ctx context.Context, orderRef string, err error) (result WaitResult, done bool, werr error) {
	if ctx.Err() != nil {
		return WaitResult{}, false, ctx.Err()
	}

	if client.OrderUnknown(err) {
		// The provider forgets orders shortly after they resolve. A
		// racing background poller may already have stored the answer.
		local, lerr := s.sessions.FindByOrderRef(ctx, orderRef)
		if lerr == nil && local.Status == models.StatusComplete {
			return WaitResult{
				Outcome:        WaitComplete,
				OrderRef:       orderRef,
				HintCode:       "orderAlreadyCompleted",
				CompletionData: local.CompletionData,
			}, true, nil
		}
		if _, perr := s.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusFailed, "invalidParameters"); perr != nil {
			s.logger.ErrorContext(ctx, "persisting unknown-order failure failed", "order_ref", orderRef, "error", perr)
		}
		s.metrics.IncOrdersResolved("failed")
		return WaitResult{
			Outcome:  WaitFailed,
			OrderRef: orderRef,
			HintCode: "invalidParameters",
			Message:  "order is expired or no longer known to the provider",
		}, true, nil
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		s.logger.ErrorContext(ctx, "provider rejected collect during wait",
			"order_ref", orderRef, "error_code", apiErr.ErrorCode, "error", err)
		s.metrics.IncOrdersResolved("error")
		return WaitResult{
			Outcome:  WaitError,
			OrderRef: orderRef,
			HintCode: apiErr.ErrorCode,
			Message:  apiErr.Details,
		}, true, nil
	}

	s.logger.WarnContext(ctx, "transient collect failure during wait", "order_ref", orderRef, "error", err)
	return WaitResult{}, false, nil
}
