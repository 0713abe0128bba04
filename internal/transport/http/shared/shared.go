// Package shared holds the response helpers used by every handler.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	"bankid-gateway/internal/bankid/client"
	dErrors "bankid-gateway/pkg/domain-errors"
	"bankid-gateway/pkg/platform/sentinel"
)

// WriteJSON writes status and a JSON body.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError translates domain, sentinel and provider errors into a
// consistent JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		WriteJSON(w, dErrors.ToHTTPStatus(domainErr.Code), map[string]string{
			"error":   string(domainErr.Code),
			"message": domainErr.Message,
		})
		return
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadGateway
		if client.OrderUnknown(apiErr) {
			status = http.StatusNotFound
		} else if apiErr.HTTPStatus >= 400 && apiErr.HTTPStatus < 500 {
			status = http.StatusBadRequest
		}
		WriteJSON(w, status, map[string]string{
			"error":   apiErr.ErrorCode,
			"message": apiErr.Details,
		})
		return
	}

	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, sentinel.ErrInvalidState):
		WriteJSON(w, http.StatusConflict, map[string]string{"error": "invalid_state"})
	default:
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}
