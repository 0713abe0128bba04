package testutil

import (
	"context"
	"net/http"

	"bankid-gateway/internal/platform/middleware"
)

// WithIdentity adds an authenticated identity to the request context,
// simulating what the auth middleware does for valid tokens.
func WithIdentity(req *http.Request, personalNumber, sessionID, orderRef string) *http.Request {
	ctx := req.Context()
	ctx = context.WithValue(ctx, middleware.ContextKeyPersonalNumber, personalNumber)
	ctx = context.WithValue(ctx, middleware.ContextKeySessionID, sessionID)
	ctx = context.WithValue(ctx, middleware.ContextKeyOrderRef, orderRef)
	return req.WithContext(ctx)
}
