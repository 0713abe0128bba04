package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	PersonalNumber string
	SessionID      string
	OrderRef       string
}

// Context keys for storing authenticated identity information
type contextKeyPersonalNumber struct{}
type contextKeySessionID struct{}
type contextKeyOrderRef struct{}

var (
	ContextKeyPersonalNumber = contextKeyPersonalNumber{}
	ContextKeySessionID      = contextKeySessionID{}
	ContextKeyOrderRef       = contextKeyOrderRef{}
)

// GetPersonalNumber retrieves the authenticated personal number from the context
func GetPersonalNumber(ctx context.Context) string {
	personalNumber, ok := ctx.Value(ContextKeyPersonalNumber).(string)
	if !ok {
		return ""
	}
	return personalNumber
}

// GetAuthSessionID retrieves the authenticated session ID from the context
func GetAuthSessionID(ctx context.Context) string {
	sessionID, ok := ctx.Value(ContextKeySessionID).(string)
	if !ok {
		return ""
	}
	return sessionID
}

func GetOrderRef(ctx context.Context) string {
	orderRef, ok := ctx.Value(ContextKeyOrderRef).(string)
	if !ok {
		return ""
	}
	return orderRef
}

func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			if token, ok := strings.CutPrefix(authHeader, bearerPrefix); ok {
				claims, err := validator.ValidateToken(token)
				if err != nil {
					ctx := r.Context()
					logger.WarnContext(ctx, "unauthorized access - invalid token",
						"error", err,
						"request_id", GetRequestID(ctx),
					)
					writeUnauthorized(w, "Invalid or expired token")
					return
				}

				ctx := r.Context()
				ctx = context.WithValue(ctx, ContextKeyPersonalNumber, claims.PersonalNumber)
				ctx = context.WithValue(ctx, ContextKeySessionID, claims.SessionID)
				ctx = context.WithValue(ctx, ContextKeyOrderRef, claims.OrderRef)

				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// No Authorization header or invalid format
			ctx := r.Context()
			logger.WarnContext(ctx, "unauthorized access - missing token",
				"request_id", GetRequestID(ctx),
			)
			writeUnauthorized(w, "Missing or invalid Authorization header")
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
