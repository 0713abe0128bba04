// Package store persists session records, the only shared mutable state in
// the gateway. Both the background poller and the synchronous wait primitive
// mutate the same records, so implementations must never expose torn writes.
package store

import (
	"context"

	"bankid-gateway/internal/bankid/models"
)

// SessionStore is the order store contract.
//
// Error contract: lookups and mutations on absent keys return
// sentinel.ErrNotFound (wrapped). Mutations are read-modify-write under a
// single writer per key.
//
// Terminal discipline: a status update to a non-terminal value is a no-op
// once the record is terminal, so racing pollers converge instead of
// flapping. CompletedAt is stamped at the first transition into a terminal
// status and never changes afterwards.
type SessionStore interface {
	// Create assigns SessionID and CreatedAt (and an initial status when the
	// seed carries none) and stores the record.
	Create(ctx context.Context, seed models.Session) (models.Session, error)

	FindBySessionID(ctx context.Context, sessionID string) (models.Session, error)
	// FindByOrderRef resolves the unique session owning an orderRef.
	FindByOrderRef(ctx context.Context, orderRef string) (models.Session, error)

	UpdateStatusBySessionID(ctx context.Context, sessionID string, status models.Status, hintCode string) (models.Session, error)
	UpdateStatusByOrderRef(ctx context.Context, orderRef string, status models.Status, hintCode string) (models.Session, error)

	// CompleteByOrderRef marks the session complete and records the
	// provider's completion data. Idempotent: a second call leaves
	// CompletedAt and the stored data at their first values.
	CompleteByOrderRef(ctx context.Context, orderRef string, data *models.CompletionData) (models.Session, error)
}
