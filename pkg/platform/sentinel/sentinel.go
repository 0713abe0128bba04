package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and the remote client
// return these (optionally wrapped) so services can translate them into
// caller-facing outcomes.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: session does not exist in the store
// - ErrExpired: order aged past the provider's lifetime
// - ErrInvalidState: session in wrong state for the requested operation
// - ErrUnavailable: remote provider or store temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
