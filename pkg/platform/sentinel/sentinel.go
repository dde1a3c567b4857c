package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into domain
// errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: session does not exist in the store
// - ErrConflict: session already exists (duplicate create)
// - ErrExpired: session deadline has passed
// - ErrInvalidState: session in wrong phase for the requested operation
// - ErrAlreadyFinalized: terminal outcome already recorded
// - ErrUnavailable: backing service temporarily unreachable
//
// For validation errors (bad input, unverifiable signatures), use
// pkg/domerrors directly.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrExpired          = errors.New("expired")
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyFinalized = errors.New("already finalized")
	ErrUnavailable      = errors.New("unavailable")
)
