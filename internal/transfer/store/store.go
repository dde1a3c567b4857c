// Package store persists transfer sessions. Implementations must serialize
// conflicting operations per session while leaving unrelated sessions fully
// parallel; the interface contract is what gives the protocol its ordering
// guarantees.
package store

import (
	"context"
	"time"

	"crosslock/internal/transfer/models"
	id "crosslock/pkg/domain"
	"crosslock/pkg/platform/sentinel"
)

// Store is the durable, keyed record of in-flight and completed sessions.
//
// All mutating operations are atomic with respect to a single session: no two
// concurrent callers may observe or produce an inconsistent intermediate state
// for the same session ID. Sessions are retired, never deleted, once a
// terminal outcome is set.
type Store interface {
	// Create fails with sentinel.ErrConflict if the session ID exists,
	// including retired sessions (duplicate-request detection).
	Create(ctx context.Context, session *models.Session) error

	// Get fails with sentinel.ErrNotFound for unknown IDs. The returned
	// session is a snapshot; mutations go through the methods below.
	Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error)

	// AppendEvidence fails with sentinel.ErrInvalidState if the evidence
	// phase does not match the session's current phase, and with
	// sentinel.ErrAlreadyFinalized once a terminal outcome is set.
	AppendEvidence(ctx context.Context, sessionID id.SessionID, ev models.Evidence) error

	// Transition fails with sentinel.ErrInvalidState unless next is the
	// permitted successor of the current phase.
	Transition(ctx context.Context, sessionID id.SessionID, next models.Phase) error

	// AdvanceNonce records the highest accepted message nonce. It fails
	// with sentinel.ErrInvalidState when nonce is not strictly greater
	// than the last accepted one.
	AdvanceNonce(ctx context.Context, sessionID id.SessionID, nonce uint64) error

	// SetLockReceipt and SetCommitReceipt stash ledger receipts so
	// rollback and audit survive a process restart.
	SetLockReceipt(ctx context.Context, sessionID id.SessionID, receipt models.LockReceipt) error
	SetCommitReceipt(ctx context.Context, sessionID id.SessionID, receipt models.CommitReceipt) error

	// Finalize records the terminal outcome exactly once; a second call
	// fails with sentinel.ErrAlreadyFinalized.
	Finalize(ctx context.Context, sessionID id.SessionID, outcome models.Outcome, reason string) error

	// ListExpired returns up to limit non-finalized sessions whose
	// deadline has passed at now, for the background sweep.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Session, error)
}

// applyAppendEvidence holds the shared validation for AppendEvidence so all
// three implementations enforce identical rules.
func applyAppendEvidence(s *models.Session, ev models.Evidence) error {
	if s.Finalized() {
		return sentinel.ErrAlreadyFinalized
	}
	if ev.Phase != s.Phase {
		return sentinel.ErrInvalidState
	}
	s.EvidenceLog = append(s.EvidenceLog, ev)
	s.UpdatedAt = time.Now()
	return nil
}

func applyTransition(s *models.Session, next models.Phase) error {
	if s.Finalized() {
		return sentinel.ErrAlreadyFinalized
	}
	if !s.Phase.CanAdvance(next) {
		return sentinel.ErrInvalidState
	}
	s.Phase = next
	s.UpdatedAt = time.Now()
	return nil
}

func applyAdvanceNonce(s *models.Session, nonce uint64) error {
	if s.Finalized() {
		return sentinel.ErrAlreadyFinalized
	}
	if nonce <= s.LastNonce {
		return sentinel.ErrInvalidState
	}
	s.LastNonce = nonce
	s.UpdatedAt = time.Now()
	return nil
}

func applyFinalize(s *models.Session, outcome models.Outcome, reason string) error {
	if s.Finalized() {
		return sentinel.ErrAlreadyFinalized
	}
	s.Phase = models.PhaseFinalized
	s.Outcome = outcome
	s.FailureReason = reason
	s.UpdatedAt = time.Now()
	return nil
}
