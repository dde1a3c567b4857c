// Package statemachine drives a transfer session through its phases. Both
// gateway roles invoke the same transition functions, so the two sides of a
// session can never diverge on what a legal move is.
package statemachine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crosslock/internal/transfer/codec"
	"crosslock/internal/transfer/metrics"
	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/ports"
	"crosslock/internal/transfer/store"
	"crosslock/pkg/domerrors"
	"crosslock/pkg/platform/sentinel"
)

// Machine owns every session mutation. Gateways validate and sequence
// messages; the machine decides what a message means for the session and
// resolves every failure into a terminal or retry decision. Nothing escapes
// to callers as an unhandled fault.
type Machine struct {
	store   store.Store
	codec   *codec.Codec
	ledger  ports.LedgerAdapter
	keys    ports.KeyProvider
	metrics *metrics.Metrics
	log     *log.Logger
	retry   RetryPolicy
	tracer  trace.Tracer
	clock   func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func New(st store.Store, cd *codec.Codec, ledger ports.LedgerAdapter, keys ports.KeyProvider, mt *metrics.Metrics, logger *log.Logger, retry RetryPolicy, opts ...Option) *Machine {
	m := &Machine{
		store:   st,
		codec:   cd,
		ledger:  ledger,
		keys:    keys,
		metrics: mt,
		log:     logger,
		retry:   retry,
		tracer:  otel.Tracer("crosslock/transfer"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// evidenceActor maps each attested phase to the role that signs it: the
// server accepts and commits (destination side), the client locks and
// finalizes (source side).
func evidenceActor(phase models.Phase) models.Role {
	switch phase {
	case models.PhaseProposalAccepted, models.PhaseDestinationCommitted:
		return models.RoleServer
	case models.PhaseSourceLocked, models.PhaseCommitEvidenceExchanged:
		return models.RoleClient
	}
	return ""
}

// AcceptancePayload is the canonical content an acceptance evidence hash
// covers. Both sides compute it from their own session record, so a
// mismatched descriptor shows up as a hash mismatch.
type AcceptancePayload struct {
	SessionID            string                 `json:"sessionId"`
	Asset                models.AssetDescriptor `json:"assetDescriptor"`
	SourceLedgerRef      string                 `json:"sourceLedgerRef"`
	DestinationLedgerRef string                 `json:"destinationLedgerRef"`
}

// FinalizePayload is the canonical content of the closing evidence.
type FinalizePayload struct {
	SessionID string `json:"sessionId"`
	Outcome   string `json:"terminalOutcome"`
	Evidence  int    `json:"evidenceCount"`
}

func acceptancePayload(s *models.Session) AcceptancePayload {
	return AcceptancePayload{
		SessionID:            s.ID.String(),
		Asset:                s.Asset,
		SourceLedgerRef:      s.SourceLedgerRef,
		DestinationLedgerRef: s.DestinationLedgerRef,
	}
}

// ProduceAcceptance signs the server's acceptance of the proposed descriptor
// and ledger pair and advances the session to proposal_accepted.
func (m *Machine) ProduceAcceptance(ctx context.Context, s *models.Session) (models.Evidence, error) {
	key, err := m.keys.SigningKey(ctx, s.ID)
	if err != nil {
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeInternal, "load signing key", err)
	}
	ev, err := m.codec.Produce(s.ID, models.PhaseProposalAccepted, models.RoleServer, acceptancePayload(s), key)
	if err != nil {
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeInternal, "produce acceptance evidence", err)
	}
	if err := m.advance(ctx, s, models.PhaseProposalAccepted, ev); err != nil {
		return models.Evidence{}, err
	}
	return ev, nil
}

// RecordAcceptance verifies the counterparty's signed acceptance against the
// proposed descriptor and advances the session to proposal_accepted. A
// descriptor mismatch surfaces as a payload hash mismatch and rejects the
// evidence.
func (m *Machine) RecordAcceptance(ctx context.Context, s *models.Session, ev models.Evidence) error {
	key, err := m.keys.VerifyingKey(ctx, s.ID, models.RoleServer)
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "load verifying key", err)
	}
	if !m.codec.Verify(ev, models.PhaseProposalAccepted, models.RoleServer, key) {
		return domerrors.New(domerrors.CodeValidation, "acceptance evidence failed verification")
	}
	expected, err := codec.HashPayload(acceptancePayload(s))
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "hash acceptance payload", err)
	}
	if ev.PayloadHash != expected {
		return domerrors.New(domerrors.CodeValidation, "acceptance evidence descriptor mismatch")
	}
	return m.advance(ctx, s, models.PhaseProposalAccepted, ev)
}

// LockSource locks the asset on the source ledger and advances the session to
// source_locked, returning the signed lock evidence. A lock failure resolves
// to Finalized(RolledBack); nothing was locked, so there is nothing to undo
// on-ledger.
func (m *Machine) LockSource(ctx context.Context, s *models.Session) (models.Evidence, error) {
	var receipt models.LockReceipt
	err := m.retry.Do(ctx, s.ExpiresAt, func(ctx context.Context) error {
		var lockErr error
		receipt, lockErr = m.timedLock(ctx, s)
		return lockErr
	})
	if err != nil {
		m.log.Printf("session %s: source lock failed: %v", s.ID, err)
		if ferr := m.ForceRollback(ctx, s, "source ledger lock failed: "+err.Error()); ferr != nil {
			return models.Evidence{}, ferr
		}
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeLedger, "source ledger lock failed", err)
	}

	if err := m.store.SetLockReceipt(ctx, s.ID, receipt); err != nil {
		return models.Evidence{}, err
	}
	s.LockReceipt = &receipt

	key, err := m.keys.SigningKey(ctx, s.ID)
	if err != nil {
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeInternal, "load signing key", err)
	}
	ev, err := m.codec.Produce(s.ID, models.PhaseSourceLocked, models.RoleClient, receipt, key)
	if err != nil {
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeInternal, "produce lock evidence", err)
	}
	if err := m.advance(ctx, s, models.PhaseSourceLocked, ev); err != nil {
		return models.Evidence{}, err
	}
	return ev, nil
}

// RecordLockEvidence verifies the client's lock evidence on the server side
// and advances the session to source_locked. Verification failure forces
// rollback.
func (m *Machine) RecordLockEvidence(ctx context.Context, s *models.Session, ev models.Evidence) error {
	key, err := m.keys.VerifyingKey(ctx, s.ID, models.RoleClient)
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "load verifying key", err)
	}
	if !m.codec.Verify(ev, models.PhaseSourceLocked, models.RoleClient, key) {
		if ferr := m.ForceRollback(ctx, s, "lock evidence failed verification"); ferr != nil {
			return ferr
		}
		return domerrors.New(domerrors.CodeValidation, "lock evidence failed verification")
	}
	return m.advance(ctx, s, models.PhaseSourceLocked, ev)
}

// CommitDestination commits the asset on the destination ledger and advances
// the session to destination_committed, returning the signed commit evidence.
// Commit failure still rolls back: the point of no return is only crossed
// once the commit succeeds.
func (m *Machine) CommitDestination(ctx context.Context, s *models.Session) (models.Evidence, error) {
	if err := m.advance(ctx, s, models.PhaseLockEvidenceExchanged, models.Evidence{}); err != nil {
		return models.Evidence{}, err
	}

	lock := models.LockReceipt{}
	if s.LockReceipt != nil {
		lock = *s.LockReceipt
	}

	var receipt models.CommitReceipt
	err := m.retry.Do(ctx, s.ExpiresAt, func(ctx context.Context) error {
		var commitErr error
		receipt, commitErr = m.timedCommit(ctx, s, lock)
		return commitErr
	})
	if err != nil {
		m.log.Printf("session %s: destination commit failed: %v", s.ID, err)
		if ferr := m.ForceRollback(ctx, s, "destination ledger commit failed: "+err.Error()); ferr != nil {
			return models.Evidence{}, ferr
		}
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeLedger, "destination ledger commit failed", err)
	}

	if err := m.store.SetCommitReceipt(ctx, s.ID, receipt); err != nil {
		return models.Evidence{}, err
	}
	s.CommitReceipt = &receipt

	key, err := m.keys.SigningKey(ctx, s.ID)
	if err != nil {
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeInternal, "load signing key", err)
	}
	ev, err := m.codec.Produce(s.ID, models.PhaseDestinationCommitted, models.RoleServer, receipt, key)
	if err != nil {
		return models.Evidence{}, domerrors.Wrap(domerrors.CodeInternal, "produce commit evidence", err)
	}
	if err := m.advance(ctx, s, models.PhaseDestinationCommitted, ev); err != nil {
		return models.Evidence{}, err
	}
	return ev, nil
}

// RecordCommitEvidence verifies the server's commit evidence on the client
// side and advances through lock_evidence_exchanged to destination_committed.
// Verification failure here still rolls back; the client's own point of no
// return is only crossed once it accepts the commit evidence.
func (m *Machine) RecordCommitEvidence(ctx context.Context, s *models.Session, ev models.Evidence) error {
	key, err := m.keys.VerifyingKey(ctx, s.ID, models.RoleServer)
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "load verifying key", err)
	}
	if err := m.advance(ctx, s, models.PhaseLockEvidenceExchanged, models.Evidence{}); err != nil {
		return err
	}
	if !m.codec.Verify(ev, models.PhaseDestinationCommitted, models.RoleServer, key) {
		if ferr := m.ForceRollback(ctx, s, "commit evidence failed verification"); ferr != nil {
			return ferr
		}
		return domerrors.New(domerrors.CodeValidation, "commit evidence failed verification")
	}
	return m.advance(ctx, s, models.PhaseDestinationCommitted, ev)
}

// ProduceFinalize signs the closing evidence and advances the session to
// commit_evidence_exchanged. Any failure past this point aborts rather than
// rolls back.
func (m *Machine) ProduceFinalize(ctx context.Context, s *models.Session) (models.Evidence, error) {
	key, err := m.keys.SigningKey(ctx, s.ID)
	if err != nil {
		return models.Evidence{}, m.abortOn(ctx, s, domerrors.Wrap(domerrors.CodeInternal, "load signing key", err))
	}
	payload := FinalizePayload{SessionID: s.ID.String(), Outcome: string(models.OutcomeCommitted), Evidence: len(s.EvidenceLog)}
	ev, err := m.codec.Produce(s.ID, models.PhaseCommitEvidenceExchanged, models.RoleClient, payload, key)
	if err != nil {
		return models.Evidence{}, m.abortOn(ctx, s, domerrors.Wrap(domerrors.CodeInternal, "produce finalize evidence", err))
	}
	if err := m.advance(ctx, s, models.PhaseCommitEvidenceExchanged, ev); err != nil {
		return models.Evidence{}, err
	}
	return ev, nil
}

// RecordFinalize verifies the client's closing evidence on the server side.
// Verification failure after destination_committed aborts the session for
// manual reconciliation; the source-side lock has already been consumed.
func (m *Machine) RecordFinalize(ctx context.Context, s *models.Session, ev models.Evidence) error {
	key, err := m.keys.VerifyingKey(ctx, s.ID, models.RoleClient)
	if err != nil {
		return m.abortOn(ctx, s, domerrors.Wrap(domerrors.CodeInternal, "load verifying key", err))
	}
	if !m.codec.Verify(ev, models.PhaseCommitEvidenceExchanged, models.RoleClient, key) {
		return m.abortOn(ctx, s, domerrors.New(domerrors.CodeValidation, "finalize evidence failed verification"))
	}
	return m.advance(ctx, s, models.PhaseCommitEvidenceExchanged, ev)
}

// FinalizeCommitted records the committed terminal outcome.
func (m *Machine) FinalizeCommitted(ctx context.Context, s *models.Session) error {
	if err := m.store.Finalize(ctx, s.ID, models.OutcomeCommitted, ""); err != nil {
		return err
	}
	s.Phase = models.PhaseFinalized
	s.Outcome = models.OutcomeCommitted
	m.metrics.TransfersFinalized.WithLabelValues(string(models.OutcomeCommitted)).Inc()
	m.log.Printf("session %s: finalized committed", s.ID)
	return nil
}

// ForceRollback drives the session to Finalized(RolledBack), releasing the
// source-side lock when one was taken. It is illegal past the point of no
// return; callers there must abort instead.
func (m *Machine) ForceRollback(ctx context.Context, s *models.Session, reason string) error {
	if s.Phase.PastPointOfNoReturn() {
		return m.ForceAbort(ctx, s, "rollback requested past point of no return: "+reason)
	}

	if s.LockReceipt != nil {
		err := m.retry.Do(ctx, m.clock().Add(m.retry.Base*16), func(ctx context.Context) error {
			return m.timedRollback(ctx, s, *s.LockReceipt)
		})
		if err != nil {
			// The lock stays on the source ledger; record the abort so
			// an operator reconciles it manually.
			m.log.Printf("session %s: ledger rollback failed: %v", s.ID, err)
			return m.ForceAbort(ctx, s, "ledger rollback failed: "+err.Error())
		}
	}

	if err := m.store.Finalize(ctx, s.ID, models.OutcomeRolledBack, reason); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyFinalized) {
			return nil
		}
		return err
	}
	s.Phase = models.PhaseFinalized
	s.Outcome = models.OutcomeRolledBack
	s.FailureReason = reason
	m.metrics.TransfersFinalized.WithLabelValues(string(models.OutcomeRolledBack)).Inc()
	m.log.Printf("session %s: rolled back: %s", s.ID, reason)
	return nil
}

// ForceAbort records Finalized(Aborted). The evidence log is preserved so the
// session snapshot is sufficient for manual reconciliation.
func (m *Machine) ForceAbort(ctx context.Context, s *models.Session, reason string) error {
	if err := m.store.Finalize(ctx, s.ID, models.OutcomeAborted, reason); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyFinalized) {
			return nil
		}
		return err
	}
	s.Phase = models.PhaseFinalized
	s.Outcome = models.OutcomeAborted
	s.FailureReason = reason
	m.metrics.TransfersFinalized.WithLabelValues(string(models.OutcomeAborted)).Inc()
	m.log.Printf("session %s: aborted: %s", s.ID, reason)
	return nil
}

// Expire resolves a session whose deadline passed: rollback before the point
// of no return, abort after.
func (m *Machine) Expire(ctx context.Context, s *models.Session) error {
	if s.Phase.PastPointOfNoReturn() {
		return m.ForceAbort(ctx, s, "session deadline exceeded after destination commit")
	}
	return m.ForceRollback(ctx, s, "session deadline exceeded")
}

// abortOn finalizes the session as aborted and returns the original error.
func (m *Machine) abortOn(ctx context.Context, s *models.Session, cause error) error {
	if err := m.ForceAbort(ctx, s, cause.Error()); err != nil {
		return err
	}
	return cause
}

// advance performs one validated phase transition and optionally appends the
// evidence that justified it, keeping the in-memory session in step with the
// store.
func (m *Machine) advance(ctx context.Context, s *models.Session, next models.Phase, ev models.Evidence) error {
	ctx, span := m.tracer.Start(ctx, "transfer.transition", trace.WithAttributes(
		attribute.String("session.id", s.ID.String()),
		attribute.String("phase.from", string(s.Phase)),
		attribute.String("phase.to", string(next)),
	))
	defer span.End()

	if err := m.store.Transition(ctx, s.ID, next); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return domerrors.Wrap(domerrors.CodeProtocolViolation, "illegal phase transition to "+string(next), err)
		}
		return err
	}
	s.Phase = next
	m.metrics.PhaseTransitions.WithLabelValues(string(next)).Inc()

	if ev.PayloadHash != "" {
		if err := m.store.AppendEvidence(ctx, s.ID, ev); err != nil {
			return err
		}
		s.EvidenceLog = append(s.EvidenceLog, ev)
	}
	return nil
}

func (m *Machine) timedLock(ctx context.Context, s *models.Session) (models.LockReceipt, error) {
	ctx, span := m.tracer.Start(ctx, "ledger.lock")
	defer span.End()
	start := m.clock()
	receipt, err := m.ledger.Lock(ctx, s.Asset, s.SourceLedgerRef)
	m.metrics.LedgerCallDuration.WithLabelValues("lock").Observe(time.Since(start).Seconds())
	return receipt, err
}

func (m *Machine) timedCommit(ctx context.Context, s *models.Session, lock models.LockReceipt) (models.CommitReceipt, error) {
	ctx, span := m.tracer.Start(ctx, "ledger.commit")
	defer span.End()
	start := m.clock()
	receipt, err := m.ledger.Commit(ctx, s.Asset, s.DestinationLedgerRef, lock)
	m.metrics.LedgerCallDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	return receipt, err
}

func (m *Machine) timedRollback(ctx context.Context, s *models.Session, lock models.LockReceipt) error {
	ctx, span := m.tracer.Start(ctx, "ledger.rollback")
	defer span.End()
	start := m.clock()
	err := m.ledger.Rollback(ctx, s.Asset, s.SourceLedgerRef, lock)
	m.metrics.LedgerCallDuration.WithLabelValues("rollback").Observe(time.Since(start).Seconds())
	return err
}

// VerifyReceipts re-checks the ledger receipts the session holds through the
// adapter before finalizing a committed transfer. Each side holds only its
// own receipts; present ones are verified concurrently.
func (m *Machine) VerifyReceipts(ctx context.Context, s *models.Session) error {
	if s.LockReceipt == nil && s.CommitReceipt == nil {
		return domerrors.New(domerrors.CodeValidation, "session holds no ledger receipts")
	}
	return verifyReceiptsParallel(ctx, m.ledger, s.LockReceipt, s.CommitReceipt)
}

// nextExpectedPhase maps an inbound message type to the phase the session
// must currently be in for the message to be legal.
func nextExpectedPhase(t models.MessageType) (models.Phase, bool) {
	switch t {
	case models.MessageAcceptTransfer:
		return models.PhaseInitiated, true
	case models.MessageLockEvidence:
		return models.PhaseProposalAccepted, true
	case models.MessageCommitEvidence:
		return models.PhaseSourceLocked, true
	case models.MessageFinalizeAck:
		return models.PhaseDestinationCommitted, true
	}
	return "", false
}

// ValidateInbound applies the shared message-validation rules: signature,
// nonce monotonicity, retransmission handling, deadline, and expected phase.
// It returns proceed=false with a nil error for a benign retransmission,
// which the caller acknowledges without re-applying any transition.
func (m *Machine) ValidateInbound(ctx context.Context, s *models.Session, msg models.ProtocolMessage, senderKey ed25519.PublicKey) (proceed bool, err error) {
	if !codec.VerifyMessage(msg, senderKey) {
		m.metrics.MessagesRejected.WithLabelValues("bad_signature").Inc()
		return false, domerrors.New(domerrors.CodeValidation, "message signature failed verification")
	}
	if msg.SessionID != s.ID {
		m.metrics.MessagesRejected.WithLabelValues("session_mismatch").Inc()
		return false, domerrors.New(domerrors.CodeValidation, "message session id does not match session")
	}

	if msg.Nonce <= s.LastNonce {
		if msg.IsRetransmission && msg.Nonce == s.LastNonce {
			return false, nil
		}
		m.metrics.MessagesRejected.WithLabelValues("stale_nonce").Inc()
		return false, domerrors.New(domerrors.CodeValidation, "message nonce is not strictly increasing")
	}

	if s.Finalized() {
		m.metrics.MessagesRejected.WithLabelValues("finalized").Inc()
		return false, domerrors.New(domerrors.CodeValidation, "session already finalized")
	}

	if s.Expired(m.clock()) {
		if err := m.Expire(ctx, s); err != nil {
			return false, err
		}
		m.metrics.MessagesRejected.WithLabelValues("expired").Inc()
		return false, domerrors.New(domerrors.CodeTimeout, "session deadline exceeded")
	}

	// Rollback notices and recovery messages are legal in any live phase.
	switch msg.Type {
	case models.MessageRollbackNotice, models.MessageRecover, models.MessageRecoverUpdate:
		return true, nil
	}

	expected, ok := nextExpectedPhase(msg.Type)
	if !ok {
		m.metrics.MessagesRejected.WithLabelValues("unknown_type").Inc()
		return false, domerrors.New(domerrors.CodeValidation, "unknown message type "+string(msg.Type))
	}
	if s.Phase != expected {
		// The signature verified, so this is not line noise: the
		// counterparty attempted an illegal transition.
		m.metrics.MessagesRejected.WithLabelValues("phase_violation").Inc()
		if err := m.ForceAbort(ctx, s, "protocol violation: "+string(msg.Type)+" received in phase "+string(s.Phase)); err != nil {
			return false, err
		}
		return false, domerrors.New(domerrors.CodeProtocolViolation, "message phase does not match expected next phase")
	}
	return true, nil
}

// AcceptNonce records the message nonce after successful validation.
func (m *Machine) AcceptNonce(ctx context.Context, s *models.Session, nonce uint64) error {
	if err := m.store.AdvanceNonce(ctx, s.ID, nonce); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return domerrors.New(domerrors.CodeValidation, "message nonce is not strictly increasing")
		}
		return err
	}
	s.LastNonce = nonce
	return nil
}
