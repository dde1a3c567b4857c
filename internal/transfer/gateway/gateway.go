// Package gateway holds the role-specific orchestration on top of the shared
// transfer state machine. The client side initiates and drives retries; the
// server side is purely reactive. Both apply identical transition rules
// because every mutation goes through the same Machine.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"crosslock/internal/audit"
	"crosslock/internal/transfer/codec"
	"crosslock/internal/transfer/metrics"
	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/ports"
	"crosslock/internal/transfer/statemachine"
	"crosslock/internal/transfer/store"
	id "crosslock/pkg/domain"
	"crosslock/pkg/domerrors"
	"crosslock/pkg/platform/sentinel"
)

// core is the state shared by both gateway roles.
type core struct {
	role      models.Role
	store     store.Store
	machine   *statemachine.Machine
	keys      ports.KeyProvider
	transport ports.Transport
	metrics   *metrics.Metrics
	log       *log.Logger
	retry     statemachine.RetryPolicy
	clock     func() time.Time
	audit     *audit.Publisher

	// pending tracks the last outbound message per session for
	// retransmission. Acknowledged messages are cleared when the next
	// inbound message for the session is accepted.
	mu      sync.Mutex
	pending map[id.SessionID]models.ProtocolMessage
}

func newCore(role models.Role, st store.Store, machine *statemachine.Machine, keys ports.KeyProvider, transport ports.Transport, mt *metrics.Metrics, logger *log.Logger, retry statemachine.RetryPolicy) core {
	return core{
		role:      role,
		store:     st,
		machine:   machine,
		keys:      keys,
		transport: transport,
		metrics:   mt,
		log:       logger,
		retry:     retry,
		clock:     time.Now,
		pending:   make(map[id.SessionID]models.ProtocolMessage),
	}
}

// WithAudit attaches an audit publisher. A nil publisher disables auditing.
func (c *core) WithAudit(pub *audit.Publisher) {
	c.audit = pub
}

// emitAudit records a lifecycle event. Audit failures are logged, never
// surfaced: the protocol outcome must not depend on the audit trail.
func (c *core) emitAudit(ctx context.Context, event audit.Event) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Emit(ctx, event); err != nil {
		c.log.Printf("session %s: audit append failed: %v", event.SessionID, err)
	}
}

// auditOutcome emits the terminal audit record for a finalized session.
func (c *core) auditOutcome(ctx context.Context, s *models.Session) {
	if c.audit == nil || !s.Finalized() {
		return
	}
	c.emitAudit(ctx, audit.Event{
		SessionID:     s.ID,
		Action:        audit.ActionFinalized,
		Phase:         string(s.Phase),
		Outcome:       string(s.Outcome),
		Reason:        s.FailureReason,
		EvidenceCount: len(s.EvidenceLog),
	})
}

// GetSessionStatus returns a snapshot of the session, including its evidence
// trail and terminal outcome when set.
func (c *core) GetSessionStatus(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	s, err := c.store.Get(ctx, sessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, domerrors.New(domerrors.CodeNotFound, "unknown session "+sessionID.String())
	}
	return s, err
}

// sendSigned assigns the next nonce, signs, and delivers a protocol message,
// recording it for retransmission. Delivery failures are treated identically
// to a timeout: retried with backoff until the session deadline.
func (c *core) sendSigned(ctx context.Context, s *models.Session, msg models.ProtocolMessage) error {
	msg.SessionID = s.ID
	msg.Nonce = s.LastNonce + 1

	key, err := c.keys.SigningKey(ctx, s.ID)
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "load signing key", err)
	}
	signed, err := codec.SignMessage(msg, key)
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "sign protocol message", err)
	}

	// A notice for an already-retired session skips nonce persistence;
	// the store rejects mutations after finalization.
	if !s.Finalized() {
		if err := c.machine.AcceptNonce(ctx, s, signed.Nonce); err != nil {
			return err
		}
	} else {
		s.LastNonce = signed.Nonce
	}

	c.mu.Lock()
	c.pending[s.ID] = signed
	c.mu.Unlock()

	err = c.retry.Do(ctx, s.ExpiresAt, func(ctx context.Context) error {
		return c.transport.Send(ctx, signed)
	})
	if err != nil {
		return domerrors.Wrap(domerrors.CodeTimeout, "deliver "+string(signed.Type), err)
	}
	c.emitAudit(ctx, audit.Event{
		SessionID: s.ID,
		Action:    audit.ActionMessageSent,
		Phase:     string(s.Phase),
		Detail:    string(signed.Type),
	})
	return nil
}

// Retransmit resends the last unacknowledged message for a session with the
// same nonce and the retransmission flag set. The receiver acknowledges
// without applying a duplicate transition.
func (c *core) Retransmit(ctx context.Context, sessionID id.SessionID) error {
	c.mu.Lock()
	msg, ok := c.pending[sessionID]
	c.mu.Unlock()
	if !ok {
		return domerrors.New(domerrors.CodeNotFound, "no pending message for session "+sessionID.String())
	}

	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Finalized() {
		return domerrors.New(domerrors.CodeValidation, "session already finalized")
	}

	msg.IsRetransmission = true
	key, err := c.keys.SigningKey(ctx, sessionID)
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "load signing key", err)
	}
	signed, err := codec.SignMessage(msg, key)
	if err != nil {
		return domerrors.Wrap(domerrors.CodeInternal, "sign protocol message", err)
	}

	err = c.retry.Do(ctx, s.ExpiresAt, func(ctx context.Context) error {
		return c.transport.Send(ctx, signed)
	})
	if err != nil {
		return domerrors.Wrap(domerrors.CodeTimeout, "retransmit "+string(signed.Type), err)
	}
	return nil
}

// acknowledge clears the pending retransmission slot once the counterparty
// has answered.
func (c *core) acknowledge(sessionID id.SessionID) {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

// validate runs the shared inbound checks and records the nonce on success.
// proceed=false with nil error means a benign retransmission that needs no
// further processing.
func (c *core) validate(ctx context.Context, s *models.Session, msg models.ProtocolMessage) (bool, error) {
	senderKey, err := c.keys.VerifyingKey(ctx, s.ID, c.role.Opposite())
	if err != nil {
		return false, domerrors.Wrap(domerrors.CodeInternal, "load verifying key", err)
	}
	proceed, err := c.machine.ValidateInbound(ctx, s, msg, senderKey)
	if err != nil || !proceed {
		return proceed, err
	}
	if err := c.machine.AcceptNonce(ctx, s, msg.Nonce); err != nil {
		return false, err
	}
	c.acknowledge(s.ID)
	return true, nil
}

// sendRollbackNotice informs the counterparty that this side has finalized a
// rollback or abort. Delivery is best effort: the remote sweep resolves the
// session anyway if the notice is lost.
func (c *core) sendRollbackNotice(ctx context.Context, s *models.Session, reason string) {
	err := c.sendSigned(ctx, s, models.ProtocolMessage{
		Type:   models.MessageRollbackNotice,
		Phase:  s.Phase,
		Reason: reason,
	})
	if err != nil {
		c.log.Printf("session %s: rollback notice not delivered: %v", s.ID, err)
	}
}

// requireEvidence rejects messages whose type mandates an evidence payload.
func requireEvidence(msg models.ProtocolMessage) (models.Evidence, error) {
	if msg.Evidence == nil {
		return models.Evidence{}, domerrors.New(domerrors.CodeValidation, string(msg.Type)+" message carries no evidence")
	}
	return *msg.Evidence, nil
}
