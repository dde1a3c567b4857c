package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"crosslock/internal/audit"
	"crosslock/internal/transfer/metrics"
	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/ports"
	"crosslock/internal/transfer/statemachine"
	"crosslock/internal/transfer/store"
	id "crosslock/pkg/domain"
	"crosslock/pkg/domerrors"
	"crosslock/pkg/platform/sentinel"
)

// Client is the initiating gateway. It owns transfer initiation, deadline
// enforcement, and retransmission of the last unacknowledged message.
type Client struct {
	core
}

func NewClient(st store.Store, machine *statemachine.Machine, keys ports.KeyProvider, transport ports.Transport, mt *metrics.Metrics, logger *log.Logger, retry statemachine.RetryPolicy) *Client {
	return &Client{core: newCore(models.RoleClient, st, machine, keys, transport, mt, logger, retry)}
}

// InitiateTransfer opens a new session and sends the transfer proposal to the
// remote gateway. The returned session ID is the handle for status queries.
func (c *Client) InitiateTransfer(ctx context.Context, asset models.AssetDescriptor, sourceRef, destRef string, deadline time.Time) (id.SessionID, error) {
	if asset.AssetID == "" || asset.Quantity == 0 {
		return id.SessionID{}, domerrors.New(domerrors.CodeBadRequest, "asset descriptor requires an id and a non-zero quantity")
	}
	if !deadline.After(c.clock()) {
		return id.SessionID{}, domerrors.New(domerrors.CodeBadRequest, "transfer deadline is in the past")
	}

	session := &models.Session{
		ID:                   id.NewSessionID(),
		Role:                 models.RoleClient,
		Phase:                models.PhaseInitiated,
		Asset:                asset,
		SourceLedgerRef:      sourceRef,
		DestinationLedgerRef: destRef,
		ExpiresAt:            deadline,
		CreatedAt:            c.clock(),
	}
	if err := c.store.Create(ctx, session); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return id.SessionID{}, domerrors.New(domerrors.CodeConflict, "session already exists")
		}
		return id.SessionID{}, err
	}
	c.metrics.TransfersStarted.Inc()
	c.log.Printf("session %s: initiating transfer of %s x%d from %s to %s", session.ID, asset.AssetID, asset.Quantity, sourceRef, destRef)
	c.emitAudit(ctx, audit.Event{
		SessionID: session.ID,
		Action:    audit.ActionSessionCreated,
		Phase:     string(session.Phase),
	})

	err := c.sendSigned(ctx, session, models.ProtocolMessage{
		Type:  models.MessageProposeTransfer,
		Phase: models.PhaseInitiated,
		Proposal: &models.TransferProposal{
			Asset:                asset,
			SourceLedgerRef:      sourceRef,
			DestinationLedgerRef: destRef,
			ExpiresAt:            deadline,
		},
	})
	if err != nil {
		if ferr := c.machine.ForceRollback(ctx, session, "proposal delivery failed: "+err.Error()); ferr != nil {
			return session.ID, ferr
		}
		return session.ID, err
	}
	return session.ID, nil
}

// HandleInboundMessage processes a message from the remote server gateway and
// returns the resulting session snapshot. Every failure resolves to a defined
// outcome; the session is never left ambiguous.
func (c *Client) HandleInboundMessage(ctx context.Context, msg models.ProtocolMessage) (*models.Session, error) {
	session, err := c.store.Get(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			c.metrics.MessagesRejected.WithLabelValues("unknown_session").Inc()
			return nil, domerrors.New(domerrors.CodeValidation, "message for unknown session "+msg.SessionID.String())
		}
		return nil, err
	}

	wasFinal := session.Finalized()

	proceed, err := c.validate(ctx, session, msg)
	if err != nil {
		return c.resolve(ctx, session, wasFinal), err
	}
	if !proceed {
		return session, nil
	}

	switch msg.Type {
	case models.MessageAcceptTransfer:
		err = c.handleAccept(ctx, session, msg)
	case models.MessageCommitEvidence:
		err = c.handleCommitEvidence(ctx, session, msg)
	case models.MessageRollbackNotice:
		err = c.handleRollbackNotice(ctx, session, msg)
	case models.MessageRecoverUpdate:
		// Snapshot reply to an earlier Recover; the nonce was already
		// advanced by validate, nothing else to apply.
	default:
		c.metrics.MessagesRejected.WithLabelValues("wrong_role").Inc()
		err = domerrors.New(domerrors.CodeValidation, "client gateway cannot process "+string(msg.Type))
	}
	return c.resolve(ctx, session, wasFinal), err
}

// handleAccept records the counterparty's acceptance, locks the source
// ledger, and ships the lock evidence.
func (c *Client) handleAccept(ctx context.Context, session *models.Session, msg models.ProtocolMessage) error {
	ev, err := requireEvidence(msg)
	if err != nil {
		return err
	}
	if err := c.machine.RecordAcceptance(ctx, session, ev); err != nil {
		return err
	}

	lockEv, err := c.machine.LockSource(ctx, session)
	if err != nil {
		c.sendRollbackNotice(ctx, session, session.FailureReason)
		return err
	}

	return c.sendSigned(ctx, session, models.ProtocolMessage{
		Type:     models.MessageLockEvidence,
		Phase:    models.PhaseSourceLocked,
		Evidence: &lockEv,
	})
}

// handleCommitEvidence completes the transfer: it validates the destination
// commit, re-verifies the local lock receipt, emits the closing evidence, and
// finalizes as committed.
func (c *Client) handleCommitEvidence(ctx context.Context, session *models.Session, msg models.ProtocolMessage) error {
	ev, err := requireEvidence(msg)
	if err != nil {
		return err
	}
	if err := c.machine.RecordCommitEvidence(ctx, session, ev); err != nil {
		return err
	}

	if err := c.machine.VerifyReceipts(ctx, session); err != nil {
		return c.abortAndNotify(ctx, session, "receipt verification failed after commit: "+err.Error())
	}

	finalEv, err := c.machine.ProduceFinalize(ctx, session)
	if err != nil {
		return err
	}
	err = c.sendSigned(ctx, session, models.ProtocolMessage{
		Type:     models.MessageFinalizeAck,
		Phase:    models.PhaseCommitEvidenceExchanged,
		Evidence: &finalEv,
	})
	if err != nil {
		// The commit evidence is already accepted on both ledgers; an
		// undeliverable ack aborts for manual reconciliation instead
		// of rolling back a consumed lock.
		return c.abortAndNotify(ctx, session, "finalize ack delivery failed: "+err.Error())
	}
	return c.machine.FinalizeCommitted(ctx, session)
}

func (c *Client) handleRollbackNotice(ctx context.Context, session *models.Session, msg models.ProtocolMessage) error {
	reason := msg.Reason
	if reason == "" {
		reason = "counterparty requested rollback"
	}
	return c.machine.ForceRollback(ctx, session, reason)
}

// RequestRecovery asks the counterparty for a session snapshot after a
// restart, so an in-flight session resynchronizes instead of timing out.
func (c *Client) RequestRecovery(ctx context.Context, sessionID id.SessionID) error {
	session, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	last := time.Time{}
	if n := len(session.EvidenceLog); n > 0 {
		last = session.EvidenceLog[n-1].Timestamp
	}
	return c.sendSigned(ctx, session, models.ProtocolMessage{
		Type:             models.MessageRecover,
		Phase:            session.Phase,
		SequenceNumber:   session.LastNonce,
		LastLogTimestamp: last,
	})
}

func (c *Client) abortAndNotify(ctx context.Context, session *models.Session, reason string) error {
	if err := c.machine.ForceAbort(ctx, session, reason); err != nil {
		return err
	}
	c.sendRollbackNotice(ctx, session, reason)
	return domerrors.New(domerrors.CodeProtocolViolation, reason)
}

// snapshot refreshes the session from the store so the caller sees the final
// persisted state even after partial failures.
func (c *core) snapshot(ctx context.Context, session *models.Session) *models.Session {
	if fresh, err := c.store.Get(ctx, session.ID); err == nil {
		return fresh
	}
	return session
}

// resolve snapshots the session and emits the terminal audit record when the
// handled message pushed it over the line.
func (c *core) resolve(ctx context.Context, session *models.Session, wasFinal bool) *models.Session {
	snap := c.snapshot(ctx, session)
	if !wasFinal {
		c.auditOutcome(ctx, snap)
	}
	return snap
}
