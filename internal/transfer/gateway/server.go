package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"crosslock/internal/audit"
	"crosslock/internal/transfer/codec"
	"crosslock/internal/transfer/metrics"
	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/ports"
	"crosslock/internal/transfer/statemachine"
	"crosslock/internal/transfer/store"
	"crosslock/pkg/domerrors"
	"crosslock/pkg/platform/sentinel"
)

// Server is the reacting gateway. It never initiates anything: every mutation
// it performs is triggered by a validated inbound message, applied through
// the same state machine the client uses.
type Server struct {
	core
}

func NewServer(st store.Store, machine *statemachine.Machine, keys ports.KeyProvider, transport ports.Transport, mt *metrics.Metrics, logger *log.Logger, retry statemachine.RetryPolicy) *Server {
	return &Server{core: newCore(models.RoleServer, st, machine, keys, transport, mt, logger, retry)}
}

// HandleInboundMessage validates and applies one message from the remote
// client gateway, returning the resulting session snapshot.
func (s *Server) HandleInboundMessage(ctx context.Context, msg models.ProtocolMessage) (*models.Session, error) {
	if msg.Type == models.MessageProposeTransfer {
		return s.handlePropose(ctx, msg)
	}

	session, err := s.store.Get(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.MessagesRejected.WithLabelValues("unknown_session").Inc()
			return nil, domerrors.New(domerrors.CodeValidation, "message for unknown session "+msg.SessionID.String())
		}
		return nil, err
	}

	wasFinal := session.Finalized()

	proceed, err := s.validate(ctx, session, msg)
	if err != nil {
		return s.resolve(ctx, session, wasFinal), err
	}
	if !proceed {
		return session, nil
	}

	switch msg.Type {
	case models.MessageLockEvidence:
		err = s.handleLockEvidence(ctx, session, msg)
	case models.MessageFinalizeAck:
		err = s.handleFinalizeAck(ctx, session, msg)
	case models.MessageRollbackNotice:
		err = s.handleRollbackNotice(ctx, session, msg)
	case models.MessageRecover:
		err = s.handleRecover(ctx, session)
	default:
		s.metrics.MessagesRejected.WithLabelValues("wrong_role").Inc()
		err = domerrors.New(domerrors.CodeValidation, "server gateway cannot process "+string(msg.Type))
	}
	return s.resolve(ctx, session, wasFinal), err
}

// handlePropose opens the server's half of the session and answers with
// signed acceptance evidence. A duplicate proposal for a known session is
// answered by retransmitting the acceptance instead of re-creating state.
func (s *Server) handlePropose(ctx context.Context, msg models.ProtocolMessage) (*models.Session, error) {
	senderKey, err := s.keys.VerifyingKey(ctx, msg.SessionID, models.RoleClient)
	if err != nil {
		return nil, domerrors.Wrap(domerrors.CodeInternal, "load verifying key", err)
	}
	if !codec.VerifyMessage(msg, senderKey) {
		s.metrics.MessagesRejected.WithLabelValues("bad_signature").Inc()
		return nil, domerrors.New(domerrors.CodeValidation, "message signature failed verification")
	}
	if msg.Proposal == nil {
		s.metrics.MessagesRejected.WithLabelValues("malformed").Inc()
		return nil, domerrors.New(domerrors.CodeValidation, "ProposeTransfer message carries no proposal")
	}
	if !msg.Proposal.ExpiresAt.After(s.clock()) {
		s.metrics.MessagesRejected.WithLabelValues("expired").Inc()
		return nil, domerrors.New(domerrors.CodeValidation, "proposed transfer deadline is in the past")
	}

	existing, err := s.store.Get(ctx, msg.SessionID)
	if err == nil {
		if msg.IsRetransmission {
			if rerr := s.Retransmit(ctx, existing.ID); rerr != nil {
				return existing, rerr
			}
			return existing, nil
		}
		s.metrics.MessagesRejected.WithLabelValues("duplicate_session").Inc()
		return existing, domerrors.New(domerrors.CodeConflict, "session already exists")
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}

	session := &models.Session{
		ID:                   msg.SessionID,
		Role:                 models.RoleServer,
		Phase:                models.PhaseInitiated,
		Asset:                msg.Proposal.Asset,
		SourceLedgerRef:      msg.Proposal.SourceLedgerRef,
		DestinationLedgerRef: msg.Proposal.DestinationLedgerRef,
		ExpiresAt:            msg.Proposal.ExpiresAt,
		CreatedAt:            s.clock(),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}
	if err := s.machine.AcceptNonce(ctx, session, msg.Nonce); err != nil {
		return s.snapshot(ctx, session), err
	}
	s.log.Printf("session %s: accepted inbound proposal for %s x%d", session.ID, session.Asset.AssetID, session.Asset.Quantity)
	s.emitAudit(ctx, audit.Event{
		SessionID: session.ID,
		Action:    audit.ActionSessionCreated,
		Phase:     string(session.Phase),
	})

	acceptEv, err := s.machine.ProduceAcceptance(ctx, session)
	if err != nil {
		return s.snapshot(ctx, session), err
	}
	err = s.sendSigned(ctx, session, models.ProtocolMessage{
		Type:     models.MessageAcceptTransfer,
		Phase:    models.PhaseProposalAccepted,
		Evidence: &acceptEv,
	})
	if err != nil {
		if ferr := s.machine.ForceRollback(ctx, session, "acceptance delivery failed: "+err.Error()); ferr != nil {
			return s.resolve(ctx, session, false), ferr
		}
	}
	return s.resolve(ctx, session, false), err
}

// handleLockEvidence verifies the source lock, commits on the destination
// ledger, and ships the commit evidence back.
func (s *Server) handleLockEvidence(ctx context.Context, session *models.Session, msg models.ProtocolMessage) error {
	ev, err := requireEvidence(msg)
	if err != nil {
		return err
	}
	if err := s.machine.RecordLockEvidence(ctx, session, ev); err != nil {
		if session.Finalized() {
			s.sendRollbackNotice(ctx, session, session.FailureReason)
		}
		return err
	}

	commitEv, err := s.machine.CommitDestination(ctx, session)
	if err != nil {
		s.sendRollbackNotice(ctx, session, session.FailureReason)
		return err
	}

	return s.sendSigned(ctx, session, models.ProtocolMessage{
		Type:     models.MessageCommitEvidence,
		Phase:    models.PhaseDestinationCommitted,
		Evidence: &commitEv,
	})
}

// handleFinalizeAck applies the closing evidence and finalizes as committed.
func (s *Server) handleFinalizeAck(ctx context.Context, session *models.Session, msg models.ProtocolMessage) error {
	ev, err := requireEvidence(msg)
	if err != nil {
		return err
	}
	if err := s.machine.RecordFinalize(ctx, session, ev); err != nil {
		return err
	}
	if err := s.machine.VerifyReceipts(ctx, session); err != nil {
		return s.machine.ForceAbort(ctx, session, "receipt verification failed at finalize: "+err.Error())
	}
	return s.machine.FinalizeCommitted(ctx, session)
}

// handleRollbackNotice resolves the session the way the counterparty did:
// rollback before the point of no return, abort after.
func (s *Server) handleRollbackNotice(ctx context.Context, session *models.Session, msg models.ProtocolMessage) error {
	reason := msg.Reason
	if reason == "" {
		reason = "counterparty requested rollback"
	}
	return s.machine.ForceRollback(ctx, session, reason)
}

// handleRecover answers a restarted counterparty with a session snapshot so
// it can resynchronize its expectations.
func (s *Server) handleRecover(ctx context.Context, session *models.Session) error {
	last := time.Time{}
	if n := len(session.EvidenceLog); n > 0 {
		last = session.EvidenceLog[n-1].Timestamp
	}
	return s.sendSigned(ctx, session, models.ProtocolMessage{
		Type:             models.MessageRecoverUpdate,
		Phase:            session.Phase,
		SequenceNumber:   session.LastNonce,
		LastLogTimestamp: last,
	})
}
