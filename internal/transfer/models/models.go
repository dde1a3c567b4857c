package models

import (
	"time"

	id "crosslock/pkg/domain"
)

// Role distinguishes the two gateway sides of one session. Both roles apply
// the same transition rules; the role only selects which side of an exchange
// a gateway is driving.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Opposite returns the counterparty role.
func (r Role) Opposite() Role {
	if r == RoleClient {
		return RoleServer
	}
	return RoleClient
}

// Phase is the protocol phase of a transfer session.
type Phase string

const (
	PhaseInitiated               Phase = "initiated"
	PhaseProposalAccepted        Phase = "proposal_accepted"
	PhaseSourceLocked            Phase = "source_locked"
	PhaseLockEvidenceExchanged   Phase = "lock_evidence_exchanged"
	PhaseDestinationCommitted    Phase = "destination_committed"
	PhaseCommitEvidenceExchanged Phase = "commit_evidence_exchanged"
	PhaseFinalized               Phase = "finalized"
)

// successors is the permitted forward edge for each non-terminal phase.
// Rollback edges (any pre-commit phase to finalized) are handled separately
// because their legality depends on the outcome being recorded.
var successors = map[Phase]Phase{
	PhaseInitiated:               PhaseProposalAccepted,
	PhaseProposalAccepted:        PhaseSourceLocked,
	PhaseSourceLocked:            PhaseLockEvidenceExchanged,
	PhaseLockEvidenceExchanged:   PhaseDestinationCommitted,
	PhaseDestinationCommitted:    PhaseCommitEvidenceExchanged,
	PhaseCommitEvidenceExchanged: PhaseFinalized,
}

// CanAdvance reports whether next is the permitted forward successor of p.
func (p Phase) CanAdvance(next Phase) bool {
	return successors[p] == next
}

// PastPointOfNoReturn reports whether the session has reached
// destination_committed, after which rollback is no longer attempted: the
// source-side lock has been consumed, so later failures abort for manual
// reconciliation instead.
func (p Phase) PastPointOfNoReturn() bool {
	switch p {
	case PhaseDestinationCommitted, PhaseCommitEvidenceExchanged, PhaseFinalized:
		return true
	}
	return false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	if p == PhaseFinalized {
		return true
	}
	_, ok := successors[p]
	return ok
}

// Outcome is the terminal result of a session. It is set at most once.
type Outcome string

const (
	OutcomeUnset      Outcome = ""
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeAborted    Outcome = "aborted"
)

// MessageType enumerates the protocol messages exchanged between gateways.
type MessageType string

const (
	MessageProposeTransfer MessageType = "ProposeTransfer"
	MessageAcceptTransfer  MessageType = "AcceptTransfer"
	MessageLockEvidence    MessageType = "LockEvidence"
	MessageCommitEvidence  MessageType = "CommitEvidence"
	MessageRollbackNotice  MessageType = "RollbackNotice"
	MessageFinalizeAck     MessageType = "FinalizeAck"

	// Recovery messages let a restarted gateway resynchronize an in-flight
	// session from its counterparty's store.
	MessageRecover       MessageType = "Recover"
	MessageRecoverUpdate MessageType = "RecoverUpdate"
)

// AssetDescriptor identifies the asset being moved in ledger-agnostic terms.
// LedgerRefs stay opaque; only ledger adapters resolve them.
type AssetDescriptor struct {
	AssetID  string            `json:"assetId"`
	Quantity uint64            `json:"quantity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LockReceipt is the ledger connector's proof that the asset was locked on
// the source ledger. Ref stays opaque to the core; it is persisted with the
// session so rollback still works after a restart.
type LockReceipt struct {
	Ref       string    `json:"ref"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CommitReceipt is the ledger connector's proof that the asset was committed
// on the destination ledger.
type CommitReceipt struct {
	Ref         string    `json:"ref"`
	CommittedAt time.Time `json:"committedAt"`
}

// Evidence is a signed claim that a ledger-level action occurred at a specific
// phase. The payload itself is never embedded, only its hash, so sensitive
// ledger data does not travel in cleartext.
type Evidence struct {
	SessionID   id.SessionID `json:"sessionId"`
	Phase       Phase        `json:"phase"`
	ActorRole   Role         `json:"actorRole"`
	PayloadHash string       `json:"payloadHash"`
	Signature   string       `json:"signature"`
	Timestamp   time.Time    `json:"timestamp"`
}

// TransferProposal carries the initial transfer terms on a ProposeTransfer
// message so the server side can open its half of the session.
type TransferProposal struct {
	Asset                AssetDescriptor `json:"assetDescriptor"`
	SourceLedgerRef      string          `json:"sourceLedgerRef"`
	DestinationLedgerRef string          `json:"destinationLedgerRef"`
	ExpiresAt            time.Time       `json:"expiresAt"`
}

// ProtocolMessage is the unit exchanged between gateways, carried over
// whatever transport collaborator is configured.
type ProtocolMessage struct {
	SessionID        id.SessionID      `json:"sessionId"`
	Type             MessageType       `json:"messageType"`
	Phase            Phase             `json:"phase"`
	Nonce            uint64            `json:"nonce"`
	IsRetransmission bool              `json:"isRetransmission"`
	Evidence         *Evidence         `json:"evidence"`
	Proposal         *TransferProposal `json:"proposal,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Signature        string            `json:"signature"`

	// Recovery fields, only set on Recover/RecoverUpdate messages.
	SequenceNumber   uint64    `json:"sequenceNumber,omitempty"`
	LastLogTimestamp time.Time `json:"lastLogEntryTimestamp,omitempty"`
}

// Session is the complete state of one asset-transfer attempt. It is created
// on initiation (client) or first valid inbound message (server), mutated only
// through the state machine, and retired but never deleted once Outcome is
// set.
type Session struct {
	ID                   id.SessionID    `json:"sessionId"`
	Role                 Role            `json:"role"`
	Phase                Phase           `json:"phase"`
	Asset                AssetDescriptor `json:"assetDescriptor"`
	SourceLedgerRef      string          `json:"sourceLedgerRef"`
	DestinationLedgerRef string          `json:"destinationLedgerRef"`
	EvidenceLog          []Evidence      `json:"evidenceLog"`
	LockReceipt          *LockReceipt    `json:"lockReceipt,omitempty"`
	CommitReceipt        *CommitReceipt  `json:"commitReceipt,omitempty"`
	LastNonce            uint64          `json:"lastNonce"`
	ExpiresAt            time.Time       `json:"expiresAt"`
	Outcome              Outcome         `json:"terminalOutcome"`
	FailureReason        string          `json:"failureReason,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Finalized reports whether a terminal outcome has been recorded.
func (s *Session) Finalized() bool {
	return s.Outcome != OutcomeUnset
}

// Expired reports whether the session deadline has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (s *Session) Clone() *Session {
	cp := *s
	cp.EvidenceLog = append([]Evidence(nil), s.EvidenceLog...)
	if s.LockReceipt != nil {
		lr := *s.LockReceipt
		cp.LockReceipt = &lr
	}
	if s.CommitReceipt != nil {
		cr := *s.CommitReceipt
		cp.CommitReceipt = &cr
	}
	if s.Asset.Metadata != nil {
		cp.Asset.Metadata = make(map[string]string, len(s.Asset.Metadata))
		for k, v := range s.Asset.Metadata {
			cp.Asset.Metadata[k] = v
		}
	}
	return &cp
}
