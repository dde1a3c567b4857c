package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseCanAdvance(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
		want bool
	}{
		{"initiated to proposal_accepted", PhaseInitiated, PhaseProposalAccepted, true},
		{"proposal_accepted to source_locked", PhaseProposalAccepted, PhaseSourceLocked, true},
		{"source_locked to lock_evidence_exchanged", PhaseSourceLocked, PhaseLockEvidenceExchanged, true},
		{"lock_evidence_exchanged to destination_committed", PhaseLockEvidenceExchanged, PhaseDestinationCommitted, true},
		{"destination_committed to commit_evidence_exchanged", PhaseDestinationCommitted, PhaseCommitEvidenceExchanged, true},
		{"commit_evidence_exchanged to finalized", PhaseCommitEvidenceExchanged, PhaseFinalized, true},
		{"skip a phase", PhaseInitiated, PhaseSourceLocked, false},
		{"backwards", PhaseSourceLocked, PhaseProposalAccepted, false},
		{"out of finalized", PhaseFinalized, PhaseInitiated, false},
		{"self loop", PhaseInitiated, PhaseInitiated, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanAdvance(tt.to))
		})
	}
}

func TestPhasePastPointOfNoReturn(t *testing.T) {
	assert.False(t, PhaseInitiated.PastPointOfNoReturn())
	assert.False(t, PhaseProposalAccepted.PastPointOfNoReturn())
	assert.False(t, PhaseSourceLocked.PastPointOfNoReturn())
	assert.False(t, PhaseLockEvidenceExchanged.PastPointOfNoReturn())
	assert.True(t, PhaseDestinationCommitted.PastPointOfNoReturn())
	assert.True(t, PhaseCommitEvidenceExchanged.PastPointOfNoReturn())
	assert.True(t, PhaseFinalized.PastPointOfNoReturn())
}

func TestRoleOpposite(t *testing.T) {
	assert.Equal(t, RoleServer, RoleClient.Opposite())
	assert.Equal(t, RoleClient, RoleServer.Opposite())
}

func TestSessionFinalized(t *testing.T) {
	s := &Session{Phase: PhaseSourceLocked}
	assert.False(t, s.Finalized())
	s.Outcome = OutcomeRolledBack
	assert.True(t, s.Finalized())
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
	assert.False(t, s.Expired(s.ExpiresAt), "deadline instant itself is not expired")
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &Session{
		Phase: PhaseSourceLocked,
		Asset: AssetDescriptor{
			AssetID:  "bond-42",
			Quantity: 10,
			Metadata: map[string]string{"issuer": "acme"},
		},
		EvidenceLog: []Evidence{{Phase: PhaseProposalAccepted, PayloadHash: "abc"}},
		LockReceipt: &LockReceipt{Ref: "lock-1"},
	}

	cp := s.Clone()
	require.Equal(t, s, cp)

	cp.EvidenceLog[0].PayloadHash = "mutated"
	cp.Asset.Metadata["issuer"] = "mutated"
	cp.LockReceipt.Ref = "mutated"

	assert.Equal(t, "abc", s.EvidenceLog[0].PayloadHash)
	assert.Equal(t, "acme", s.Asset.Metadata["issuer"])
	assert.Equal(t, "lock-1", s.LockReceipt.Ref)
}
