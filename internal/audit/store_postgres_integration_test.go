//go:build integration

package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"crosslock/internal/audit"
	id "crosslock/pkg/domain"
	"crosslock/pkg/testutil/containers"
)

type PostgresAuditSuite struct {
	suite.Suite
	container *containers.PostgresContainer
	store     *audit.PostgresStore
}

func TestPostgresAuditSuite(t *testing.T) {
	c := containers.NewPostgresContainer(t)
	suite.Run(t, &PostgresAuditSuite{container: c})
}

func (s *PostgresAuditSuite) SetupSuite() {
	st, err := audit.NewPostgres(s.container.DSN)
	s.Require().NoError(err)
	s.store = st
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresAuditSuite) TearDownSuite() {
	_ = s.store.Close()
}

func (s *PostgresAuditSuite) SetupTest() {
	_, err := s.container.Pool.Exec(context.Background(), "TRUNCATE transfer_audit")
	s.Require().NoError(err)
}

func (s *PostgresAuditSuite) TestAppendAndList() {
	ctx := context.Background()
	sessionID := id.NewSessionID()
	other := id.NewSessionID()

	events := []audit.Event{
		{Timestamp: time.Now().UTC(), SessionID: sessionID, Action: audit.ActionSessionCreated, Phase: "initiated"},
		{Timestamp: time.Now().UTC(), SessionID: sessionID, Action: audit.ActionMessageSent, Phase: "initiated", Detail: "ProposeTransfer"},
		{Timestamp: time.Now().UTC(), SessionID: sessionID, Action: audit.ActionFinalized, Phase: "finalized", Outcome: "committed", EvidenceCount: 4},
	}
	for _, e := range events {
		s.Require().NoError(s.store.Append(ctx, e))
	}
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Timestamp: time.Now().UTC(), SessionID: other, Action: audit.ActionSessionCreated,
	}))

	got, err := s.store.ListBySession(ctx, sessionID)
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.Equal(audit.ActionSessionCreated, got[0].Action)
	s.Equal(audit.ActionMessageSent, got[1].Action)
	s.Equal("ProposeTransfer", got[1].Detail)
	s.Equal(audit.ActionFinalized, got[2].Action)
	s.Equal("committed", got[2].Outcome)
	s.Equal(4, got[2].EvidenceCount)
}

func (s *PostgresAuditSuite) TestListUnknownSession() {
	got, err := s.store.ListBySession(context.Background(), id.NewSessionID())
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *PostgresAuditSuite) TestPublisherUsesStore() {
	ctx := context.Background()
	pub := audit.NewPublisher(s.store, nil)

	sessionID := id.NewSessionID()
	s.Require().NoError(pub.Emit(ctx, audit.Event{
		SessionID: sessionID,
		Action:    audit.ActionSessionCreated,
		Phase:     "initiated",
	}))

	got, err := pub.List(ctx, sessionID)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.False(got[0].Timestamp.IsZero())
}
