package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosslock/internal/audit"
	id "crosslock/pkg/domain"
)

type captureSink struct {
	events []audit.Event
	err    error
}

func (s *captureSink) Publish(_ context.Context, event audit.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func TestEmitPersistsAndFansOut(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	pub := audit.NewPublisher(audit.NewInMemoryStore(), sink)

	sessionID := id.NewSessionID()
	require.NoError(t, pub.Emit(ctx, audit.Event{
		SessionID: sessionID,
		Action:    audit.ActionSessionCreated,
		Phase:     "initiated",
	}))

	events, err := pub.List(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionSessionCreated, events[0].Action)
	assert.False(t, events[0].Timestamp.IsZero(), "a missing timestamp is filled in")

	require.Len(t, sink.events, 1)
	assert.Equal(t, events[0], sink.events[0])
}

func TestEmitKeepsCallerTimestamp(t *testing.T) {
	ctx := context.Background()
	pub := audit.NewPublisher(audit.NewInMemoryStore(), nil)

	sessionID := id.NewSessionID()
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(ctx, audit.Event{
		Timestamp: stamp,
		SessionID: sessionID,
		Action:    audit.ActionFinalized,
	}))

	events, err := pub.List(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stamp, events[0].Timestamp)
}

func TestEmitSurfacesSinkFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("broker unavailable")
	st := audit.NewInMemoryStore()
	pub := audit.NewPublisher(st, &captureSink{err: boom})

	sessionID := id.NewSessionID()
	err := pub.Emit(ctx, audit.Event{SessionID: sessionID, Action: audit.ActionMessageSent})
	require.ErrorIs(t, err, boom)

	events, listErr := st.ListBySession(ctx, sessionID)
	require.NoError(t, listErr)
	assert.Len(t, events, 1, "the event is persisted before the sink runs")
}

func TestListPreservesOrderPerSession(t *testing.T) {
	ctx := context.Background()
	pub := audit.NewPublisher(audit.NewInMemoryStore(), nil)

	first := id.NewSessionID()
	second := id.NewSessionID()
	actions := []audit.Action{audit.ActionSessionCreated, audit.ActionMessageSent, audit.ActionFinalized}
	for _, a := range actions {
		require.NoError(t, pub.Emit(ctx, audit.Event{SessionID: first, Action: a}))
	}
	require.NoError(t, pub.Emit(ctx, audit.Event{SessionID: second, Action: audit.ActionSessionCreated}))

	events, err := pub.List(ctx, first)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, a := range actions {
		assert.Equal(t, a, events[i].Action)
	}

	events, err = pub.List(ctx, second)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
