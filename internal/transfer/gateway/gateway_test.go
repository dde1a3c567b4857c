package gateway_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"crosslock/internal/audit"
	"crosslock/internal/transfer/codec"
	"crosslock/internal/transfer/gateway"
	"crosslock/internal/transfer/keys"
	"crosslock/internal/transfer/ledger"
	"crosslock/internal/transfer/metrics"
	"crosslock/internal/transfer/mocks"
	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/ports"
	"crosslock/internal/transfer/statemachine"
	"crosslock/internal/transfer/store"
	id "crosslock/pkg/domain"
	"crosslock/pkg/domerrors"
)

// queue is an in-process transport that parks messages for the test harness
// to deliver, standing in for the HTTP peer sender.
type queue struct {
	mu   sync.Mutex
	msgs []models.ProtocolMessage
}

func (q *queue) Send(_ context.Context, msg models.ProtocolMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *queue) pop() (models.ProtocolMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return models.ProtocolMessage{}, false
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

// harness wires a client and a server gateway back to back, each with its own
// store and ledger, the way two real deployments face each other.
type harness struct {
	client      *gateway.Client
	server      *gateway.Server
	clientStore *store.InMemoryStore
	serverStore *store.InMemoryStore
	clientAudit *audit.Publisher
	clientKeys  keys.Pair
	serverKeys  keys.Pair
	toServer    *queue
	toClient    *queue
}

func newHarness(t *testing.T, clientLedger, serverLedger ports.LedgerAdapter) *harness {
	t.Helper()

	clientKeys, err := keys.Generate()
	require.NoError(t, err)
	serverKeys, err := keys.Generate()
	require.NoError(t, err)

	logger := log.New(io.Discard, "", 0)
	retry := statemachine.NewRetryPolicy(2, time.Millisecond)
	cd := codec.New(time.Minute)

	h := &harness{
		clientStore: store.NewInMemoryStore(),
		serverStore: store.NewInMemoryStore(),
		clientKeys:  clientKeys,
		serverKeys:  serverKeys,
		toServer:    &queue{},
		toClient:    &queue{},
	}

	clientProvider := keys.NewStaticProvider(models.RoleClient, clientKeys, serverKeys.Public)
	serverProvider := keys.NewStaticProvider(models.RoleServer, serverKeys, clientKeys.Public)

	clientMetrics := metrics.NewWith(prometheus.NewRegistry())
	serverMetrics := metrics.NewWith(prometheus.NewRegistry())

	clientMachine := statemachine.New(h.clientStore, cd, clientLedger, clientProvider, clientMetrics, logger, retry)
	serverMachine := statemachine.New(h.serverStore, cd, serverLedger, serverProvider, serverMetrics, logger, retry)

	h.client = gateway.NewClient(h.clientStore, clientMachine, clientProvider, h.toServer, clientMetrics, logger, retry)
	h.server = gateway.NewServer(h.serverStore, serverMachine, serverProvider, h.toClient, serverMetrics, logger, retry)

	h.clientAudit = audit.NewPublisher(audit.NewInMemoryStore(), nil)
	h.client.WithAudit(h.clientAudit)

	return h
}

// pump delivers queued messages in both directions until the wire is quiet,
// collecting handler errors for the test to inspect.
func (h *harness) pump(ctx context.Context) []error {
	var errs []error
	for i := 0; i < 64; i++ {
		msg, ok := h.toServer.pop()
		if ok {
			if _, err := h.server.HandleInboundMessage(ctx, msg); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		msg, ok = h.toClient.pop()
		if ok {
			if _, err := h.client.HandleInboundMessage(ctx, msg); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		return errs
	}
	return errs
}

func (h *harness) sessions(t *testing.T, sessionID id.SessionID) (client, server *models.Session) {
	t.Helper()
	ctx := context.Background()
	client, err := h.clientStore.Get(ctx, sessionID)
	require.NoError(t, err)
	server, err = h.serverStore.Get(ctx, sessionID)
	require.NoError(t, err)
	return client, server
}

func initiate(t *testing.T, h *harness) id.SessionID {
	t.Helper()
	sessionID, err := h.client.InitiateTransfer(
		context.Background(),
		models.AssetDescriptor{AssetID: "bond-42", Quantity: 10},
		"ledger-a/accounts/1",
		"ledger-b/accounts/9",
		time.Now().Add(time.Hour),
	)
	require.NoError(t, err)
	return sessionID
}

func TestTransferCompletesOnBothSides(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewInMemory(), ledger.NewInMemory())

	sessionID := initiate(t, h)
	errs := h.pump(ctx)
	require.Empty(t, errs)

	clientSess, serverSess := h.sessions(t, sessionID)
	for _, s := range []*models.Session{clientSess, serverSess} {
		assert.Equal(t, models.PhaseFinalized, s.Phase)
		assert.Equal(t, models.OutcomeCommitted, s.Outcome)
		assert.Len(t, s.EvidenceLog, 4)
	}
	require.NotNil(t, clientSess.LockReceipt)
	require.NotNil(t, serverSess.CommitReceipt)
	assert.Equal(t, uint64(5), clientSess.LastNonce)
	assert.Equal(t, uint64(5), serverSess.LastNonce)

	events, err := h.clientAudit.List(ctx, sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.ActionSessionCreated, events[0].Action)
	last := events[len(events)-1]
	assert.Equal(t, audit.ActionFinalized, last.Action)
	assert.Equal(t, string(models.OutcomeCommitted), last.Outcome)
	assert.Equal(t, 4, last.EvidenceCount)
}

func TestSourceLockFailureRollsBackBothSides(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	clientLedger := mocks.NewMockLedgerAdapter(ctrl)
	clientLedger.EXPECT().Lock(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.LockReceipt{}, errors.New("asset already locked")).Times(2)

	h := newHarness(t, clientLedger, ledger.NewInMemory())

	sessionID := initiate(t, h)
	errs := h.pump(ctx)
	require.NotEmpty(t, errs)

	clientSess, serverSess := h.sessions(t, sessionID)
	assert.Equal(t, models.OutcomeRolledBack, clientSess.Outcome)
	assert.Equal(t, models.OutcomeRolledBack, serverSess.Outcome)
	assert.Contains(t, clientSess.FailureReason, "source ledger lock failed")
}

func TestDestinationCommitFailureRollsBackBothSides(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	serverLedger := mocks.NewMockLedgerAdapter(ctrl)
	serverLedger.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.CommitReceipt{}, errors.New("destination account frozen")).Times(2)

	h := newHarness(t, ledger.NewInMemory(), serverLedger)

	sessionID := initiate(t, h)
	errs := h.pump(ctx)
	require.NotEmpty(t, errs)

	clientSess, serverSess := h.sessions(t, sessionID)
	assert.Equal(t, models.OutcomeRolledBack, clientSess.Outcome)
	assert.Equal(t, models.OutcomeRolledBack, serverSess.Outcome)
	// The source-side lock was released when the rollback notice arrived.
	require.NotNil(t, clientSess.LockReceipt)
}

func TestReceiptFailureAfterCommitAbortsBothSides(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	clientLedger := mocks.NewMockLedgerAdapter(ctrl)
	clientLedger.EXPECT().Lock(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.LockReceipt{Ref: "lock-1", LockedAt: time.Now()}, nil)
	clientLedger.EXPECT().VerifyLock(gomock.Any(), gomock.Any()).Return(false, nil)

	h := newHarness(t, clientLedger, ledger.NewInMemory())

	sessionID := initiate(t, h)
	errs := h.pump(ctx)
	require.NotEmpty(t, errs)

	var ge domerrors.GatewayError
	require.ErrorAs(t, errs[0], &ge)
	assert.Equal(t, domerrors.CodeProtocolViolation, ge.Code)

	clientSess, serverSess := h.sessions(t, sessionID)
	assert.Equal(t, models.OutcomeAborted, clientSess.Outcome)
	assert.Equal(t, models.OutcomeAborted, serverSess.Outcome,
		"past the point of no return the notice aborts instead of rolling back")
}

func TestRetransmittedProposalDoesNotDuplicateState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewInMemory(), ledger.NewInMemory())

	sessionID := initiate(t, h)

	// Deliver the proposal once, then replay it as a retransmission before
	// the client has consumed the acceptance.
	propose, ok := h.toServer.pop()
	require.True(t, ok)
	_, err := h.server.HandleInboundMessage(ctx, propose)
	require.NoError(t, err)

	require.NoError(t, h.client.Retransmit(ctx, sessionID))
	replay, ok := h.toServer.pop()
	require.True(t, ok)
	assert.True(t, replay.IsRetransmission)
	_, err = h.server.HandleInboundMessage(ctx, replay)
	require.NoError(t, err)

	_, serverSess := h.sessions(t, sessionID)
	assert.Equal(t, models.PhaseProposalAccepted, serverSess.Phase)
	assert.Len(t, serverSess.EvidenceLog, 1, "the replay must not mint a second acceptance")

	// The client consumes the original acceptance and moves on; the
	// retransmitted copy arrives after the nonce counter has advanced and
	// is rejected without touching session state.
	accept, ok := h.toClient.pop()
	require.True(t, ok)
	replayedAccept, ok := h.toClient.pop()
	require.True(t, ok)
	_, err = h.client.HandleInboundMessage(ctx, accept)
	require.NoError(t, err)
	_, err = h.client.HandleInboundMessage(ctx, replayedAccept)
	var ge domerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, domerrors.CodeValidation, ge.Code)

	clientSess, _ := h.sessions(t, sessionID)
	assert.Equal(t, models.PhaseSourceLocked, clientSess.Phase)
	assert.Len(t, clientSess.EvidenceLog, 2)

	errs := h.pump(ctx)
	require.Empty(t, errs)

	clientSess, serverSess = h.sessions(t, sessionID)
	assert.Equal(t, models.OutcomeCommitted, clientSess.Outcome)
	assert.Equal(t, models.OutcomeCommitted, serverSess.Outcome)
}

func TestDuplicateFinalizeAckIsAcknowledgedQuietly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewInMemory(), ledger.NewInMemory())

	_ = initiate(t, h)
	propose, _ := h.toServer.pop()
	_, err := h.server.HandleInboundMessage(ctx, propose)
	require.NoError(t, err)
	accept, _ := h.toClient.pop()
	_, err = h.client.HandleInboundMessage(ctx, accept)
	require.NoError(t, err)
	lockEv, _ := h.toServer.pop()
	_, err = h.server.HandleInboundMessage(ctx, lockEv)
	require.NoError(t, err)
	commitEv, _ := h.toClient.pop()
	_, err = h.client.HandleInboundMessage(ctx, commitEv)
	require.NoError(t, err)

	finalizeAck, ok := h.toServer.pop()
	require.True(t, ok)
	_, err = h.server.HandleInboundMessage(ctx, finalizeAck)
	require.NoError(t, err)

	// The ack is delivered twice, as a transport retry would after losing
	// the response. The duplicate matches the last accepted nonce and is
	// acknowledged without error or state change.
	finalizeAck.IsRetransmission = true
	finalizeAck, err = codec.SignMessage(finalizeAck, h.clientKeys.Private)
	require.NoError(t, err)
	snap, err := h.server.HandleInboundMessage(ctx, finalizeAck)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCommitted, snap.Outcome)
	assert.Len(t, snap.EvidenceLog, 4)
}

func TestDuplicateProposalWithoutFlagConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewInMemory(), ledger.NewInMemory())

	_ = initiate(t, h)
	propose, ok := h.toServer.pop()
	require.True(t, ok)
	_, err := h.server.HandleInboundMessage(ctx, propose)
	require.NoError(t, err)

	_, err = h.server.HandleInboundMessage(ctx, propose)
	var ge domerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, domerrors.CodeConflict, ge.Code)
}

func TestInboundMessageForUnknownSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewInMemory(), ledger.NewInMemory())

	_, err := h.client.HandleInboundMessage(ctx, models.ProtocolMessage{
		SessionID: id.NewSessionID(),
		Type:      models.MessageAcceptTransfer,
		Nonce:     2,
	})
	var ge domerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, domerrors.CodeValidation, ge.Code)
}

func TestGetSessionStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewInMemory(), ledger.NewInMemory())

	sessionID := initiate(t, h)

	s, err := h.client.GetSessionStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, s.ID)

	_, err = h.client.GetSessionStatus(ctx, id.NewSessionID())
	var ge domerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, domerrors.CodeNotFound, ge.Code)
}

func TestRecoveryExchange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewInMemory(), ledger.NewInMemory())

	sessionID := initiate(t, h)
	propose, ok := h.toServer.pop()
	require.True(t, ok)
	_, err := h.server.HandleInboundMessage(ctx, propose)
	require.NoError(t, err)
	accept, ok := h.toClient.pop()
	require.True(t, ok)
	_, err = h.client.HandleInboundMessage(ctx, accept)
	require.NoError(t, err)

	// Drop the lock evidence on the floor, as a crashed counterparty would,
	// and ask for a snapshot instead.
	_, ok = h.toServer.pop()
	require.True(t, ok)

	require.NoError(t, h.client.RequestRecovery(ctx, sessionID))
	recoverMsg, ok := h.toServer.pop()
	require.True(t, ok)
	assert.Equal(t, models.MessageRecover, recoverMsg.Type)

	_, err = h.server.HandleInboundMessage(ctx, recoverMsg)
	require.NoError(t, err)
	update, ok := h.toClient.pop()
	require.True(t, ok)
	assert.Equal(t, models.MessageRecoverUpdate, update.Type)
	assert.Equal(t, string(models.PhaseProposalAccepted), string(update.Phase))
	assert.NotZero(t, update.SequenceNumber)

	_, err = h.client.HandleInboundMessage(ctx, update)
	require.NoError(t, err)
}
