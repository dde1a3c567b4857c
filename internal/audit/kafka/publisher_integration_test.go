//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"crosslock/internal/audit"
	"crosslock/internal/audit/kafka"
	id "crosslock/pkg/domain"
	"crosslock/pkg/testutil/containers"
)

func TestPublishRoundTrip(t *testing.T) {
	ctx := context.Background()
	broker := containers.NewRedpandaContainer(t)
	logger := log.New(io.Discard, "", 0)

	const topic = "crosslock.transfer.audit.test"
	pub, err := kafka.New(ctx, broker.Brokers, topic, logger)
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	sessionID := id.NewSessionID()
	event := audit.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     sessionID,
		Action:        audit.ActionFinalized,
		Phase:         "finalized",
		Outcome:       "committed",
		EvidenceCount: 4,
	}
	require.NoError(t, pub.Publish(ctx, event))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	require.NoError(t, fetches.Err())

	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, sessionID.String(), string(records[0].Key),
		"records are keyed by session so partition order follows the session")

	var wire struct {
		SessionID     string `json:"sessionID"`
		Action        string `json:"action"`
		Outcome       string `json:"outcome"`
		EvidenceCount int    `json:"evidenceCount"`
	}
	require.NoError(t, json.Unmarshal(records[0].Value, &wire))
	assert.Equal(t, sessionID.String(), wire.SessionID)
	assert.Equal(t, string(audit.ActionFinalized), wire.Action)
	assert.Equal(t, "committed", wire.Outcome)
	assert.Equal(t, 4, wire.EvidenceCount)
}

func TestNewToleratesExistingTopic(t *testing.T) {
	ctx := context.Background()
	broker := containers.NewRedpandaContainer(t)
	logger := log.New(io.Discard, "", 0)

	const topic = "crosslock.transfer.audit.existing"
	first, err := kafka.New(ctx, broker.Brokers, topic, logger)
	require.NoError(t, err)
	first.Close()

	second, err := kafka.New(ctx, broker.Brokers, topic, logger)
	require.NoError(t, err)
	second.Close()
}
