// Package kafka streams audit events to a Kafka topic so external
// compliance consumers can follow transfer outcomes.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"crosslock/internal/audit"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher produces audit events to a single topic, keyed by session ID so
// per-session ordering is preserved across partitions.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *log.Logger
}

// New connects to the brokers and ensures the topic exists.
func New(ctx context.Context, brokers []string, topic string, lg *log.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, 3, 1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}

	return &Publisher{client: client, topic: topic, log: lg}, nil
}

type wireEvent struct {
	Timestamp     string `json:"timestamp"`
	SessionID     string `json:"sessionID"`
	Action        string `json:"action"`
	Phase         string `json:"phase,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Detail        string `json:"detail,omitempty"`
	EvidenceCount int    `json:"evidenceCount"`
}

// Publish produces one event and waits for broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(wireEvent{
		Timestamp:     event.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID:     event.SessionID.String(),
		Action:        string(event.Action),
		Phase:         event.Phase,
		Outcome:       event.Outcome,
		Reason:        event.Reason,
		Detail:        event.Detail,
		EvidenceCount: event.EvidenceCount,
	})
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.SessionID.String()),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes outstanding records and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}
