package audit

import (
	"context"
	"time"

	id "crosslock/pkg/domain"
)

// Sink receives a copy of every event after it is persisted, for streaming
// pipelines. A nil sink is allowed.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store Store
	sink  Sink
}

func NewPublisher(store Store, sink Sink) *Publisher {
	return &Publisher{store: store, sink: sink}
}

func (p *Publisher) Emit(ctx context.Context, base Event) error {
	if base.Timestamp.IsZero() {
		base.Timestamp = time.Now()
	}
	if err := p.store.Append(ctx, base); err != nil {
		return err
	}
	if p.sink != nil {
		return p.sink.Publish(ctx, base)
	}
	return nil
}

func (p *Publisher) List(ctx context.Context, sessionID id.SessionID) ([]Event, error) {
	return p.store.ListBySession(ctx, sessionID)
}
