// Package audit records the lifecycle of transfer sessions for compliance
// review. Events are append-only and transport-agnostic so stores and sinks
// can fan out.
package audit

import (
	"context"
	"time"

	id "crosslock/pkg/domain"
)

// Action names the lifecycle step an event captures.
type Action string

const (
	ActionSessionCreated Action = "session_created"
	ActionPhaseAdvanced  Action = "phase_advanced"
	ActionMessageSent    Action = "message_sent"
	ActionFinalized      Action = "finalized"
)

// Event is emitted from the transfer core at each significant step.
type Event struct {
	Timestamp     time.Time
	SessionID     id.SessionID
	Action        Action
	Phase         string
	Outcome       string
	Reason        string
	Detail        string
	EvidenceCount int
}

// Store persists events. Append must not reorder events for a session.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySession(ctx context.Context, sessionID id.SessionID) ([]Event, error)
}
