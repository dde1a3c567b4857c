package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies one asset-transfer attempt between two gateways. It is
// a domain primitive: invalid values cannot be constructed except through
// ParseSessionID or NewSessionID, so downstream code never re-validates.
type SessionID uuid.UUID

// NewSessionID generates a fresh identifier. Only the initiating (client)
// gateway calls this; the server side always parses IDs off the wire.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// ParseSessionID validates a wire-format session ID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(u), nil
}

func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether the ID is the zero value.
func (id SessionID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText keeps the canonical string form on the wire and in JSON.
func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SessionID) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
