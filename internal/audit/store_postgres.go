package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	id "crosslock/pkg/domain"

	_ "github.com/lib/pq"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS transfer_audit (
	id             BIGSERIAL PRIMARY KEY,
	session_id     UUID        NOT NULL,
	action         TEXT        NOT NULL,
	phase          TEXT        NOT NULL DEFAULT '',
	outcome        TEXT        NOT NULL DEFAULT '',
	reason         TEXT        NOT NULL DEFAULT '',
	detail         TEXT        NOT NULL DEFAULT '',
	evidence_count INT         NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transfer_audit_session_idx ON transfer_audit (session_id, id);
`

// PostgresStore persists audit events in PostgreSQL, append-only.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed audit store. dsn is a lib/pq
// connection string.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection pool, for tests.
func NewPostgresFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	query := `
		INSERT INTO transfer_audit (session_id, action, phase, outcome, reason, detail, evidence_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.SessionID.String(), string(event.Action), event.Phase,
		event.Outcome, event.Reason, event.Detail, event.EvidenceCount, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID id.SessionID) ([]Event, error) {
	query := `
		SELECT session_id, action, phase, outcome, reason, detail, evidence_count, created_at
		FROM transfer_audit
		WHERE session_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			rawID     string
			action    string
			createdAt time.Time
		)
		if err := rows.Scan(&rawID, &action, &e.Phase, &e.Outcome, &e.Reason, &e.Detail, &e.EvidenceCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		sid, err := id.ParseSessionID(rawID)
		if err != nil {
			return nil, fmt.Errorf("scan audit session id: %w", err)
		}
		e.SessionID = sid
		e.Action = Action(action)
		e.Timestamp = createdAt
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
