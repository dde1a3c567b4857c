package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crosslock/internal/transfer/models"
	id "crosslock/pkg/domain"
	"crosslock/pkg/platform/sentinel"
)

// Schema for the sessions table. Applied by EnsureSchema at startup; real
// deployments can manage it with their own migration tooling instead.
const schema = `
CREATE TABLE IF NOT EXISTS transfer_sessions (
	session_id        UUID PRIMARY KEY,
	role              TEXT NOT NULL,
	phase             TEXT NOT NULL,
	asset             JSONB NOT NULL,
	source_ledger     TEXT NOT NULL,
	dest_ledger       TEXT NOT NULL,
	evidence_log      JSONB NOT NULL DEFAULT '[]',
	lock_receipt      JSONB,
	commit_receipt    JSONB,
	last_nonce        BIGINT NOT NULL DEFAULT 0,
	expires_at        TIMESTAMPTZ NOT NULL,
	outcome           TEXT NOT NULL DEFAULT '',
	failure_reason    TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transfer_sessions_deadline
	ON transfer_sessions (expires_at) WHERE outcome = '';
`

// PostgresStore persists sessions in PostgreSQL. Per-session atomicity comes
// from row-level locks: every mutation runs SELECT ... FOR UPDATE inside a
// transaction, so unrelated sessions never serialize against each other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	asset, err := json.Marshal(session.Asset)
	if err != nil {
		return fmt.Errorf("marshal asset descriptor: %w", err)
	}
	evidence, err := json.Marshal(session.EvidenceLog)
	if err != nil {
		return fmt.Errorf("marshal evidence log: %w", err)
	}
	if session.EvidenceLog == nil {
		evidence = []byte("[]")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transfer_sessions
			(session_id, role, phase, asset, source_ledger, dest_ledger, evidence_log, last_nonce, expires_at, outcome, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID.String(), string(session.Role), string(session.Phase), asset,
		session.SourceLedgerRef, session.DestinationLedgerRef, evidence,
		int64(session.LastNonce), session.ExpiresAt, string(session.Outcome), session.FailureReason,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, selectSession+` WHERE session_id = $1`, sessionID.String())
	return scanSession(row)
}

func (s *PostgresStore) AppendEvidence(ctx context.Context, sessionID id.SessionID, ev models.Evidence) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyAppendEvidence(sess, ev)
	})
}

func (s *PostgresStore) Transition(ctx context.Context, sessionID id.SessionID, next models.Phase) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyTransition(sess, next)
	})
}

func (s *PostgresStore) AdvanceNonce(ctx context.Context, sessionID id.SessionID, nonce uint64) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyAdvanceNonce(sess, nonce)
	})
}

func (s *PostgresStore) SetLockReceipt(ctx context.Context, sessionID id.SessionID, receipt models.LockReceipt) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		if sess.Finalized() {
			return sentinel.ErrAlreadyFinalized
		}
		sess.LockReceipt = &receipt
		sess.UpdatedAt = time.Now()
		return nil
	})
}

func (s *PostgresStore) SetCommitReceipt(ctx context.Context, sessionID id.SessionID, receipt models.CommitReceipt) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		if sess.Finalized() {
			return sentinel.ErrAlreadyFinalized
		}
		sess.CommitReceipt = &receipt
		sess.UpdatedAt = time.Now()
		return nil
	})
}

func (s *PostgresStore) Finalize(ctx context.Context, sessionID id.SessionID, outcome models.Outcome, reason string) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyFinalize(sess, outcome, reason)
	})
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Session, error) {
	query := selectSession + ` WHERE outcome = '' AND expires_at < $1 ORDER BY expires_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var expired []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, session)
	}
	return expired, rows.Err()
}

const selectSession = `
	SELECT session_id, role, phase, asset, source_ledger, dest_ledger,
	       evidence_log, lock_receipt, commit_receipt, last_nonce,
	       expires_at, outcome, failure_reason, created_at, updated_at
	FROM transfer_sessions`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		session                    models.Session
		rawID                      string
		role, phase, outcome       string
		asset, evidence            []byte
		lockReceipt, commitReceipt []byte
		lastNonce                  int64
	)
	err := row.Scan(&rawID, &role, &phase, &asset, &session.SourceLedgerRef,
		&session.DestinationLedgerRef, &evidence, &lockReceipt, &commitReceipt,
		&lastNonce, &session.ExpiresAt, &outcome, &session.FailureReason,
		&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.ID, err = id.ParseSessionID(rawID)
	if err != nil {
		return nil, err
	}
	session.Role = models.Role(role)
	session.Phase = models.Phase(phase)
	session.Outcome = models.Outcome(outcome)
	session.LastNonce = uint64(lastNonce)

	if err := json.Unmarshal(asset, &session.Asset); err != nil {
		return nil, fmt.Errorf("unmarshal asset descriptor: %w", err)
	}
	if err := json.Unmarshal(evidence, &session.EvidenceLog); err != nil {
		return nil, fmt.Errorf("unmarshal evidence log: %w", err)
	}
	if len(lockReceipt) > 0 {
		session.LockReceipt = &models.LockReceipt{}
		if err := json.Unmarshal(lockReceipt, session.LockReceipt); err != nil {
			return nil, fmt.Errorf("unmarshal lock receipt: %w", err)
		}
	}
	if len(commitReceipt) > 0 {
		session.CommitReceipt = &models.CommitReceipt{}
		if err := json.Unmarshal(commitReceipt, session.CommitReceipt); err != nil {
			return nil, fmt.Errorf("unmarshal commit receipt: %w", err)
		}
	}
	return &session, nil
}

// mutate loads the session row under FOR UPDATE, applies fn, and writes the
// full row back inside one transaction.
func (s *PostgresStore) mutate(ctx context.Context, sessionID id.SessionID, fn func(*models.Session) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session mutation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, selectSession+` WHERE session_id = $1 FOR UPDATE`, sessionID.String())
	session, err := scanSession(row)
	if err != nil {
		return err
	}
	if err := fn(session); err != nil {
		return err
	}

	evidence, err := json.Marshal(session.EvidenceLog)
	if err != nil {
		return fmt.Errorf("marshal evidence log: %w", err)
	}
	var lockReceipt, commitReceipt []byte
	if session.LockReceipt != nil {
		if lockReceipt, err = json.Marshal(session.LockReceipt); err != nil {
			return fmt.Errorf("marshal lock receipt: %w", err)
		}
	}
	if session.CommitReceipt != nil {
		if commitReceipt, err = json.Marshal(session.CommitReceipt); err != nil {
			return fmt.Errorf("marshal commit receipt: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE transfer_sessions
		SET phase = $2, evidence_log = $3, lock_receipt = $4, commit_receipt = $5,
		    last_nonce = $6, outcome = $7, failure_reason = $8, updated_at = $9
		WHERE session_id = $1`,
		sessionID.String(), string(session.Phase), evidence, lockReceipt, commitReceipt,
		int64(session.LastNonce), string(session.Outcome), session.FailureReason, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit(ctx)
}
