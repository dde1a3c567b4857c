package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crosslock/internal/transfer/models"
	id "crosslock/pkg/domain"
	"crosslock/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix = "xfer:session:"
	// deadlineIndexKey is a ZSET of non-finalized session IDs scored by
	// their expiry unix time, so the sweep scans without touching every
	// session blob.
	deadlineIndexKey = "xfer:deadlines"

	// watchRetries bounds optimistic transaction retries under contention.
	watchRetries = 8
)

// RedisStore persists sessions as JSON blobs in Redis. Per-session atomicity
// comes from WATCH-based optimistic transactions on the session key, which is
// the distributed equivalent of the in-memory per-session mutex.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(sessionID id.SessionID) string {
	return sessionKeyPrefix + sessionID.String()
}

func (s *RedisStore) Create(ctx context.Context, session *models.Session) error {
	cp := session.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, sessionKey(cp.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}

	err = s.client.ZAdd(ctx, deadlineIndexKey, redis.Z{
		Score:  float64(cp.ExpiresAt.Unix()),
		Member: cp.ID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("index session deadline: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *RedisStore) AppendEvidence(ctx context.Context, sessionID id.SessionID, ev models.Evidence) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyAppendEvidence(sess, ev)
	})
}

func (s *RedisStore) Transition(ctx context.Context, sessionID id.SessionID, next models.Phase) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyTransition(sess, next)
	})
}

func (s *RedisStore) AdvanceNonce(ctx context.Context, sessionID id.SessionID, nonce uint64) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyAdvanceNonce(sess, nonce)
	})
}

func (s *RedisStore) SetLockReceipt(ctx context.Context, sessionID id.SessionID, receipt models.LockReceipt) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		if sess.Finalized() {
			return sentinel.ErrAlreadyFinalized
		}
		sess.LockReceipt = &receipt
		sess.UpdatedAt = time.Now()
		return nil
	})
}

func (s *RedisStore) SetCommitReceipt(ctx context.Context, sessionID id.SessionID, receipt models.CommitReceipt) error {
	return s.mutate(ctx, sessionID, func(sess *models.Session) error {
		if sess.Finalized() {
			return sentinel.ErrAlreadyFinalized
		}
		sess.CommitReceipt = &receipt
		sess.UpdatedAt = time.Now()
		return nil
	})
}

func (s *RedisStore) Finalize(ctx context.Context, sessionID id.SessionID, outcome models.Outcome, reason string) error {
	err := s.mutate(ctx, sessionID, func(sess *models.Session) error {
		return applyFinalize(sess, outcome, reason)
	})
	if err != nil {
		return err
	}
	// Retired sessions leave the deadline index but keep their blob for
	// audit and duplicate-request detection.
	return s.client.ZRem(ctx, deadlineIndexKey, sessionID.String()).Err()
}

func (s *RedisStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Session, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now.Unix())}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, deadlineIndexKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("scan deadline index: %w", err)
	}

	var expired []*models.Session
	for _, rawID := range ids {
		sessionID, err := id.ParseSessionID(rawID)
		if err != nil {
			continue
		}
		session, err := s.Get(ctx, sessionID)
		if errors.Is(err, sentinel.ErrNotFound) {
			_ = s.client.ZRem(ctx, deadlineIndexKey, rawID).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if !session.Finalized() && session.Expired(now) {
			expired = append(expired, session)
		}
	}
	return expired, nil
}

// mutate runs fn under a WATCH transaction on the session key, retrying a
// bounded number of times when a concurrent writer invalidates the watch.
func (s *RedisStore) mutate(ctx context.Context, sessionID id.SessionID, fn func(*models.Session) error) error {
	key := sessionKey(sessionID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		var session models.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if err := fn(&session); err != nil {
			return err
		}

		updated, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	var err error
	for range watchRetries {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("session %s: concurrent update retries exhausted: %w", sessionID, err)
}
