// Package ledger provides an in-process LedgerAdapter for development and
// tests. Real deployments plug network-backed connectors into the same port.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crosslock/internal/transfer/models"

	"github.com/google/uuid"
)

type assetState struct {
	lockRef   string
	commitRef string
	expiresAt time.Time
}

// InMemoryLedger simulates lock/commit/rollback against a single ledger.
// Operations are idempotent per (assetID, ledgerRef): repeating a Lock or
// Commit returns the original receipt instead of failing.
type InMemoryLedger struct {
	mu     sync.Mutex
	assets map[string]*assetState
	clock  func() time.Time

	// LockTTL bounds how long a lock stays claimable before Rollback.
	LockTTL time.Duration
}

func NewInMemory() *InMemoryLedger {
	return &InMemoryLedger{
		assets:  make(map[string]*assetState),
		clock:   time.Now,
		LockTTL: time.Hour,
	}
}

// WithClock overrides the time source, for tests.
func (l *InMemoryLedger) WithClock(clock func() time.Time) *InMemoryLedger {
	l.clock = clock
	return l
}

func key(asset models.AssetDescriptor, ledgerRef string) string {
	return asset.AssetID + "@" + ledgerRef
}

func (l *InMemoryLedger) Lock(_ context.Context, asset models.AssetDescriptor, ledgerRef string) (models.LockReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(asset, ledgerRef)
	now := l.clock()
	if st, ok := l.assets[k]; ok {
		if st.commitRef != "" {
			return models.LockReceipt{}, fmt.Errorf("asset %s already committed", k)
		}
		return models.LockReceipt{Ref: st.lockRef, LockedAt: now, ExpiresAt: st.expiresAt}, nil
	}

	st := &assetState{
		lockRef:   "lock-" + uuid.NewString(),
		expiresAt: now.Add(l.LockTTL),
	}
	l.assets[k] = st
	return models.LockReceipt{Ref: st.lockRef, LockedAt: now, ExpiresAt: st.expiresAt}, nil
}

func (l *InMemoryLedger) VerifyLock(_ context.Context, receipt models.LockReceipt) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.assets {
		if st.lockRef == receipt.Ref {
			return true, nil
		}
	}
	return false, nil
}

func (l *InMemoryLedger) Commit(_ context.Context, asset models.AssetDescriptor, ledgerRef string, lock models.LockReceipt) (models.CommitReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(asset, ledgerRef)
	now := l.clock()
	st, ok := l.assets[k]
	if !ok {
		// Destination-side commit: the lock receipt references the source
		// ledger, so the destination mints the asset under its own ref.
		st = &assetState{lockRef: lock.Ref}
		l.assets[k] = st
	}
	if st.commitRef != "" {
		return models.CommitReceipt{Ref: st.commitRef, CommittedAt: now}, nil
	}
	st.commitRef = "commit-" + uuid.NewString()
	return models.CommitReceipt{Ref: st.commitRef, CommittedAt: now}, nil
}

func (l *InMemoryLedger) VerifyCommit(_ context.Context, receipt models.CommitReceipt) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.assets {
		if st.commitRef == receipt.Ref {
			return true, nil
		}
	}
	return false, nil
}

func (l *InMemoryLedger) Rollback(_ context.Context, asset models.AssetDescriptor, ledgerRef string, lock models.LockReceipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(asset, ledgerRef)
	st, ok := l.assets[k]
	if !ok {
		return nil
	}
	if st.commitRef != "" {
		return fmt.Errorf("asset %s already committed, cannot release lock", k)
	}
	if st.lockRef != lock.Ref {
		return fmt.Errorf("lock receipt %s does not match held lock", lock.Ref)
	}
	delete(l.assets, k)
	return nil
}
