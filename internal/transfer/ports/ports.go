// Package ports declares the external capabilities the transfer core calls
// through. Concrete ledger connectors, transports, and key providers live
// outside the core and satisfy these interfaces.
package ports

//go:generate mockgen -source=ports.go -destination=../mocks/mocks.go -package=mocks

import (
	"context"
	"crypto/ed25519"

	"crosslock/internal/transfer/models"
	id "crosslock/pkg/domain"
)

// LedgerAdapter is the abstract lock/commit/rollback capability implemented by
// ledger connectors. Every operation must be idempotent for the same
// (assetDescriptor, ledgerRef) pair: the core retries on timeout and a second
// invocation must not double-lock or double-commit.
type LedgerAdapter interface {
	Lock(ctx context.Context, asset models.AssetDescriptor, ledgerRef string) (models.LockReceipt, error)
	VerifyLock(ctx context.Context, receipt models.LockReceipt) (bool, error)
	Commit(ctx context.Context, asset models.AssetDescriptor, ledgerRef string, lock models.LockReceipt) (models.CommitReceipt, error)
	VerifyCommit(ctx context.Context, receipt models.CommitReceipt) (bool, error)
	Rollback(ctx context.Context, asset models.AssetDescriptor, ledgerRef string, lock models.LockReceipt) error
}

// Transport delivers a protocol message to the remote gateway. Delivery
// failure is treated identically to a timeout by the core.
type Transport interface {
	Send(ctx context.Context, msg models.ProtocolMessage) error
}

// KeyProvider supplies the local actor's signing key and the remote actor's
// verifying key by role.
type KeyProvider interface {
	SigningKey(ctx context.Context, sessionID id.SessionID) (ed25519.PrivateKey, error)
	VerifyingKey(ctx context.Context, sessionID id.SessionID, actor models.Role) (ed25519.PublicKey, error)
}
