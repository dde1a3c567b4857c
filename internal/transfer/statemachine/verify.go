package statemachine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/ports"
	"crosslock/pkg/domerrors"
)

// verifyReceiptsParallel checks whichever receipts are present concurrently;
// every present receipt must verify.
func verifyReceiptsParallel(ctx context.Context, ledger ports.LedgerAdapter, lock *models.LockReceipt, commit *models.CommitReceipt) error {
	g, ctx := errgroup.WithContext(ctx)

	if lock != nil {
		receipt := *lock
		g.Go(func() error {
			ok, err := ledger.VerifyLock(ctx, receipt)
			if err != nil {
				return domerrors.Wrap(domerrors.CodeLedger, "verify lock receipt", err)
			}
			if !ok {
				return domerrors.New(domerrors.CodeValidation, "lock receipt failed verification")
			}
			return nil
		})
	}

	if commit != nil {
		receipt := *commit
		g.Go(func() error {
			ok, err := ledger.VerifyCommit(ctx, receipt)
			if err != nil {
				return domerrors.Wrap(domerrors.CodeLedger, "verify commit receipt", err)
			}
			if !ok {
				return domerrors.New(domerrors.CodeValidation, "commit receipt failed verification")
			}
			return nil
		})
	}

	return g.Wait()
}
