package statemachine

import (
	"context"
	"time"

	"crosslock/pkg/domerrors"
)

// RetryPolicy bounds retries of ledger and transport operations. Attempts use
// exponential backoff and never continue past the session deadline; exceeding
// the deadline surfaces as a timeout error for the caller to resolve into
// rollback or abort.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	clock       func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// NewRetryPolicy builds a policy with the given bound and base delay.
func NewRetryPolicy(maxAttempts int, base time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Base:        base,
		clock:       time.Now,
		sleep:       sleepCtx,
	}
}

// Do invokes fn until it succeeds, the attempt bound is reached, or the next
// backoff would cross the deadline. The last error is wrapped as a timeout
// when the deadline cut the retries short.
func (p RetryPolicy) Do(ctx context.Context, deadline time.Time, fn func(context.Context) error) error {
	clock := p.clock
	if clock == nil {
		clock = time.Now
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	delay := p.Base
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if clock().After(deadline) {
			return domerrors.Wrap(domerrors.CodeTimeout, "session deadline exceeded", err)
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if clock().Add(delay).After(deadline) {
			return domerrors.Wrap(domerrors.CodeTimeout, "session deadline exceeded", err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return domerrors.Wrap(domerrors.CodeTimeout, "retry cancelled", serr)
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
