// Package sweep runs the background deadline scan that resolves sessions
// whose expiry passed without the protocol reaching a terminal outcome.
package sweep

import (
	"context"
	"log"
	"time"

	"crosslock/internal/transfer/metrics"
	"crosslock/internal/transfer/statemachine"
	"crosslock/internal/transfer/store"
)

const batchLimit = 100

// Sweeper periodically lists expired sessions and hands each one to the
// state machine, which picks rollback or abort based on how far the
// session progressed.
type Sweeper struct {
	store    store.Store
	machine  *statemachine.Machine
	metrics  *metrics.Metrics
	log      *log.Logger
	interval time.Duration
	clock    func() time.Time
}

func New(st store.Store, m *statemachine.Machine, mt *metrics.Metrics, lg *log.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    st,
		machine:  m,
		metrics:  mt,
		log:      lg,
		interval: interval,
		clock:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run scans for expired sessions until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Printf("sweep: %v", err)
			}
		}
	}
}

// Sweep performs one pass. Per-session failures are logged and do not stop
// the pass; the session stays expired and the next pass retries it.
func (s *Sweeper) Sweep(ctx context.Context) error {
	s.metrics.SweepRuns.Inc()
	expired, err := s.store.ListExpired(ctx, s.clock(), batchLimit)
	if err != nil {
		return err
	}
	for _, sess := range expired {
		if err := s.machine.Expire(ctx, sess); err != nil {
			s.log.Printf("sweep: session %s: %v", sess.ID, err)
			continue
		}
		s.metrics.SweepExpired.Inc()
	}
	return nil
}
