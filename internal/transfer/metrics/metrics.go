package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the transfer core.
type Metrics struct {
	TransfersStarted   prometheus.Counter
	TransfersFinalized *prometheus.CounterVec
	PhaseTransitions   *prometheus.CounterVec
	MessagesRejected   *prometheus.CounterVec
	LedgerCallDuration *prometheus.HistogramVec
	SweepRuns          prometheus.Counter
	SweepExpired       prometheus.Counter
}

// New creates and registers all transfer metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the collectors on a caller-provided registry. Tests use
// this to avoid duplicate registration across cases.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_transfers_started_total",
			Help: "Total number of transfer sessions initiated by this gateway",
		}),
		TransfersFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslock_transfers_finalized_total",
			Help: "Total number of transfer sessions reaching a terminal outcome",
		}, []string{"outcome"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslock_phase_transitions_total",
			Help: "Total number of session phase transitions",
		}, []string{"phase"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslock_messages_rejected_total",
			Help: "Total number of inbound protocol messages rejected",
		}, []string{"reason"}),
		LedgerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crosslock_ledger_call_duration_seconds",
			Help:    "Latency of ledger adapter operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_sweep_runs_total",
			Help: "Total number of deadline sweep passes",
		}),
		SweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosslock_sweep_expired_sessions_total",
			Help: "Total number of sessions the sweep drove to a terminal state",
		}),
	}
}
