package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for asset reconciliation.
type Metrics struct {
	// Display state transitions by target state
	Transitions *prometheus.CounterVec

	// Write outcomes by operation and outcome
	Writes *prometheus.CounterVec

	// Write latency from acceptance to settlement and re-query
	WriteLatency *prometheus.HistogramVec

	// Ownership reads dropped because a newer identity superseded them
	StaleReads prometheus.Counter

	// Mints that settled without an attributable token
	ConsistencyErrors prometheus.Counter
}

// New creates the reconciler metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "petmarket_asset_state_transitions_total",
			Help: "Display state transitions by target state",
		}, []string{"state"}),

		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "petmarket_asset_writes_total",
			Help: "Asset write operations by operation and outcome",
		}, []string{"op", "outcome"}), // outcome: "settled", "failed", "rejected"

		WriteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "petmarket_asset_write_duration_seconds",
			Help:    "Duration of asset writes including settlement and re-query",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"op"}),

		StaleReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "petmarket_asset_stale_reads_total",
			Help: "Ownership reads discarded because a newer identity superseded them",
		}),

		ConsistencyErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "petmarket_asset_consistency_errors_total",
			Help: "Mints that settled but could not be attributed to a token",
		}),
	}
}

func (m *Metrics) ObserveTransition(state string) {
	if m != nil {
		m.Transitions.WithLabelValues(state).Inc()
	}
}

// ObserveWrite records a finished write.
func (m *Metrics) ObserveWrite(op, outcome string, d time.Duration) {
	if m != nil {
		m.Writes.WithLabelValues(op, outcome).Inc()
		m.WriteLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}

// IncrementRejected records a write refused before any ledger call.
func (m *Metrics) IncrementRejected(op string) {
	if m != nil {
		m.Writes.WithLabelValues(op, "rejected").Inc()
	}
}

func (m *Metrics) IncrementStaleRead() {
	if m != nil {
		m.StaleReads.Inc()
	}
}

func (m *Metrics) IncrementConsistencyError() {
	if m != nil {
		m.ConsistencyErrors.Inc()
	}
}
