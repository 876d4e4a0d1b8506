package flowrest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for ledger calls.
type Metrics struct {
	CallLatency  *prometheus.HistogramVec
	BreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "petmarket_ledger_call_duration_seconds",
			Help:    "Latency of ledger access API calls by operation and outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "outcome"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "petmarket_ledger_breaker_open",
			Help: "1 while the ledger circuit breaker is open",
		}),
	}
}

func (m *Metrics) ObserveCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallLatency.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
		return
	}
	m.BreakerState.Set(0)
}
