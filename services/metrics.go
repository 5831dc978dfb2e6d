// services/metrics.go
package services

import (
	"github.com/prometheus/client_golang/prometheus"

	"tournament-escrow/safety"
)

// Metrics groups the Prometheus collectors of the settlement core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	settlementCalls *prometheus.CounterVec
	batchItems      *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tournament",
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions by target status and outcome.",
		}, []string{"to", "outcome"}),
		settlementCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tournament",
			Name:      "settlement_calls_total",
			Help:      "Settlement gateway calls by operation and error kind.",
		}, []string{"op", "result"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tournament",
			Name:      "settlement_batch_items_total",
			Help:      "Refund and payout batch items by outcome.",
		}, []string{"batch", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tournament",
			Name:      "circuit_breaker_open",
			Help:      "1 when the dependency breaker is open or half-open.",
		}, []string{"dependency"}),
	}
	reg.MustRegister(m.transitions, m.settlementCalls, m.batchItems, m.breakerState)
	return m
}

func (m *Metrics) transition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, outcome).Inc()
}

func (m *Metrics) settlementCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	m.settlementCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) batch(name string, r BatchReport) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues(name, "succeeded").Add(float64(r.Succeeded))
	m.batchItems.WithLabelValues(name, "failed").Add(float64(r.Failed))
	m.batchItems.WithLabelValues(name, "skipped").Add(float64(r.Skipped))
}

// BreakerHook feeds breaker state changes into the gauge. Pass it to
// safety.WithStateChangeHook.
func (m *Metrics) BreakerHook(name string, _, to safety.Mode) {
	if m == nil {
		return
	}
	v := 0.0
	if to != safety.ModeClosed {
		v = 1
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
