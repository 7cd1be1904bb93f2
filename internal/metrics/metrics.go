// Package metrics exposes Prometheus instruments for the matching engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	reservations      *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	events            *prometheus.CounterVec
	chainCalls        *prometheus.CounterVec
	settlementLatency prometheus.Histogram
	pendingTasks      prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "settlements_total",
			Help:      "Settlements reaching a terminal state.",
		}, []string{"state"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "ledger_conflicts_total",
			Help:      "Optimistic version conflicts by operation.",
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "events_total",
			Help:      "Published events by type.",
		}, []string{"type"}),
		chainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "chain_calls_total",
			Help:      "Chain client calls by method and result.",
		}, []string{"method", "result"}),
		settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "market",
			Name:      "settlement_seconds",
			Help:      "Time from settlement start to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "market",
			Name:      "pending_tasks",
			Help:      "Tasks waiting for capacity at the last matching pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reservations, m.settlements, m.conflicts, m.events,
			m.chainCalls, m.settlementLatency, m.pendingTasks)
	}
	return m
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Settlement(state models.SettlementState, started time.Time) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(string(state)).Inc()
	m.settlementLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) ChainCall(method string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.chainCalls.WithLabelValues(method, result).Inc()
}

func (m *Metrics) PendingTasks(n int) {
	if m == nil {
		return
	}
	m.pendingTasks.Set(float64(n))
}

// Forward counts events; it lets Metrics be attached to the event bus as a sink.
func (m *Metrics) Forward(ev models.Event) error {
	if m == nil {
		return nil
	}
	m.events.WithLabelValues(string(ev.Type)).Inc()
	return nil
}
