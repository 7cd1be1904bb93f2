package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reservation("held")
	m.Reservation("held")
	m.Reservation("no_capacity")
	m.Conflict("reserve")
	m.ChainCall("submit", nil)
	m.ChainCall("submit", errors.New("boom"))
	m.Settlement(models.SettlementConfirmed, time.Now())
	_ = m.Forward(models.Event{Type: models.EventTaskCompleted})
	m.PendingTasks(4)

	if got := testutil.ToFloat64(m.reservations.WithLabelValues("held")); got != 2 {
		t.Fatalf("expected 2 held reservations, got %v", got)
	}
	if got := testutil.ToFloat64(m.chainCalls.WithLabelValues("submit", "error")); got != 1 {
		t.Fatalf("expected 1 failed submit, got %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(string(models.EventTaskCompleted))); got != 1 {
		t.Fatalf("expected 1 completed event, got %v", got)
	}
	if got := testutil.ToFloat64(m.pendingTasks); got != 4 {
		t.Fatalf("expected 4 pending tasks, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Reservation("held")
	m.Conflict("reserve")
	m.ChainCall("confirm", nil)
	m.Settlement(models.SettlementFailed, time.Now())
	m.PendingTasks(1)
	if err := m.Forward(models.Event{}); err != nil {
		t.Fatalf("forward on nil metrics: %v", err)
	}
}
