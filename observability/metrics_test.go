package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[f.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[f.GetName()] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[f.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestRecordDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDelivery("sent", 0.5)
	m.RecordDelivery("sent", 1.2)
	m.RecordDelivery("transient_failure", 0.3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "herald_deliveries_total" {
			if n := len(f.GetMetric()); n != 2 {
				t.Fatalf("expected 2 outcome labels, got %d", n)
			}
		}
	}

	got := gather(t, reg)
	if got["herald_deliveries_total"] != 3 {
		t.Errorf("deliveries = %v, want 3", got["herald_deliveries_total"])
	}
	if got["herald_delivery_latency_seconds"] != 3 {
		t.Errorf("latency samples = %v, want 3", got["herald_delivery_latency_seconds"])
	}
}

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventEmitted()
	m.EventEmitted()
	m.TasksCreated(5)
	m.DeadLettered()
	m.Redriven()
	m.Reclaimed()
	m.SetDispatchLag(7)
	m.SetScheduled(3)

	want := map[string]float64{
		"herald_events_emitted_total": 2,
		"herald_tasks_created_total":  5,
		"herald_dead_lettered_total":  1,
		"herald_redriven_total":       1,
		"herald_reclaimed_total":      1,
		"herald_dispatch_lag_events":  7,
		"herald_scheduled_tasks":      3,
	}
	got := gather(t, reg)
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDelivery("sent", 1)
	m.EventEmitted()
	m.TasksCreated(2)
	m.SetScheduled(1)
}
