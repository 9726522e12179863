// Package observability holds Herald's Prometheus metrics and
// OpenTelemetry tracing helpers.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds metric instruments for Herald. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsEmittedTotal prometheus.Counter
	TasksCreatedTotal  prometheus.Counter
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryLatency    prometheus.Histogram
	DeadLetteredTotal  prometheus.Counter
	RedrivenTotal      prometheus.Counter
	ReclaimedTotal     prometheus.Counter
	DispatchLag        prometheus.Gauge
	ScheduledTasks     prometheus.Gauge
}

// NewMetrics creates Herald's instruments and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_events_emitted_total",
			Help: "Events appended to the event log.",
		}),
		TasksCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_tasks_created_total",
			Help: "Delivery tasks created by the dispatcher.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Sink call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DeadLetteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_dead_lettered_total",
			Help: "Tasks moved to the dead-letter state.",
		}),
		RedrivenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_redriven_total",
			Help: "Dead-lettered tasks manually re-enqueued.",
		}),
		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_reclaimed_total",
			Help: "In-flight tasks reclaimed by the reaper.",
		}),
		DispatchLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herald_dispatch_lag_events",
			Help: "Events appended but not yet dispatched.",
		}),
		ScheduledTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herald_scheduled_tasks",
			Help: "Tasks waiting in the retry scheduler's queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsEmittedTotal,
			m.TasksCreatedTotal,
			m.DeliveriesTotal,
			m.DeliveryLatency,
			m.DeadLetteredTotal,
			m.RedrivenTotal,
			m.ReclaimedTotal,
			m.DispatchLag,
			m.ScheduledTasks,
		)
	}
	return m
}

// RecordDelivery records one attempt with its outcome and latency.
func (m *Metrics) RecordDelivery(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	m.DeliveryLatency.Observe(latencySeconds)
}

// EventEmitted counts one appended event.
func (m *Metrics) EventEmitted() {
	if m == nil {
		return
	}
	m.EventsEmittedTotal.Inc()
}

// TasksCreated counts n newly created tasks.
func (m *Metrics) TasksCreated(n int) {
	if m == nil {
		return
	}
	m.TasksCreatedTotal.Add(float64(n))
}

// DeadLettered counts one dead-lettered task.
func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.DeadLetteredTotal.Inc()
}

// Redriven counts one redriven task.
func (m *Metrics) Redriven() {
	if m == nil {
		return
	}
	m.RedrivenTotal.Inc()
}

// Reclaimed counts one reclaimed task.
func (m *Metrics) Reclaimed() {
	if m == nil {
		return
	}
	m.ReclaimedTotal.Inc()
}

// SetDispatchLag records how far the dispatcher cursor trails the log.
func (m *Metrics) SetDispatchLag(events int64) {
	if m == nil {
		return
	}
	m.DispatchLag.Set(float64(events))
}

// SetScheduled records the scheduler queue depth.
func (m *Metrics) SetScheduled(n int) {
	if m == nil {
		return
	}
	m.ScheduledTasks.Set(float64(n))
}
