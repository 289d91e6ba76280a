package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for scheduling, verification and the ledger.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Visits created by source (template, manual)
	VisitsScheduled *prometheus.CounterVec

	// Blocking collisions by rule and caller resolution (skip, fail, force)
	SchedulingConflicts *prometheus.CounterVec

	// Clock events by event (clock_in, clock_out) and classification
	ClockEvents *prometheus.CounterVec

	// Ledger events appended by kind
	LedgerEvents *prometheus.CounterVec

	LedgerIntegrityFailures prometheus.Counter
	PublishFailures         prometheus.Counter

	// Sweep results by transition kind (missed, flagged)
	SweepTransitions *prometheus.CounterVec
	SweepDuration    prometheus.Histogram

	HTTPDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VisitsScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carevisit_visits_scheduled_total",
			Help: "Total visits created by source",
		}, []string{"source"}),

		SchedulingConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carevisit_scheduling_conflicts_total",
			Help: "Total blocking scheduling conflicts by rule and resolution",
		}, []string{"rule", "resolution"}),

		ClockEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carevisit_clock_events_total",
			Help: "Total clock events by event type and verification classification",
		}, []string{"event", "classification"}),

		LedgerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carevisit_ledger_events_total",
			Help: "Total audit events appended by kind",
		}, []string{"kind"}),

		LedgerIntegrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "carevisit_ledger_integrity_failures_total",
			Help: "Total visit chains that failed hash verification",
		}),

		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "carevisit_event_publish_failures_total",
			Help: "Total audit events that could not be published downstream",
		}),

		SweepTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carevisit_sweep_transitions_total",
			Help: "Total visits transitioned by the background sweep",
		}, []string{"kind"}),

		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "carevisit_sweep_duration_seconds",
			Help:    "Duration of one sweep pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carevisit_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route and status code",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}
}

// IncrementScheduled records a created visit
func (m *Metrics) IncrementScheduled(source string) {
	if m != nil {
		m.VisitsScheduled.WithLabelValues(source).Inc()
	}
}

// IncrementConflict records a blocking collision and how the caller resolved it
func (m *Metrics) IncrementConflict(rule, resolution string) {
	if m != nil {
		m.SchedulingConflicts.WithLabelValues(rule, resolution).Inc()
	}
}

// IncrementClockEvent records a classified clock event
func (m *Metrics) IncrementClockEvent(event, classification string) {
	if m != nil {
		m.ClockEvents.WithLabelValues(event, classification).Inc()
	}
}

// IncrementLedgerEvent records an appended audit event
func (m *Metrics) IncrementLedgerEvent(kind string) {
	if m != nil {
		m.LedgerEvents.WithLabelValues(kind).Inc()
	}
}

// IncrementIntegrityFailure records a chain that failed verification
func (m *Metrics) IncrementIntegrityFailure() {
	if m != nil {
		m.LedgerIntegrityFailures.Inc()
	}
}

// IncrementPublishFailure records events that were committed but not published
func (m *Metrics) IncrementPublishFailure(n int) {
	if m != nil {
		m.PublishFailures.Add(float64(n))
	}
}

// ObserveSweep records one sweep pass
func (m *Metrics) ObserveSweep(d time.Duration, missed, flagged int) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
		m.SweepTransitions.WithLabelValues("missed").Add(float64(missed))
		m.SweepTransitions.WithLabelValues("flagged").Add(float64(flagged))
	}
}

// ObserveHTTP records a served request
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m != nil {
		m.HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	}
}
