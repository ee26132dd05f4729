package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for card and Mobile-ID operations.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Code verification failures by code type
	VerificationFailures *prometheus.CounterVec

	// Token operation latencies by operation and outcome
	OperationLatency *prometheus.HistogramVec

	// Mobile-ID session outcomes by status
	MobileIDOutcome *prometheus.CounterVec

	// Reader status transitions by state
	ReaderTransitions *prometheus.CounterVec
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a Metrics instance registered with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VerificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eid_code_verification_failures_total",
			Help: "Total PIN and PUK verification failures by code type",
		}, []string{"code"}), // code: "PIN1", "PIN2", "PUK"

		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eid_operation_duration_seconds",
			Help:    "Duration of token and signing operations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation", "outcome"}),

		MobileIDOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eid_mobileid_sessions_total",
			Help: "Total Mobile-ID signing sessions by final status",
		}, []string{"status"}),

		ReaderTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eid_reader_transitions_total",
			Help: "Total reader status transitions by state",
		}, []string{"state"}),
	}
}

// IncrementVerificationFailure records a failed code verification.
func (m *Metrics) IncrementVerificationFailure(code string) {
	if m != nil {
		m.VerificationFailures.WithLabelValues(code).Inc()
	}
}

// ObserveOperation records the duration of an operation started at start.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.OperationLatency.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	}
}

// IncrementMobileIDOutcome records the final status of a Mobile-ID session.
func (m *Metrics) IncrementMobileIDOutcome(status string) {
	if m != nil {
		m.MobileIDOutcome.WithLabelValues(status).Inc()
	}
}

// IncrementReaderTransition records a reader status transition.
func (m *Metrics) IncrementReaderTransition(state string) {
	if m != nil {
		m.ReaderTransitions.WithLabelValues(state).Inc()
	}
}
