// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the guard.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the guard.
type Metrics struct {
	DecisionsTotal         *prometheus.CounterVec
	DecisionLatencySeconds *prometheus.HistogramVec
	ViolationsTotal        *prometheus.CounterVec
	BansTotal              *prometheus.CounterVec
	SuspiciousTotal        *prometheus.CounterVec
	DegradedTotal          *prometheus.CounterVec
	LedgerQueueDepth       prometheus.Gauge
	LedgerDroppedTotal     prometheus.Counter
	LedgerFlushesTotal     *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
	DetectorQueueDropped   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of guard decisions",
			},
			[]string{"reason", "allowed"},
		),
		DecisionLatencySeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_latency_seconds",
				Help:      "Inline decision latency in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"reason"},
		),
		ViolationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Total number of rate limit violations",
			},
			[]string{"scope"},
		),
		BansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bans_total",
				Help:      "Total number of bans created",
			},
			[]string{"source"},
		),
		SuspiciousTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suspicious_events_total",
				Help:      "Total number of suspicious activity findings",
			},
			[]string{"pattern", "severity"},
		),
		DegradedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "degraded_decisions_total",
				Help:      "Total number of decisions resolved by the fail-open/fail-closed policy",
			},
			[]string{"policy"},
		),
		LedgerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_queue_depth",
				Help:      "Current number of records waiting in the ledger queue",
			},
		),
		LedgerDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_dropped_total",
				Help:      "Total number of ledger records dropped under backpressure",
			},
		),
		LedgerFlushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_flushes_total",
				Help:      "Total number of ledger batch flushes",
			},
			[]string{"result"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		DetectorQueueDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detector_dropped_total",
				Help:      "Total number of activity records the detector queue dropped",
			},
		),
	}
}

// RecordDecision records a guard decision.
func (m *Metrics) RecordDecision(reason string, allowed bool, seconds float64) {
	allowedLabel := "false"
	if allowed {
		allowedLabel = "true"
	}
	m.DecisionsTotal.WithLabelValues(reason, allowedLabel).Inc()
	m.DecisionLatencySeconds.WithLabelValues(reason).Observe(seconds)
}

// RecordViolation records a rate limit violation.
func (m *Metrics) RecordViolation(scope string) {
	m.ViolationsTotal.WithLabelValues(scope).Inc()
}

// RecordBan records a ban creation.
func (m *Metrics) RecordBan(source string) {
	m.BansTotal.WithLabelValues(source).Inc()
}

// RecordSuspicious records a detector finding.
func (m *Metrics) RecordSuspicious(pattern, severity string) {
	m.SuspiciousTotal.WithLabelValues(pattern, severity).Inc()
}

// RecordDegraded records a decision resolved by the failure policy.
func (m *Metrics) RecordDegraded(policy string) {
	m.DegradedTotal.WithLabelValues(policy).Inc()
}

// RecordLedgerDrop records a dropped ledger record.
func (m *Metrics) RecordLedgerDrop() {
	m.LedgerDroppedTotal.Inc()
}

// SetLedgerQueueDepth sets the ledger queue depth gauge.
func (m *Metrics) SetLedgerQueueDepth(n int) {
	m.LedgerQueueDepth.Set(float64(n))
}

// RecordDetectorDrop records an activity record the detection queue dropped.
func (m *Metrics) RecordDetectorDrop() {
	m.DetectorQueueDropped.Inc()
}

// RecordLedgerFlush records a batch flush outcome.
func (m *Metrics) RecordLedgerFlush(result string) {
	m.LedgerFlushesTotal.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
