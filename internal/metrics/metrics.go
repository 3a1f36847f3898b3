// Package metrics exposes Prometheus collectors for bridge sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowbridge"

// Adjustment reasons recorded by RecordAdjustment.
const (
	AdjustClamped   = "clamped"
	AdjustBumped    = "bumped"
	AdjustCorrected = "corrected"
	AdjustDropped   = "dropped"
)

// Metrics holds the session collectors. A nil *Metrics records nothing, so
// components can take one unconditionally.
type Metrics struct {
	units           *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	emptyCycles     *prometheus.CounterVec
	discontinuities *prometheus.CounterVec
	adjustments     *prometheus.CounterVec
	acquireRetries  *prometheus.CounterVec
	errors          *prometheus.CounterVec
	state           *prometheus.GaugeVec
	producerWait    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "units_total",
			Help:      "Grains or sample batches moved through a session.",
		}, []string{"session", "role", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "bytes_total",
			Help:      "Payload bytes moved through a session.",
		}, []string{"session", "role", "kind"}),
		emptyCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "empty_cycles_total",
			Help:      "Reader cycles that produced no data.",
		}, []string{"session"}),
		discontinuities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "discontinuities_total",
			Help:      "Buffers emitted with the discontinuity flag.",
		}, []string{"session"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "timing_adjustments_total",
			Help:      "Index or timestamp adjustments by reason.",
		}, []string{"session", "reason"}),
		acquireRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "acquire_retries_total",
			Help:      "Failed flow handle acquisition attempts that were retried.",
		}, []string{"session"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "errors_total",
			Help:      "Session-fatal errors.",
		}, []string{"session"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (0 uninitialized, 1 anchored, 2 steady, 3 resyncing, 4 stopped).",
		}, []string{"session"}),
		producerWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "producer_wait_seconds",
			Help:      "Time a reader cycle spent waiting on the producer.",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"session"}),
	}
	if reg != nil {
		reg.MustRegister(m.units, m.bytes, m.emptyCycles, m.discontinuities,
			m.adjustments, m.acquireRetries, m.errors, m.state, m.producerWait)
	}
	return m
}

// RecordUnit counts one unit of n payload bytes.
func (m *Metrics) RecordUnit(session, role, kind string, n int) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(session, role, kind).Inc()
	m.bytes.WithLabelValues(session, role, kind).Add(float64(n))
}

// RecordEmptyCycle counts a reader cycle without data.
func (m *Metrics) RecordEmptyCycle(session string) {
	if m == nil {
		return
	}
	m.emptyCycles.WithLabelValues(session).Inc()
}

// RecordDiscontinuity counts a discontinuous buffer.
func (m *Metrics) RecordDiscontinuity(session string) {
	if m == nil {
		return
	}
	m.discontinuities.WithLabelValues(session).Inc()
}

// RecordAdjustment counts an index or timestamp adjustment.
func (m *Metrics) RecordAdjustment(session, reason string) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(session, reason).Inc()
}

// RecordAcquireRetry counts a retried handle acquisition.
func (m *Metrics) RecordAcquireRetry(session string) {
	if m == nil {
		return
	}
	m.acquireRetries.WithLabelValues(session).Inc()
}

// RecordError counts a session-fatal error.
func (m *Metrics) RecordError(session string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(session).Inc()
}

// SetState publishes the numeric session state.
func (m *Metrics) SetState(session string, state int) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(session).Set(float64(state))
}

// ObserveProducerWait records a reader's wait on the producer.
func (m *Metrics) ObserveProducerWait(session string, d time.Duration) {
	if m == nil {
		return
	}
	m.producerWait.WithLabelValues(session).Observe(d.Seconds())
}

// Forget drops every series of a removed session.
func (m *Metrics) Forget(session string) {
	if m == nil {
		return
	}
	match := prometheus.Labels{"session": session}
	m.units.DeletePartialMatch(match)
	m.bytes.DeletePartialMatch(match)
	m.emptyCycles.DeletePartialMatch(match)
	m.discontinuities.DeletePartialMatch(match)
	m.adjustments.DeletePartialMatch(match)
	m.acquireRetries.DeletePartialMatch(match)
	m.errors.DeletePartialMatch(match)
	m.state.DeletePartialMatch(match)
	m.producerWait.DeletePartialMatch(match)
}
