// Package metrics provides Prometheus collectors for the chat service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeInvalidInput = "invalid_input"
	OutcomeGeneration   = "generation_error"
)

// Store operations.
const (
	OpLoad = "load"
	OpSave = "save"
)

// Metrics holds all Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	StoreErrorsTotal   *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	HistoryTrimmed     prometheus.Counter
	ExpiredSwept       prometheus.Counter
	InFlight           prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_chat_requests_total",
				Help: "Chat requests handled, by outcome",
			},
			[]string{"outcome"},
		),
		StoreErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_chat_store_errors_total",
				Help: "History store failures absorbed by the session manager",
			},
			[]string{"op"},
		),
		GenerationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jarvis_chat_generation_duration_seconds",
				Help:    "Latency of model generation calls",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
			},
		),
		HistoryTrimmed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "jarvis_chat_history_trimmed_total",
				Help: "Histories that exceeded the window and were trimmed",
			},
		),
		ExpiredSwept: f.NewCounter(
			prometheus.CounterOpts{
				Name: "jarvis_chat_expired_swept_total",
				Help: "Expired conversations deleted by the janitor",
			},
		),
		InFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "jarvis_chat_requests_in_flight",
				Help: "Chat requests currently being processed",
			},
		),
	}
}

func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordTrim() {
	if m == nil {
		return
	}
	m.HistoryTrimmed.Inc()
}

func (m *Metrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredSwept.Add(float64(n))
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}
