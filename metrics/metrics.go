// Package metrics collects prometheus metrics for execution and
// persistence. A nil *Metrics discards everything.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Save outcomes.
const (
	OutcomeDelivered   = "delivered"
	OutcomeQueued      = "queued"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
	OutcomeExpired     = "expired"
	OutcomeUnreachable = "unreachable"
)

// Metrics holds the collectors registered to its own registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	saves        *prometheus.CounterVec
	replays      *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	claims       *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treat_step_transitions_total",
				Help: "Committed workflow step transitions",
			},
			[]string{"from", "to"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treat_step_rollbacks_total",
				Help: "Transitions rolled back after failed persistence",
			},
			[]string{"step", "rollback"},
		),
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treat_saves_total",
				Help: "Persistence gateway saves by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treat_queue_replays_total",
				Help: "Offline queue entries processed by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "treat_queue_depth",
				Help: "Offline queue entries by channel",
			},
			[]string{"channel"},
		),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treat_claims_total",
				Help: "Claim attempts by outcome",
			},
			[]string{"outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "treat_authority_call_duration_seconds",
				Help:    "Duration of calls to the remote authority",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call"},
		),
	}
	m.registry.MustRegister(
		m.transitions,
		m.rollbacks,
		m.saves,
		m.replays,
		m.queueDepth,
		m.claims,
		m.callDuration,
	)
	return m
}

// Registry returns the registry of m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Rollback(step, rollback string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(step, rollback).Inc()
}

func (m *Metrics) Save(kind, outcome string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Replay(channel, outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) QueueDepth(channel string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) Claim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// ObserveCall records the duration of call since start.
func (m *Metrics) ObserveCall(call string, start time.Time) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
}
