// Package telemetry wires broker observability: Prometheus metrics, OTLP
// trace export, and OpenTelemetry call counters.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cryosec/keybroker/pkg/security"
)

// BrokerMetrics holds all Prometheus metrics for the broker. It implements
// broker.Observer so it can be handed straight to broker.Options.
type BrokerMetrics struct {
	connectsTotal      *prometheus.CounterVec
	invalidationsTotal prometheus.Counter
	callsTotal         *prometheus.CounterVec
	callLatency        *prometheus.HistogramVec
	lateCompletions    *prometheus.CounterVec
	callsInFlight      prometheus.Gauge
	connected          prometheus.Gauge

	registry *prometheus.Registry
}

// NewBrokerMetrics creates a metrics set on its own registry.
func NewBrokerMetrics() *BrokerMetrics {
	registry := prometheus.NewRegistry()

	m := &BrokerMetrics{
		connectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_connects_total",
				Help: "Total connection attempts by outcome",
			},
			[]string{"status"},
		),

		invalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keybroker_invalidations_total",
				Help: "Total connection invalidations observed",
			},
		),

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_calls_total",
				Help: "Total service calls by operation and result code",
			},
			[]string{"operation", "code"},
		),

		callLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keybroker_call_duration_seconds",
				Help:    "Service call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		lateCompletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_late_completions_total",
				Help: "Completions that arrived after their call had resumed",
			},
			[]string{"operation"},
		),

		callsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keybroker_calls_in_flight",
				Help: "Number of service calls currently in flight",
			},
		),

		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keybroker_connected",
				Help: "Whether a live service connection exists (1=yes, 0=no)",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.connectsTotal,
		m.invalidationsTotal,
		m.callsTotal,
		m.callLatency,
		m.lateCompletions,
		m.callsInFlight,
		m.connected,
	)

	return m
}

// Registry exposes the backing registry for HTTP serving.
func (m *BrokerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ConnectStarted implements broker.Observer.
func (m *BrokerMetrics) ConnectStarted() {}

// ConnectFinished records a connection attempt outcome.
func (m *BrokerMetrics) ConnectFinished(err error) {
	if err != nil {
		m.connectsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.connectsTotal.WithLabelValues("success").Inc()
	m.connected.Set(1)
}

// Invalidated records a connection invalidation.
func (m *BrokerMetrics) Invalidated() {
	m.invalidationsTotal.Inc()
	m.connected.Set(0)
}

// CallStarted marks one call in flight.
func (m *BrokerMetrics) CallStarted(string) {
	m.callsInFlight.Inc()
}

// CallFinished records one completed call.
func (m *BrokerMetrics) CallFinished(op string, code security.Code, elapsed time.Duration) {
	m.callsInFlight.Dec()
	m.callsTotal.WithLabelValues(op, CodeLabel(code)).Inc()
	m.callLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	RecordCall(context.Background(), op, code, elapsed)
}

// LateCompletion records a completion that lost the resumption race.
func (m *BrokerMetrics) LateCompletion(op string) {
	m.lateCompletions.WithLabelValues(op).Inc()
}
