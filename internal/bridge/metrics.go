// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rbridge/cli/internal/bridge/model"
)

const metricsNamespace = "rbridge"

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	Operations       *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	ConnectAttempts  *prometheus.CounterVec
	EventsDispatched prometheus.Counter
	LocalPublishes   prometheus.Counter
	CallbackFailures prometheus.Counter
	StreamErrors     prometheus.Counter
	ConnectionState  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Bridge operations by kind and final status (success, error, degraded).",
		}, []string{"kind", "status"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Operations retried once after a backend-unavailable error.",
		}, []string{"kind"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_attempts_total",
			Help:      "Health-checked connection attempts by result.",
		}, []string{"result"}),
		EventsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dispatched_total",
			Help:      "Inbound backend events dispatched to the registry.",
		}),
		LocalPublishes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "local_publishes_total",
			Help:      "Events dispatched locally because the bridge was degraded.",
		}),
		CallbackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "callback_failures_total",
			Help:      "Subscriber handlers that returned an error or panicked.",
		}),
		StreamErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_errors_total",
			Help:      "Event stream failures seen by the listener.",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
		}),
	}
}

func (m *Metrics) observeState(_, to model.ConnectionState) {
	m.ConnectionState.Set(float64(to))
}
