// Package metrics registers the Prometheus instrumentation exposed on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aia_open_connections",
		Help: "Number of open websocket connections.",
	})

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aia_authenticated_sessions",
		Help: "Number of authenticated websocket sessions.",
	})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aia_client_events_total",
		Help: "Client events received, by event type.",
	}, []string{"type"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aia_messages_sent_total",
		Help: "Messages accepted and persisted by the fan-out engine.",
	})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aia_broadcast_deliveries_total",
		Help: "Events delivered to individual connections.",
	})

	DroppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aia_dropped_clients_total",
		Help: "Connections dropped because their send buffer overflowed.",
	})

	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aia_operation_errors_total",
		Help: "Failed connection-scoped operations, by event type.",
	}, []string{"type"})
)
