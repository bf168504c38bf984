// Package metrics provides Prometheus instrumentation for Fleet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Worker metrics.
var (
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_active_workers",
		Help: "Number of currently tracked live workers.",
	})

	WorkerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_worker_restarts_total",
		Help: "Total number of automatic worker restarts.",
	})

	WorkerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_worker_events_total",
		Help: "Total number of parsed worker output events.",
	}, []string{"type"})
)

// Messaging metrics.
var (
	BusMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_bus_messages_total",
		Help: "Total number of messages published to the in-memory bus.",
	})

	BlackboardMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_blackboard_messages_total",
		Help: "Total number of blackboard messages persisted.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_ws_connections_active",
		Help: "Number of active WebSocket event subscribers.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_ws_messages_total",
		Help: "Total number of WebSocket event frames sent.",
	})
)
