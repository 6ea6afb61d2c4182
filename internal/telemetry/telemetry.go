// Package telemetry exposes Prometheus metrics for the protocol and job
// orchestration subsystems.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_messages_processed_total",
			Help: "Total wire messages processed, labeled by type.",
		},
		[]string{"type"},
	)

	messagesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_messages_routed_total",
			Help: "Total wire messages routed to subscribers, labeled by type.",
		},
		[]string{"type"},
	)

	protocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_protocol_errors_total",
			Help: "Protocol errors, labeled by category (parse, validation, authorization, frame, processing, send).",
		},
		[]string{"category"},
	)

	messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_messages_sent_total",
			Help: "Outbound messages handed to the transport, labeled by type.",
		},
		[]string{"type"},
	)

	heartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_heartbeats_total",
			Help: "Heartbeats accepted from workers.",
		},
	)

	missedHeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_missed_heartbeats_total",
			Help: "Heartbeat windows that elapsed without a heartbeat.",
		},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backend_worker_connections",
			Help: "Currently registered worker connections.",
		},
	)

	frameBufferUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_frame_buffer_usage_ratio",
			Help: "Per-connection frame buffer fill ratio.",
		},
		[]string{"conn_id"},
	)

	jobsSpawnedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_jobs_spawned_total",
			Help: "Jobs created by the manager, labeled by command.",
		},
		[]string{"command"},
	)

	jobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_job_transitions_total",
			Help: "Job status transitions, labeled by target status.",
		},
		[]string{"status"},
	)

	jobsRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_jobs_recovered_total",
			Help: "Jobs reset by recovery sweeps, labeled by sweep (failed, stuck).",
		},
		[]string{"sweep"},
	)

	incidentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backend_incidents_total",
			Help: "Incidents recorded during spawning and initialization.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMessageProcessed counts one inbound message by type.
func ObserveMessageProcessed(msgType string) {
	messagesProcessedTotal.WithLabelValues(msgType).Inc()
}

// ObserveMessageRouted counts one message delivered to subscribers.
func ObserveMessageRouted(msgType string) {
	messagesRoutedTotal.WithLabelValues(msgType).Inc()
}

// ObserveProtocolError counts one protocol error by category.
func ObserveProtocolError(category string) {
	protocolErrorsTotal.WithLabelValues(category).Inc()
}

// ObserveMessageSent counts one outbound message by type.
func ObserveMessageSent(msgType string) {
	messagesSentTotal.WithLabelValues(msgType).Inc()
}

// ObserveHeartbeat counts one accepted heartbeat.
func ObserveHeartbeat() {
	heartbeatsTotal.Inc()
}

// ObserveMissedHeartbeat counts one missed heartbeat window.
func ObserveMissedHeartbeat() {
	missedHeartbeatsTotal.Inc()
}

// SetActiveConnections records the current worker connection count.
func SetActiveConnections(n int) {
	activeConnections.Set(float64(n))
}

// SetFrameBufferUsage records one connection's buffer fill ratio.
func SetFrameBufferUsage(connID string, usage float64) {
	frameBufferUsage.WithLabelValues(connID).Set(usage)
}

// ForgetFrameBuffer drops the per-connection buffer gauge on disconnect.
func ForgetFrameBuffer(connID string) {
	frameBufferUsage.DeleteLabelValues(connID)
}

// ObserveJobSpawned counts one job created by the manager.
func ObserveJobSpawned(command string) {
	jobsSpawnedTotal.WithLabelValues(command).Inc()
}

// ObserveJobTransition counts one status transition.
func ObserveJobTransition(status string) {
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveJobRecovered counts one job reset by a recovery sweep.
func ObserveJobRecovered(sweep string) {
	jobsRecoveredTotal.WithLabelValues(sweep).Inc()
}

// ObserveIncident counts one recorded incident.
func ObserveIncident() {
	incidentsTotal.Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
