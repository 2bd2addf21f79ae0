// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// BackendCallDuration tracks backend call latency.
	BackendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_call_duration_seconds",
			Help:    "Backend call duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op", "status"},
	)

	// RealtimeEventsTotal tracks inbound realtime events by outcome.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Inbound realtime events",
		},
		[]string{"topic", "outcome"},
	)

	// DispatchQueueDepth tracks events waiting for the dispatcher.
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_dispatch_queue_depth",
			Help: "Realtime events queued for dispatch",
		},
	)

	// ResubscribeAttemptsTotal tracks resubscription attempts after a reconnect.
	ResubscribeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_resubscribe_attempts_total",
			Help: "Resubscription attempts",
		},
		[]string{"outcome"},
	)

	// MessagesSentTotal tracks outgoing messages by outcome.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Outgoing messages",
		},
		[]string{"outcome"},
	)

	// ReconciliationsTotal tracks how optimistic entries were matched.
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_reconciliations_total",
			Help: "Optimistic messages reconciled with the server echo",
		},
		[]string{"match"},
	)

	// StaleFetchesTotal tracks history fetches discarded after a switch.
	StaleFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_fetches_discarded_total",
			Help: "History fetch results discarded because the conversation changed",
		},
	)

	// TypingEventsTotal tracks own typing notifications.
	TypingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "typing_events_total",
			Help: "Own typing notifications by outcome",
		},
		[]string{"outcome"},
	)

	// SessionsActive tracks live messaging sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live messaging sessions",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// NotificationsDropped tracks notifications a slow observer missed.
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Store-change notifications dropped for slow observers",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBackendCall records metrics for a backend call.
func RecordBackendCall(op string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackendCallDuration.WithLabelValues(op, status).Observe(duration)
}

// RecordEvent records an inbound realtime event.
func RecordEvent(topic, outcome string) {
	RealtimeEventsTotal.WithLabelValues(topic, outcome).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
