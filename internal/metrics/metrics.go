// Package metrics registers the client's prometheus collectors on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "realtime_events_total",
		Help:      "Realtime events applied, by event name.",
	}, []string{"event"})

	RealtimeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "realtime_rejected_total",
		Help:      "Realtime events dropped, by reason (malformed, stale).",
	}, []string{"reason"})

	RealtimeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Name:      "realtime_connected",
		Help:      "1 while the channel socket is established.",
	})

	Subscriptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "subscriptions_total",
		Help:      "Channel subscription transitions, by outcome.",
	}, []string{"outcome"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "messages_sent_total",
		Help:      "Optimistic sends, by outcome (accepted, failed, retried, discarded).",
	}, []string{"outcome"})

	Reconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "messages_reconciled_total",
		Help:      "Server copies of own messages, by result (replaced, appended, duplicate).",
	}, []string{"result"})

	ReplayedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "replayed_messages_total",
		Help:      "Messages recovered by the incremental fetch after a reconnect.",
	})

	BackendRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "backend_requests_total",
		Help:      "Backend API calls, by operation and outcome.",
	}, []string{"op", "outcome"})

	BackendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatd",
		Name:      "backend_request_duration_seconds",
		Help:      "Backend API call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	ViewClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Name:      "view_clients",
		Help:      "Local UI WebSocket clients connected.",
	})

	ControlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "control_requests_total",
		Help:      "Local control API requests by method and status code.",
	}, []string{"method", "code"})

	ControlPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "control_panics_total",
		Help:      "Panics recovered in control API handlers.",
	})

	PushSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "push_sent_total",
		Help:      "Web Push deliveries by outcome (ok, expired, rejected, error).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		RealtimeEvents,
		RealtimeRejected,
		RealtimeConnected,
		Subscriptions,
		MessagesSent,
		Reconciled,
		ReplayedMessages,
		BackendRequests,
		BackendLatency,
		ViewClients,
		ControlRequests,
		ControlPanics,
		PushSent,
	)
}
