package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesCreated counts messages persisted by the store.
	MessagesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_messages_created_total",
			Help: "Total number of messages created",
		},
	)

	// MessagesRead counts messages transitioned to read.
	MessagesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_messages_read_total",
			Help: "Total number of messages marked read",
		},
	)

	// StoreErrors counts failed store operations by operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_store_errors_total",
			Help: "Total number of failed message store operations",
		},
		[]string{"op"},
	)

	// EventsPublished counts presence events accepted for fan-out.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_presence_events_published_total",
			Help: "Total number of presence events published",
		},
		[]string{"kind"},
	)

	// EventsDropped counts presence events that could not be delivered.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_presence_events_dropped_total",
			Help: "Total number of presence events dropped",
		},
		[]string{"reason"},
	)

	// ActiveConnections tracks open WebSocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_ws_active_connections",
			Help: "Number of currently open WebSocket connections",
		},
	)

	// ActiveSubscriptions tracks live channel subscriptions.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_presence_active_subscriptions",
			Help: "Number of live presence channel subscriptions",
		},
	)
)

// RecordEventPublished increments the published counter for kind.
func RecordEventPublished(kind string) {
	EventsPublished.WithLabelValues(kind).Inc()
}

// RecordEventDropped increments the dropped counter for reason.
func RecordEventDropped(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordStoreError increments the store error counter for op.
func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}
