package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsEnqueued tracks domain events accepted into the durable outbox
	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_enqueued_total",
		Help: "Total number of domain events enqueued into the outbox",
	}, []string{"kind"})

	// EventsSubmitted tracks the result of backend submissions
	// Labels allow filtering by outcome (ok/error) and event kind
	EventsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_submitted_total",
		Help: "Total number of backend submission attempts by outcome",
	}, []string{"outcome", "kind"})

	// OutboxBacklog is the primary indicator of sync lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_backlog",
		Help: "Current number of pending entries in the outbox",
	})

	// DrainDuration measures how long a full drain pass takes
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_drain_duration_seconds",
		Help:    "Duration of outbox drain passes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PeerMessages tracks mesh traffic by direction (sent/received)
	PeerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_total",
		Help: "Total peer messages sent and received over the mesh",
	}, []string{"direction", "kind"})

	// PeerMessagesDropped counts inbound messages discarded at the router
	// boundary. Reasons: own, addressed, expired, malformed, duplicate, unknown
	PeerMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_dropped_total",
		Help: "Total inbound peer messages dropped by the router",
	}, []string{"reason"})

	// ZoneTransitions counts geofence enter/exit events
	ZoneTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_zone_transitions_total",
		Help: "Total geofence zone transitions by direction (enter/exit)",
	}, []string{"direction"})

	// ConnectedPeers is the current size of the connected peer set
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connected_peers",
		Help: "Current number of connected peers",
	})
)
