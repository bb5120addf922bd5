// Package metrics holds the Prometheus instruments shared by the chat
// fan-out components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool_chat"

// Discard reasons for inbound envelopes.
const (
	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
	ReasonInvalid     = "invalid"
	ReasonRateLimited = "rate_limited"
)

// Broker operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
)

// Metrics groups the service's counters and gauges.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	RoomsActive        prometheus.Gauge
	MessagesPublished  prometheus.Counter
	MessagesDelivered  prometheus.Counter
	EnvelopesDiscarded *prometheus.CounterVec
	BrokerErrors       *prometheus.CounterVec
	StoreErrors        prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections in this process",
		}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of rooms with a live broker subscription in this process",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Chat messages published to the shared broker",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Payloads handed to local connections",
		}),
		EnvelopesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_discarded_total",
			Help:      "Inbound envelopes dropped without processing",
		}, []string{"reason"}),
		BrokerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_errors_total",
			Help:      "Failed broker operations",
		}, []string{"op"}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed chat message writes",
		}),
	}
}

// NewUnregistered returns instruments backed by a private registry, for
// tests and tools that do not expose /metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
