// ABOUTME: Prometheus instrumentation for connections, events and fan-out
// ABOUTME: Nil-safe collector backed by a private registry

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

// Collector holds the gateway's metric families.
type Collector struct {
	registry *prometheus.Registry

	activeConnections  prometheus.Gauge
	connectedUsers     prometheus.Gauge
	connections        prometheus.Counter
	disconnections     *prometheus.CounterVec
	connectionDuration prometheus.Histogram
	authFailures       *prometheus.CounterVec
	reauths            *prometheus.CounterVec
	inboundEvents      *prometheus.CounterVec
	rateLimited        prometheus.Counter
	deliveries         *prometheus.CounterVec
	dropped            prometheus.Counter
	sweepRemoved       prometheus.Counter
	bridgeMessages     *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Live authenticated connections.",
		}),
		connectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Distinct users with at least one live connection.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections that completed authentication.",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Disconnections by reason.",
		}, []string{"reason"}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of authenticated connections.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by reason.",
		}, []string{"reason"}),
		reauths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauthentications_total",
			Help:      "Successful reauthentications by outcome.",
		}, []string{"outcome"}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client events received by event name.",
		}, []string{"event"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_events_total",
			Help:      "Client events rejected by the rate limiter.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Events enqueued to connections by destination kind.",
		}, []string{"destination"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Outbound events dropped because a send queue was full.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_sweep_removed_total",
			Help:      "Rate limit entries reclaimed by the sweep.",
		}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Ingress bridge messages by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.activeConnections,
		c.connectedUsers,
		c.connections,
		c.disconnections,
		c.connectionDuration,
		c.authFailures,
		c.reauths,
		c.inboundEvents,
		c.rateLimited,
		c.deliveries,
		c.dropped,
		c.sweepRemoved,
		c.bridgeMessages,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetPopulation records the current connection and user counts.
func (c *Collector) SetPopulation(connections, users int) {
	if c == nil {
		return
	}
	c.activeConnections.Set(float64(connections))
	c.connectedUsers.Set(float64(users))
}

// Connected counts a completed handshake.
func (c *Collector) Connected() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// Disconnected counts a teardown and observes how long the connection lived.
func (c *Collector) Disconnected(reason string, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.disconnections.WithLabelValues(reason).Inc()
	c.connectionDuration.Observe(lifetime.Seconds())
}

// AuthFailed counts a rejected credential.
func (c *Collector) AuthFailed(reason string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(reason).Inc()
}

// Reauthenticated counts a successful reauthentication. migrated reports
// whether group membership changed.
func (c *Collector) Reauthenticated(migrated bool) {
	if c == nil {
		return
	}
	outcome := "unchanged"
	if migrated {
		outcome = "migrated"
	}
	c.reauths.WithLabelValues(outcome).Inc()
}

// InboundEvent counts a client event. Unknown names are folded into one
// label value to bound cardinality.
func (c *Collector) InboundEvent(event string, known bool) {
	if c == nil {
		return
	}
	if !known {
		event = "unknown"
	}
	c.inboundEvents.WithLabelValues(event).Inc()
}

// RateLimited counts a denied client event.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// Delivered counts fan-out recipients for one routed event.
func (c *Collector) Delivered(destination string, recipients int) {
	if c == nil || recipients == 0 {
		return
	}
	c.deliveries.WithLabelValues(destination).Add(float64(recipients))
}

// Dropped counts an outbound event discarded on a full queue.
func (c *Collector) Dropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// SweepRemoved counts rate limit entries removed by one sweep.
func (c *Collector) SweepRemoved(n int) {
	if c == nil || n == 0 {
		return
	}
	c.sweepRemoved.Add(float64(n))
}

// BridgeMessage counts an ingress message by result
// ("routed", "duplicate", "invalid", "failed").
func (c *Collector) BridgeMessage(result string) {
	if c == nil {
		return
	}
	c.bridgeMessages.WithLabelValues(result).Inc()
}
