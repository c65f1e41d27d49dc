// Package metrics provides Prometheus instrumentation for the live server.
// It exposes gauges for session counts, counters for event fan-out and
// administrative operations, and histograms for maintenance sweep durations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the current number of live sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "burrow_sessions_active",
		Help: "Current number of live WebSocket sessions",
	})

	// EventsDelivered counts fan-out deliveries, labeled by target kind:
	// "all", "usernames", or "connection".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "burrow_events_delivered_total",
		Help: "Total number of events delivered to connections",
	}, []string{"target"})

	// DeliveryFailures counts transport-level send errors during fan-out.
	// Failures never abort delivery to remaining targets.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_delivery_failures_total",
		Help: "Total number of failed event deliveries",
	})

	// PresenceBroadcasts counts userlist broadcasts to all connections.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_presence_broadcasts_total",
		Help: "Total number of presence (userlist) broadcasts",
	})

	// KicksTotal counts forced disconnect sequences (one per kicked user,
	// regardless of how many connections the user had).
	KicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_kicks_total",
		Help: "Total number of user kick operations",
	})

	// RateLimited counts actions rejected by the rate limiter, labeled by
	// bucket action (the first segment of the composite key).
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "burrow_rate_limited_total",
		Help: "Total number of actions rejected by the rate limiter",
	}, []string{"action"})

	// AdminOps counts processed admin channel messages, labeled by op and
	// outcome ("ok", "error").
	AdminOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "burrow_admin_ops_total",
		Help: "Total number of admin channel operations processed",
	}, []string{"op", "outcome"})

	// SweepDuration records the duration of maintenance sweeps in seconds.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "burrow_sweep_duration_seconds",
		Help:    "Duration of background maintenance sweeps",
		Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		EventsDelivered,
		DeliveryFailures,
		PresenceBroadcasts,
		KicksTotal,
		RateLimited,
		AdminOps,
		SweepDuration,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
