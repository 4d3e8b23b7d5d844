// ABOUTME: Prometheus collectors for HTTP traffic, messaging and realtime fan-out
// ABOUTME: Registered on the default registry via promauto and served by promhttp

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "murmur_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_rate_limit_hits_total",
			Help: "Total API requests rejected by the per-user rate limiter",
		},
	)

	// Messaging metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_messages_sent_total",
			Help: "Total direct messages persisted",
		},
	)

	MessagesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_messages_read_total",
			Help: "Total messages transitioned from unread to read",
		},
	)

	// Realtime metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_events_published_total",
			Help: "Total realtime events published",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_events_dropped_total",
			Help: "Total events dropped for subscribers with full buffers",
		},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_broadcast_failures_total",
			Help: "Total publish attempts that failed after the triggering write succeeded",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "murmur_ws_connections",
			Help: "Currently open WebSocket connections",
		},
	)
)
