package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_messages_sent_total",
			Help: "Messages appended to threads",
		},
		[]string{"message_type", "payload"},
	)

	ThreadsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_threads_created_total",
			Help: "Threads created",
		},
		[]string{"kind"},
	)

	DirectThreadRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_direct_thread_races_total",
			Help: "Direct thread creations that lost the uniqueness race and re-fetched the winner",
		},
	)

	ListTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_list_timeouts_total",
			Help: "List queries that hit the server-side deadline",
		},
		[]string{"list"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_events_published_total",
			Help: "Real-time events handed to the broker",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_events_dropped_total",
			Help: "Events dropped because a connection's send buffer was full",
		},
	)

	SocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadline_socket_connections",
			Help: "Open WebSocket connections on this process",
		},
	)

	SocketFramesThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadline_socket_frames_throttled_total",
			Help: "Inbound socket frames rejected by the per-connection rate limit",
		},
	)

	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_search_queries_total",
			Help: "Message search queries by backend",
		},
		[]string{"backend"},
	)
)
