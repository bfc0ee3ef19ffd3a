package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "infrasalud", Name: "job_transitions_total", Help: "Job lifecycle transitions applied"},
		[]string{"transition"},
	)
	GuardRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "infrasalud", Name: "job_guard_rejections_total", Help: "Lifecycle actions rejected by a guard"},
		[]string{"transition"},
	)
	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "infrasalud", Name: "chat_messages_total", Help: "Chat messages appended"})

	DiscoveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "infrasalud", Name: "discovery_latency_seconds", Help: "Worker discovery latency seconds"})
	WorkersOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "infrasalud", Name: "workers_online", Help: "Number of online workers seen by this instance"})

	LiveSessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "infrasalud", Name: "live_sessions", Help: "Connected live sessions"})
	LiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "infrasalud", Name: "live_subscriptions", Help: "Open live query subscriptions"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "infrasalud", Name: "notifications_total", Help: "Notifications delivered by channel"},
		[]string{"channel", "result"},
	)

	ConsumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "infrasalud", Name: "consumer_messages_total", Help: "Kafka messages consumed"},
		[]string{"topic", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "infrasalud", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "infrasalud",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
