// Package metrics holds the broker's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_connections",
		Help: "Open WebSocket connections",
	})

	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_queue_size",
		Help: "Tickets waiting for a partner",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_active_sessions",
		Help: "Sessions that are not closed",
	})

	// MessagesTotal is labeled by outcome: relayed, blocked, invalid, duplicate.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_messages_total",
		Help: "Chat messages handled, by outcome",
	}, []string{"outcome"})

	// MatchesTotal is labeled by match kind: interest or random.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_matches_total",
		Help: "Pairs formed, by match kind",
	}, []string{"kind"})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_sessions_closed_total",
		Help: "Sessions closed, by reason",
	}, []string{"reason"})

	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairchat_match_wait_seconds",
		Help:    "Time from joining the queue to being paired",
		Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	Resyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_resyncs_total",
		Help: "Resync batches served",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_rate_limited_total",
		Help: "Inbound frames rejected by the rate limiter, by message type",
	}, []string{"type"})

	EventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairchat_event_latency_seconds",
		Help:    "Time the broker loop spends on one event",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		QueueSize,
		ActiveSessions,
		MessagesTotal,
		MatchesTotal,
		SessionsClosed,
		MatchWait,
		Resyncs,
		RateLimited,
		EventLatency,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
