// Package metrics provides Prometheus instrumentation for the messenger. It
// exposes gauges for connections and online users, counters for socket events
// and persisted messages, and histograms for store latency and fan-out width.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes.
const (
	OutcomeHandled = "handled"
	OutcomeDropped = "dropped"
	OutcomeLimited = "rate_limited"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one live session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_online_users",
		Help: "Current number of users with at least one live session",
	})

	// EventsTotal counts inbound socket events by type and outcome.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_events_total",
		Help: "Total number of inbound socket events",
	}, []string{"event", "outcome"}) // outcome = "handled", "dropped", "rate_limited"

	// MessagesTotal counts persisted messages, labeled by conversation kind.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_messages_total",
		Help: "Total number of messages persisted",
	}, []string{"kind"}) // kind = "direct", "group"

	// StoreLatency records durable store operation latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisper_store_latency_seconds",
		Help:    "Durable store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// FanoutRecipients records how many sessions a room broadcast reached.
	FanoutRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_fanout_recipients",
		Help:    "Number of sessions reached by a room broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// SlowConsumerEvictions counts connections closed because their outbound
	// queue filled up.
	SlowConsumerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_slow_consumer_evictions_total",
		Help: "Connections evicted because their send queue was full",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		MessagesTotal,
		StoreLatency,
		FanoutRecipients,
		SlowConsumerEvictions,
	)
}

// ObserveStore records the time elapsed since start for a store operation.
// Intended for use with defer.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
