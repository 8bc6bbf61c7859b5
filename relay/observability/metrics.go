package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIn counts well-formed JSON frames received from clients.
	MessagesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_in_total",
		Help: "Total number of client frames parsed as JSON",
	})

	// MessagesOut counts message events delivered to clients.
	MessagesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_out_total",
		Help: "Total number of message events delivered to clients",
	}, []string{"path"}) // live, catchup

	// PublishLatency tracks log store append latency for client publishes.
	PublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_publish_latency_seconds",
		Help:    "Latency of log store appends issued by the publish path",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	})

	// PublishResults counts publish outcomes.
	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_results_total",
		Help: "Publish requests by outcome",
	}, []string{"result"}) // ack, invalid, not_ready, rate_limited, store_error

	// PublishLatencyAvg is the average append latency of the last aggregation window.
	PublishLatencyAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_publish_latency_avg_ms",
		Help: "Average publish latency over the last metrics window in milliseconds",
	})

	// ActiveReaders tracks live tail readers by lifecycle state.
	ActiveReaders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_active_readers",
		Help: "Live tail readers per lifecycle state",
	}, []string{"state"})

	// ChannelSubscribers tracks the total of local subscriptions across channels.
	ChannelSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_channel_subscribers",
		Help: "Current number of local channel subscriptions",
	})

	// ConnectedClients tracks admitted WebSocket connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_clients",
		Help: "Current number of admitted WebSocket connections",
	})

	// ConnectionsRejected counts refused connection attempts.
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connection attempts refused by the gate",
	}, []string{"reason"}) // unauthorized, capacity

	// SlowClientsDisconnected counts connections evicted for not keeping up with live or held messages.
	SlowClientsDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_clients_disconnected_total",
		Help: "Connections closed because they could not keep up with delivery",
	})

	// DecodeFailures counts log entries skipped because their payload was not JSON.
	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_payload_decode_failures_total",
		Help: "Log entries skipped due to malformed JSON payload",
	}, []string{"path"})

	// ReaderRetries counts tail reader backoffs.
	ReaderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reader_retries_total",
		Help: "Live tail reader backoffs",
	}, []string{"reason"}) // not_ready, read_error

	// StoreLatency tracks log store roundtrip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_store_roundtrip_latency_seconds",
		Help:    "Log store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"backend", "op"})

	// StoreReady is 1 while the log store append session is connected.
	StoreReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_store_session_ready",
		Help: "Log store session readiness (1 = ready)",
	}, []string{"session"})
)
