// Package metrics exposes the broker's Prometheus instrumentation. The
// metric shapes (counter/gauge/histogram vecs keyed by reason) follow the
// donor WebSocket relay's metrics.go, renamed for the broker domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_total",
		Help: "Total sessions accepted.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "Currently live sessions.",
	})

	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_disconnects_total",
		Help: "Session disconnects by reason.",
	}, []string{"reason"})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_frames_received_total",
		Help: "Frames read from any connection, including heartbeats.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_frames_sent_total",
		Help: "Frames written to any connection, including heartbeats.",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_bytes_received_total",
		Help: "Raw bytes read from all connections.",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_bytes_sent_total",
		Help: "Raw bytes written to all connections.",
	})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_protocol_errors_total",
		Help: "Frame decode/oversize errors by kind.",
	}, []string{"kind"})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_subscriptions_active",
		Help: "Live entries in the subscription index.",
	})

	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_broadcast_fanout_size",
		Help:    "Number of subscribers matched per broadcast.",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000},
	})

	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_broadcast_dropped_total",
		Help: "Deliveries dropped because a subscriber's send buffer was full.",
	}, []string{"reason"})

	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_worker_queue_depth",
		Help: "Pending tasks in the fan-out worker pool queue.",
	})

	WorkerTasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_worker_tasks_dropped_total",
		Help: "Fan-out tasks dropped because the worker queue was full.",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_client_reconnects_total",
		Help: "Client-side reconnect attempts.",
	})

	SendAndWaitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_client_send_and_wait_timeouts_total",
		Help: "send_and_wait calls that resolved via timeout rather than a reply.",
	})

	ProcessMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_process_memory_bytes",
		Help: "Resident set size of the broker process.",
	})

	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_process_cpu_percent",
		Help: "Broker process CPU utilization percent, sampled periodically.",
	})

	ConnectionsRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connections_rate_limited_total",
		Help: "Accepted sockets closed immediately for exceeding the connection rate limit.",
	}, []string{"scope"})
)

// ServeHTTP starts a blocking HTTP server exposing /metrics and /healthz
// on addr. Intended to be run in its own goroutine by the caller.
func ServeHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
