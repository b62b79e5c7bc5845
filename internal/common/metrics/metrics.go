// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmgui_runs_total",
		Help: "Total number of completed runs by status",
	}, []string{"status"})

	// ActiveRuns tracks the number of currently executing runs.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmgui_active_runs",
		Help: "Number of currently active runs",
	})

	// QueuedTurns tracks the total number of turns waiting across all conversations.
	QueuedTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmgui_queued_turns",
		Help: "Number of queued turns across all conversations",
	})

	// ChunksPersisted counts stream chunks written to the store.
	ChunksPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gmgui_chunks_persisted_total",
		Help: "Total number of stream chunks persisted",
	})

	// ChunkWriteDuration measures store write latency for stream chunks.
	ChunkWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gmgui_chunk_write_duration_seconds",
		Help:    "Duration of stream chunk store writes",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// AgentProcesses tracks the number of running agent subprocesses.
	AgentProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmgui_agent_processes",
		Help: "Number of running agent subprocesses",
	})

	// AgentRestarts counts supervisor restarts by agent.
	AgentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmgui_agent_restarts_total",
		Help: "Total number of agent subprocess restarts",
	}, []string{"agent"})

	// WSClients tracks connected WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmgui_ws_clients",
		Help: "Number of connected WebSocket clients",
	})

	// WSMessagesSent counts outbound WebSocket messages by priority.
	WSMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmgui_ws_messages_sent_total",
		Help: "Total number of WebSocket messages sent by priority",
	}, []string{"priority"})

	// WSMessagesDropped counts messages dropped on the outbound path.
	WSMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmgui_ws_messages_dropped_total",
		Help: "Total number of WebSocket messages dropped",
	}, []string{"reason"})

	// WSBytesSent counts outbound WebSocket payload bytes.
	WSBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gmgui_ws_bytes_sent_total",
		Help: "Total outbound WebSocket payload bytes",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
