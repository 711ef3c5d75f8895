package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_frames_received_total",
		Help: "Inbound frames by type.",
	}, []string{"type"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_frames_dropped_total",
		Help: "Inbound messages that failed to parse.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_reconnect_attempts_total",
		Help: "Automatic reconnect attempts after abnormal closure.",
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_tool_calls_total",
		Help: "Tool call records by terminal status.",
	}, []string{"status"})

	PermissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_permission_decisions_total",
		Help: "Permission handshake outcomes.",
	}, []string{"decision"})

	TurnsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_turns_completed_total",
		Help: "Result frames observed.",
	})

	SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_session_restarts_total",
		Help: "Forced session restarts (parameter changes, session_not_found).",
	})
)

// Serve exposes /metrics on the given address. Empty address disables it.
func Serve(listen string) {
	if listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("Metrics listening on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()
}
