package statusapi

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/sony/gobreaker/v2"

	"claw-bridge/internal/domain"
)

var allStates = []domain.ConnectionState{
	domain.StateDisconnected,
	domain.StateConnecting,
	domain.StateConnected,
	domain.StateAuthenticating,
	domain.StateAuthenticated,
	domain.StateReconnecting,
	domain.StateError,
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// handleMetrics serves GET /metrics in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	st := s.deps.Stats.Stats()

	fmt.Fprintf(w, "# HELP clawbridge_connection_state Current connection state (1 for the active state).\n")
	fmt.Fprintf(w, "# TYPE clawbridge_connection_state gauge\n")
	for _, state := range allStates {
		v := 0
		if state == st.State {
			v = 1
		}
		fmt.Fprintf(w, "clawbridge_connection_state{state=%q} %d\n", state.String(), v)
	}

	active := 0
	if st.State.IsActive() {
		active = 1
	}
	writeMetric(w, "clawbridge_session_active", "gauge", "Whether a transport session is open or being built.", active)

	writeMetric(w, "clawbridge_requests_sent_total", "counter", "Requests written to the gateway.", st.RequestsSent)
	writeMetric(w, "clawbridge_responses_received_total", "counter", "Responses matched to a pending request.", st.ResponsesReceived)
	writeMetric(w, "clawbridge_events_received_total", "counter", "Events received from the gateway.", st.EventsReceived)
	writeMetric(w, "clawbridge_reconnections_total", "counter", "Successful reconnections.", st.Reconnections)
	writeMetric(w, "clawbridge_errors_total", "counter", "Transport and protocol errors.", st.Errors)
	writeMetric(w, "clawbridge_pending_requests", "gauge", "Requests awaiting a response.", st.Pending)

	if !st.LastHeartbeatAt.IsZero() {
		writeMetric(w, "clawbridge_heartbeat_age_seconds", "gauge", "Seconds since the last successful ping.",
			fmt.Sprintf("%.3f", time.Since(st.LastHeartbeatAt).Seconds()))
	}

	if s.deps.Breaker != nil {
		open := 0
		if s.deps.Breaker.State() != gobreaker.StateClosed {
			open = 1
		}
		writeMetric(w, "clawbridge_breaker_open", "gauge", "Whether the request circuit breaker is open or half-open.", open)
		writeMetric(w, "clawbridge_breaker_consecutive_failures", "gauge", "Consecutive request failures seen by the breaker.",
			s.deps.Breaker.Counts().ConsecutiveFailures)
	}

	if s.deps.Journal != nil {
		if n, err := s.deps.Journal.Count(r.Context()); err == nil {
			writeMetric(w, "clawbridge_journal_entries", "gauge", "Rows held in the event journal.", n)
		}
	}

	writeMetric(w, "clawbridge_uptime_seconds", "gauge", "Seconds since the bridge started.",
		fmt.Sprintf("%.0f", time.Since(s.started).Seconds()))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", runtime.NumGoroutine())
	writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", mem.Alloc)
	writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", mem.Sys)
}
