package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.RWMutex

	// Scheduler metrics
	CyclesTotal        int64
	CycleErrorsTotal   int64
	AssignedHumanTotal int64
	AssignedAITotal    int64
	DispatchFailures   int64
	AssignConflicts    int64
	lastCycleDuration  time.Duration

	// Transfer metrics: type -> outcome -> count
	transfers map[types.TransferType]map[string]int64

	// Session metrics
	SessionsEndedTotal int64

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	activeConnections            int64

	// Queue gauges from the last stats snapshot
	queue types.QueueStats

	// HTTP metrics
	httpRequestsTotal map[string]map[int]int64 // endpoint -> status -> count

	// Timing
	startTime time.Time
}

// New creates a metrics registry
func New() *Metrics {
	return &Metrics{
		transfers:         make(map[types.TransferType]map[string]int64),
		httpRequestsTotal: make(map[string]map[int]int64),
		startTime:         time.Now(),
	}
}

// RecordCycle records one completed poll cycle
func (m *Metrics) RecordCycle(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.CyclesTotal++
	if err != nil {
		m.CycleErrorsTotal++
	}
	m.lastCycleDuration = duration
	m.mu.Unlock()
}

// RecordAssignment records a routed entry
func (m *Metrics) RecordAssignment(handledBy types.HandledBy) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if handledBy == types.HandledByHuman {
		m.AssignedHumanTotal++
	} else {
		m.AssignedAITotal++
	}
}

// RecordDispatchFailure increments the automated dispatch failure counter
func (m *Metrics) RecordDispatchFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.DispatchFailures++
	m.mu.Unlock()
}

// RecordConflict increments the lost assignment race counter
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.AssignConflicts++
	m.mu.Unlock()
}

// RecordTransfer records a transfer attempt outcome ("success" or "failure")
func (m *Metrics) RecordTransfer(t types.TransferType, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transfers[t] == nil {
		m.transfers[t] = make(map[string]int64)
	}
	m.transfers[t][outcome]++
}

// RecordSessionEnded increments the ended session counter
func (m *Metrics) RecordSessionEnded() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.SessionsEndedTotal++
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.WebSocketMessagesTotal++
	m.mu.Unlock()
}

// UpdateQueueStats stores the latest queue snapshot for the gauges
func (m *Metrics) UpdateQueueStats(stats types.QueueStats) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.queue = stats
	m.mu.Unlock()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.httpRequestsTotal[endpoint] == nil {
		m.httpRequestsTotal[endpoint] = make(map[int]int64)
	}
	m.httpRequestsTotal[endpoint][statusCode]++
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int:
				w.Write([]byte(name + labelStr + " " + strconv.Itoa(v) + "\n"))
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("callrouter_uptime_seconds", time.Since(m.startTime).Seconds())

		// Scheduler
		write("callrouter_scheduler_cycles_total", m.CyclesTotal)
		write("callrouter_scheduler_cycle_errors_total", m.CycleErrorsTotal)
		write("callrouter_scheduler_cycle_duration_seconds", m.lastCycleDuration.Seconds())
		write("callrouter_assignments_total", m.AssignedHumanTotal, "handled_by", string(types.HandledByHuman))
		write("callrouter_assignments_total", m.AssignedAITotal, "handled_by", string(types.HandledByAI))
		write("callrouter_dispatch_failures_total", m.DispatchFailures)
		write("callrouter_assign_conflicts_total", m.AssignConflicts)
		write("callrouter_service_level_percent", m.queue.ServiceLevel.CurrentSL)

		// Queue gauges
		write("callrouter_queue_waiting", m.queue.WaitingCount)
		write("callrouter_queue_assigned", m.queue.AssignedCount)
		write("callrouter_queue_avg_wait_seconds", m.queue.AvgWaitSeconds)
		write("callrouter_queue_longest_wait_seconds", m.queue.LongestWaitSeconds)
		write("callrouter_agents_active", m.queue.ActiveAgents)

		// Transfers
		transferTypes := make([]string, 0, len(m.transfers))
		for t := range m.transfers {
			transferTypes = append(transferTypes, string(t))
		}
		sort.Strings(transferTypes)
		for _, t := range transferTypes {
			for outcome, count := range m.transfers[types.TransferType(t)] {
				write("callrouter_transfers_total", count, "type", t, "outcome", outcome)
			}
		}

		write("callrouter_sessions_ended_total", m.SessionsEndedTotal)

		// WebSocket
		write("callrouter_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("callrouter_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("callrouter_websocket_active_connections", m.activeConnections)
		write("callrouter_websocket_messages_total", m.WebSocketMessagesTotal)

		// HTTP
		for endpoint, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("callrouter_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}
