package types

import "time"

// Websocket message types
const (
	MsgCallAssign      = "call_assign"
	MsgTransferRequest = "transfer_request"
	MsgQueueStats      = "queue_stats"
)

// CallAssign is sent to a human agent when a queue entry is routed to them
type CallAssign struct {
	Type        string    `json:"type"` // "call_assign"
	AgentID     string    `json:"agentId"`
	EntryID     string    `json:"entryId"`
	SessionID   string    `json:"sessionId"`
	RoomRef     string    `json:"roomRef"`
	CustomerRef string    `json:"customerRef"`
	Priority    Priority  `json:"priority"`
	Timestamp   time.Time `json:"timestamp"`
}

// TransferRequest is sent to a human agent who is being handed a live call
type TransferRequest struct {
	Type         string       `json:"type"` // "transfer_request"
	AgentID      string       `json:"agentId"`
	SessionID    string       `json:"sessionId"`
	TransferType TransferType `json:"transferType"`
	RoomRef      string       `json:"roomRef"`
	Summary      string       `json:"summary,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// QueueStatsMessage is broadcast periodically to supervisor dashboards
type QueueStatsMessage struct {
	Type      string       `json:"type"` // "queue_stats"
	Stats     QueueStats   `json:"stats"`
	Alerts    []QueueAlert `json:"alerts,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// AlertSeverity classifies a queue alert
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// QueueAlert is a threshold breach on the queue
type QueueAlert struct {
	Rule     string        `json:"rule"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}
