package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders waiting entries; higher is served first
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// String returns the lowercase name of the priority
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four defined levels
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts either a level name or its numeric value
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s || fmt.Sprintf("%d", int(p)) == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// QueueState is the lifecycle state of a queue entry
type QueueState string

const (
	QueueWaiting   QueueState = "waiting"
	QueueAssigned  QueueState = "assigned"
	QueueCompleted QueueState = "completed"
	QueueAbandoned QueueState = "abandoned"
)

// Terminal reports whether no further transitions are allowed from s
func (s QueueState) Terminal() bool {
	return s == QueueCompleted || s == QueueAbandoned
}

// CanTransition reports whether from -> to is an edge of the entry state machine
func CanTransition(from, to QueueState) bool {
	switch from {
	case QueueWaiting:
		return to == QueueAssigned || to == QueueAbandoned
	case QueueAssigned:
		return to == QueueCompleted || to == QueueAbandoned
	}
	return false
}

// QueueEntry is one caller waiting for, or routed to, a handler
type QueueEntry struct {
	ID               string         `json:"id"`
	CustomerRef      string         `json:"customerRef"`
	PhoneNumber      string         `json:"phoneNumber"`
	RoomRef          string         `json:"roomRef"`
	Priority         Priority       `json:"priority"`
	State            QueueState     `json:"state"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	AssignedAt       *time.Time     `json:"assignedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	AbandonedAt      *time.Time     `json:"abandonedAt,omitempty"`
	AssignedAgentRef *string        `json:"assignedAgentRef,omitempty"`
}

// WaitTime is how long the entry waited before assignment, or has waited so far
func (e *QueueEntry) WaitTime(now time.Time) time.Duration {
	if e.AssignedAt != nil {
		return e.AssignedAt.Sub(e.CreatedAt)
	}
	return now.Sub(e.CreatedAt)
}

// QueueStats is the aggregate view served to dashboards and the API
type QueueStats struct {
	WaitingCount   int     `json:"waitingCount"`
	AssignedCount  int     `json:"assignedCount"`
	AvgWaitSeconds float64 `json:"avgWaitSeconds"`
	ActiveAgents   int     `json:"activeAgents"`
	// LongestWaitSeconds is the current wait of the oldest waiting entry
	LongestWaitSeconds float64 `json:"longestWaitSeconds"`
	// ServiceLevel is filled in by the scheduler process, not the store
	ServiceLevel ServiceLevel `json:"serviceLevel"`
}

// ServiceLevel is the share of routed calls answered within a wait threshold
type ServiceLevel struct {
	Target        int     `json:"target"`
	ThresholdSecs int     `json:"thresholdSecs"`
	AnsweredInSL  int     `json:"answeredInSL"`
	TotalAnswered int     `json:"totalAnswered"`
	CurrentSL     float64 `json:"currentSL"`
}
