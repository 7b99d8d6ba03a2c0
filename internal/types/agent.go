package types

import "time"

// AgentStatus represents the presence of a human agent
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentAway    AgentStatus = "away"
)

// Valid reports whether s is a known status
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentBusy, AgentOffline, AgentAway:
		return true
	}
	return false
}

// Agent is a human agent as seen by the router
type Agent struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	PhoneNumber        string      `json:"phoneNumber"`
	Status             AgentStatus `json:"status"`
	CurrentCallCount   int         `json:"currentCallCount"`
	MaxConcurrentCalls int         `json:"maxConcurrentCalls"`
	LastAssignedAt     *time.Time  `json:"lastAssignedAt,omitempty"`
}

// Eligible reports whether the agent can take one more call
func (a *Agent) Eligible() bool {
	return a.Status == AgentOnline && a.CurrentCallCount < a.MaxConcurrentCalls
}
