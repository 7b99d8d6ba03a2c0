package types

import "time"

// HandledBy identifies which kind of handler currently owns a call
type HandledBy string

const (
	HandledByAI    HandledBy = "ai"
	HandledByHuman HandledBy = "human"
)

// TransferType selects how a live call is handed over
type TransferType string

const (
	// TransferWarm briefs the new handler in a side room before connecting the caller
	TransferWarm TransferType = "warm"
	// TransferCold redirects the caller immediately
	TransferCold TransferType = "cold"
)

// Valid reports whether t is warm or cold
func (t TransferType) Valid() bool {
	return t == TransferWarm || t == TransferCold
}

// Metadata keys written to a session's outcome bag
const (
	MetaTransferType     = "transfer_type"
	MetaTransferSuccess  = "transfer_success"
	MetaTransferTime     = "transfer_time"
	MetaConsultationRoom = "consultation_room"
	MetaEndReason        = "end_reason"
)

// CallSession is the record of a single handled call
type CallSession struct {
	ID               string         `json:"id"`
	CustomerRef      string         `json:"customerRef"`
	RoomRef          string         `json:"roomRef"`
	StartTime        time.Time      `json:"startTime"`
	EndTime          *time.Time     `json:"endTime,omitempty"`
	DurationSeconds  *int           `json:"durationSeconds,omitempty"`
	HandledBy        HandledBy      `json:"handledBy"`
	AgentRef         *string        `json:"agentRef,omitempty"`
	CapacityAgentRef *string        `json:"capacityAgentRef,omitempty"`
	QueueEntryRef    *string        `json:"queueEntryRef,omitempty"`
	TransferCount    int            `json:"transferCount"`
	OutcomeMetadata  map[string]any `json:"outcomeMetadata"`
}

// Ended reports whether the session has an end time
func (s *CallSession) Ended() bool {
	return s.EndTime != nil
}

// SameHandler reports whether the session is already in the given handler state
func (s *CallSession) SameHandler(handledBy HandledBy, agentRef *string) bool {
	if s.HandledBy != handledBy {
		return false
	}
	return StringPtrEqual(s.AgentRef, agentRef)
}

// StringPtrEqual compares two optional strings by value
func StringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StringPtr returns nil for the empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
