package types

// CallRecord is a finished session as archived to DynamoDB
type CallRecord struct {
	DateKey         string  `json:"dateKey" dynamodbav:"DateKey"`     // YYYY-MM-DD (partition key)
	SessionID       string  `json:"sessionId" dynamodbav:"SessionID"` // sort key
	CustomerRef     string  `json:"customerRef" dynamodbav:"CustomerRef"`
	RoomRef         string  `json:"roomRef" dynamodbav:"RoomRef"`
	AgentID         string  `json:"agentId" dynamodbav:"AgentID"`
	HandledBy       string  `json:"handledBy" dynamodbav:"HandledBy"`
	QueueEntryID    string  `json:"queueEntryId,omitempty" dynamodbav:"QueueEntryID,omitempty"`
	StartTime       string  `json:"startTime" dynamodbav:"StartTime"` // RFC3339
	EndTime         string  `json:"endTime" dynamodbav:"EndTime"`     // RFC3339
	DurationSeconds int     `json:"durationSeconds" dynamodbav:"DurationSeconds"`
	TransferCount   int     `json:"transferCount" dynamodbav:"TransferCount"`
	EndReason       string  `json:"endReason,omitempty" dynamodbav:"EndReason,omitempty"`
	Sentiment       float64 `json:"sentiment,omitempty" dynamodbav:"Sentiment,omitempty"`
	OutcomeJSON     string  `json:"outcome,omitempty" dynamodbav:"Outcome,omitempty"`
}
