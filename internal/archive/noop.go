package archive

import (
	"context"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

// Archive stores finished call sessions for reporting
type Archive interface {
	SaveCallRecord(ctx context.Context, record types.CallRecord) error
	GetCallRecords(ctx context.Context, dateKey string) ([]types.CallRecord, error)
	GetAgentCallsByDate(ctx context.Context, agentID, date string) ([]types.CallRecord, error)
}

// NoopArchive is a no-op implementation when DynamoDB is disabled
type NoopArchive struct{}

func NewNoopArchive() *NoopArchive { return &NoopArchive{} }

func (NoopArchive) SaveCallRecord(context.Context, types.CallRecord) error { return nil }
func (NoopArchive) GetCallRecords(context.Context, string) ([]types.CallRecord, error) {
	return nil, nil
}
func (NoopArchive) GetAgentCallsByDate(context.Context, string, string) ([]types.CallRecord, error) {
	return nil, nil
}
