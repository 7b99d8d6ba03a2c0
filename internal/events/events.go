package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event types published after a state change commits
const (
	EntryEnqueued     = "entry.enqueued"
	EntryAssigned     = "entry.assigned"
	EntryCompleted    = "entry.completed"
	EntryAbandoned    = "entry.abandoned"
	SessionOpened     = "session.opened"
	SessionEnded      = "session.ended"
	TransferCompleted = "transfer.completed"
)

// Event is a committed lifecycle change
type Event struct {
	Type      string         `json:"type"`
	EntryID   string         `json:"entryId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	RoomRef   string         `json:"roomRef,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events to downstream consumers.
// Delivery is best effort; the store remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NoopPublisher drops every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Emit publishes e and logs, rather than returns, a delivery failure
func Emit(ctx context.Context, p Publisher, logger zerolog.Logger, e Event) {
	if p == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn().Err(err).Str("event", e.Type).Msg("failed to publish event")
	}
}
