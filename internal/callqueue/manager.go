package callqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/events"
	"github.com/dennisdiepolder/monti/router/internal/session"
	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotWaiting is returned for operations that only apply to waiting entries
	ErrNotWaiting = errors.New("queue entry is not waiting")
	// ErrInvalidPriority is returned for priorities outside low..urgent
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrInvalidRequest is returned when an enqueue request is missing fields
	ErrInvalidRequest = errors.New("invalid enqueue request")
)

// EnqueueRequest describes a caller handed over by the intake layer
type EnqueueRequest struct {
	CustomerRef string         `json:"customerRef"`
	PhoneNumber string         `json:"phoneNumber"`
	RoomRef     string         `json:"roomRef"`
	Priority    types.Priority `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Manager owns queue entry writes outside the poll cycle
type Manager struct {
	store       storage.Store
	tracker     *session.Tracker
	events      events.Publisher
	statsWindow time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewManager creates a new queue manager
func NewManager(store storage.Store, tracker *session.Tracker, pub events.Publisher, statsWindow time.Duration, logger zerolog.Logger) *Manager {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if statsWindow <= 0 {
		statsWindow = time.Hour
	}
	return &Manager{
		store:       store,
		tracker:     tracker,
		events:      pub,
		statsWindow: statsWindow,
		logger:      logger.With().Str("component", "queue_manager").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds a waiting entry
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*types.QueueEntry, error) {
	if req.RoomRef == "" {
		return nil, fmt.Errorf("%w: roomRef is required", ErrInvalidRequest)
	}
	if req.CustomerRef == "" {
		return nil, fmt.Errorf("%w: customerRef is required", ErrInvalidRequest)
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, req.Priority)
	}

	entry := &types.QueueEntry{
		ID:          uuid.New().String(),
		CustomerRef: req.CustomerRef,
		PhoneNumber: req.PhoneNumber,
		RoomRef:     req.RoomRef,
		Priority:    req.Priority,
		State:       types.QueueWaiting,
		Metadata:    req.Metadata,
		CreatedAt:   m.now(),
	}
	if err := m.store.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	m.logger.Info().
		Str("entry_id", entry.ID).
		Str("customer_id", entry.CustomerRef).
		Str("room", entry.RoomRef).
		Str("priority", entry.Priority.String()).
		Msg("call enqueued")

	events.Emit(ctx, m.events, m.logger, events.Event{
		Type:    events.EntryEnqueued,
		EntryID: entry.ID,
		RoomRef: entry.RoomRef,
		Data:    map[string]any{"priority": int(entry.Priority), "customer_id": entry.CustomerRef},
	})
	return entry, nil
}

// MarkCompleted finishes an assigned entry and ends its open session in the
// same transaction, which releases the agent. Completing an entry that is
// already terminal succeeds without changing it.
func (m *Manager) MarkCompleted(ctx context.Context, entryID string) error {
	now := m.now()
	var (
		changed bool
		ended   *types.CallSession
	)
	err := m.store.WithTx(ctx, func(tx storage.Tx) error {
		changed, ended = false, nil
		entry, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.State.Terminal() {
			return nil
		}
		if entry.State != types.QueueAssigned {
			return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, entry.State, types.QueueCompleted)
		}
		changed, err = tx.TransitionEntry(ctx, entryID, types.QueueAssigned, types.QueueCompleted,
			storage.EntryFields{CompletedAt: &now})
		if err != nil {
			return err
		}
		if !changed {
			// A concurrent writer finalized it first
			return m.terminalOrConflict(ctx, tx, entryID)
		}
		ended, err = endOpenSessionInTx(ctx, tx, entryID, "completed", now)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if changed {
		m.logger.Info().Str("entry_id", entryID).Msg("queue entry completed")
		events.Emit(ctx, m.events, m.logger, events.Event{Type: events.EntryCompleted, EntryID: entryID})
	}
	if ended != nil && m.tracker != nil {
		m.tracker.NotifyEnded(ctx, ended)
	}
	return nil
}

// MarkAbandoned finalizes an entry whose caller hung up. An assigned entry's
// open session is ended in the same transaction, which releases the agent.
func (m *Manager) MarkAbandoned(ctx context.Context, entryID string) error {
	now := m.now()
	var (
		changed bool
		from    types.QueueState
		ended   *types.CallSession
	)
	err := m.store.WithTx(ctx, func(tx storage.Tx) error {
		changed, ended = false, nil
		entry, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.State.Terminal() {
			return nil
		}
		from = entry.State

		changed, err = tx.TransitionEntry(ctx, entryID, from, types.QueueAbandoned,
			storage.EntryFields{AbandonedAt: &now})
		if err != nil {
			return err
		}
		if !changed {
			return m.terminalOrConflict(ctx, tx, entryID)
		}
		if from != types.QueueAssigned {
			return nil
		}
		ended, err = endOpenSessionInTx(ctx, tx, entryID, "abandoned", now)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark abandoned: %w", err)
	}

	if changed {
		m.logger.Info().
			Str("entry_id", entryID).
			Str("from", string(from)).
			Msg("queue entry abandoned")
		events.Emit(ctx, m.events, m.logger, events.Event{
			Type:    events.EntryAbandoned,
			EntryID: entryID,
			Data:    map[string]any{"from": string(from)},
		})
	}
	if ended != nil && m.tracker != nil {
		m.tracker.NotifyEnded(ctx, ended)
	}
	return nil
}

// endOpenSessionInTx ends the entry's open session, if any, and returns it
// when this call was the one that ended it.
func endOpenSessionInTx(ctx context.Context, tx storage.Tx, entryID, reason string, now time.Time) (*types.CallSession, error) {
	sess, err := tx.FindOpenSessionByEntry(ctx, entryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	didEnd, err := session.EndInTx(ctx, tx, sess, map[string]any{types.MetaEndReason: reason}, now)
	if err != nil || !didEnd {
		return nil, err
	}
	return sess, nil
}

// terminalOrConflict decides what a lost compare-and-swap means: success if
// the entry is now terminal, otherwise a conflict for the caller to retry.
func (m *Manager) terminalOrConflict(ctx context.Context, tx storage.Tx, entryID string) error {
	entry, err := tx.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.State.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: entry %s moved to %s", storage.ErrConflict, entryID, entry.State)
}

// UpdatePriority reprioritizes a waiting entry
func (m *Manager) UpdatePriority(ctx context.Context, entryID string, p types.Priority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}
	ok, err := m.store.UpdatePriority(ctx, entryID, p)
	if err != nil {
		return fmt.Errorf("update priority: %w", err)
	}
	if !ok {
		if _, err := m.store.GetEntry(ctx, entryID); err != nil {
			return err
		}
		return ErrNotWaiting
	}

	m.logger.Info().
		Str("entry_id", entryID).
		Str("priority", p.String()).
		Msg("queue priority updated")
	return nil
}

// Position returns the 1-based place of a waiting entry in service order
func (m *Manager) Position(ctx context.Context, entryID string) (int, error) {
	entry, err := m.store.GetEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}
	if entry.State != types.QueueWaiting {
		return 0, ErrNotWaiting
	}
	ahead, err := m.store.CountAhead(ctx, entry)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return ahead + 1, nil
}

// QueueStats aggregates the queue over the configured window
func (m *Manager) QueueStats(ctx context.Context) (types.QueueStats, error) {
	now := m.now()
	stats, err := m.store.QueueStats(ctx, now.Add(-m.statsWindow), now)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// Get returns a queue entry by id
func (m *Manager) Get(ctx context.Context, entryID string) (*types.QueueEntry, error) {
	return m.store.GetEntry(ctx, entryID)
}

// Waiting lists waiting entries in service order
func (m *Manager) Waiting(ctx context.Context, limit int) ([]types.QueueEntry, error) {
	return m.store.FetchWaiting(ctx, limit)
}
