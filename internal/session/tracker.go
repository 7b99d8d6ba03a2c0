package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/archive"
	"github.com/dennisdiepolder/monti/router/internal/events"
	"github.com/dennisdiepolder/monti/router/internal/metrics"
	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tracker records the lifecycle of handled calls. Every operation is safe to
// repeat with the same arguments.
type Tracker struct {
	store   storage.Store
	archive archive.Archive
	events  events.Publisher
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a new Tracker
func NewTracker(store storage.Store, arch archive.Archive, pub events.Publisher, logger zerolog.Logger) *Tracker {
	if arch == nil {
		arch = archive.NewNoopArchive()
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Tracker{
		store:   store,
		archive: arch,
		events:  pub,
		logger:  logger.With().Str("component", "session_tracker").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics makes the tracker count ended sessions in m
func (t *Tracker) WithMetrics(m *metrics.Metrics) *Tracker {
	t.metrics = m
	return t
}

// Open starts a session handled by the automated agent. A second call for a
// room that already has an open session returns that session's id.
func (t *Tracker) Open(ctx context.Context, customerRef, roomRef string) (string, error) {
	if roomRef == "" {
		return "", fmt.Errorf("roomRef is required")
	}

	s := &types.CallSession{
		ID:              uuid.New().String(),
		CustomerRef:     customerRef,
		RoomRef:         roomRef,
		StartTime:       t.now(),
		HandledBy:       types.HandledByAI,
		OutcomeMetadata: map[string]any{},
	}

	var (
		sess    *types.CallSession
		created bool
	)
	err := t.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		sess, created, err = OpenInTx(ctx, tx, s)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}

	if created {
		t.logger.Info().
			Str("session_id", sess.ID).
			Str("room", roomRef).
			Str("customer_id", customerRef).
			Msg("session opened")
		events.Emit(ctx, t.events, t.logger, events.Event{
			Type:      events.SessionOpened,
			SessionID: sess.ID,
			RoomRef:   roomRef,
			Data:      map[string]any{"handled_by": string(sess.HandledBy)},
		})
	}
	return sess.ID, nil
}

// RecordEnd closes the session, merging metadata into its outcome. A session
// that has already ended is left untouched.
func (t *Tracker) RecordEnd(ctx context.Context, sessionID string, metadata map[string]any) (*types.CallSession, error) {
	var (
		sess  *types.CallSession
		ended bool
	)
	err := t.store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		sess = s
		ended, err = EndInTx(ctx, tx, s, metadata, t.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record session end: %w", err)
	}

	if !ended {
		t.logger.Debug().Str("session_id", sessionID).Msg("session already ended")
		return sess, nil
	}

	t.NotifyEnded(ctx, sess)
	return sess, nil
}

// NotifyEnded archives and announces a session whose end has committed.
// Callers that end sessions inside their own transaction call it after commit.
func (t *Tracker) NotifyEnded(ctx context.Context, sess *types.CallSession) {
	t.logger.Info().
		Str("session_id", sess.ID).
		Str("handled_by", string(sess.HandledBy)).
		Str("agent_id", types.Deref(sess.AgentRef)).
		Int("duration_seconds", *sess.DurationSeconds).
		Int("transfer_count", sess.TransferCount).
		Msg("session ended")
	t.metrics.RecordSessionEnded()

	if err := t.archive.SaveCallRecord(ctx, archive.RecordFromSession(sess)); err != nil {
		t.logger.Error().Err(err).Str("session_id", sess.ID).Msg("failed to archive call record")
	}

	events.Emit(ctx, t.events, t.logger, events.Event{
		Type:      events.SessionEnded,
		SessionID: sess.ID,
		AgentID:   types.Deref(sess.AgentRef),
		RoomRef:   sess.RoomRef,
		EntryID:   types.Deref(sess.QueueEntryRef),
		Data: map[string]any{
			"duration_seconds": *sess.DurationSeconds,
			"transfer_count":   sess.TransferCount,
			"handled_by":       string(sess.HandledBy),
		},
	})
}

// UpdateHandler hands the session to a new handler. It is a no-op when the
// session is already in that state; any real change increments transferCount.
// metadata is merged in the same write.
func (t *Tracker) UpdateHandler(ctx context.Context, sessionID string, handledBy types.HandledBy, agentRef *string, metadata map[string]any) (*types.CallSession, bool, error) {
	if handledBy == types.HandledByAI {
		agentRef = nil
	}
	if handledBy == types.HandledByHuman && agentRef == nil {
		return nil, false, fmt.Errorf("human handler requires an agent")
	}

	var (
		sess    *types.CallSession
		changed bool
	)
	err := t.store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		sess = s
		changed, err = handoverInTx(ctx, tx, s, handledBy, agentRef, metadata, t.now())
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("update session handler: %w", err)
	}

	if changed {
		t.logger.Info().
			Str("session_id", sessionID).
			Str("handled_by", string(handledBy)).
			Str("agent_id", types.Deref(agentRef)).
			Int("transfer_count", sess.TransferCount).
			Bool("session_ended", sess.Ended()).
			Msg("session handler updated")
	}
	return sess, changed, nil
}

// MergeMetadata adds outcome data reported by the conversation engine
func (t *Tracker) MergeMetadata(ctx context.Context, sessionID string, metadata map[string]any) (*types.CallSession, error) {
	var sess *types.CallSession
	err := t.store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		s.OutcomeMetadata = Merge(s.OutcomeMetadata, metadata)
		sess = s
		return tx.UpdateSession(ctx, s)
	})
	if err != nil {
		return nil, fmt.Errorf("merge session metadata: %w", err)
	}
	return sess, nil
}

// Get returns a session by id
func (t *Tracker) Get(ctx context.Context, sessionID string) (*types.CallSession, error) {
	return t.store.GetSession(ctx, sessionID)
}
