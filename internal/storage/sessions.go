package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

const sessionColumns = `id, customer_ref, room_ref, start_time, end_time, duration_seconds, handled_by,
	agent_ref, capacity_agent_ref, queue_entry_ref, transfer_count, outcome_metadata`

func scanSession(row rowScanner) (*types.CallSession, error) {
	var (
		s          types.CallSession
		startTime  int64
		endTime    sql.NullInt64
		duration   sql.NullInt64
		agentRef   sql.NullString
		capacityOf sql.NullString
		entryRef   sql.NullString
		outcome    string
	)
	if err := row.Scan(
		&s.ID, &s.CustomerRef, &s.RoomRef, &startTime, &endTime, &duration, &s.HandledBy,
		&agentRef, &capacityOf, &entryRef, &s.TransferCount, &outcome,
	); err != nil {
		return nil, err
	}
	s.StartTime = time.UnixMilli(startTime).UTC()
	s.EndTime = fromMillis(endTime)
	if duration.Valid {
		d := int(duration.Int64)
		s.DurationSeconds = &d
	}
	s.AgentRef = fromNullString(agentRef)
	s.CapacityAgentRef = fromNullString(capacityOf)
	s.QueueEntryRef = fromNullString(entryRef)
	s.OutcomeMetadata = map[string]any{}
	if outcome != "" {
		if err := json.Unmarshal([]byte(outcome), &s.OutcomeMetadata); err != nil {
			return nil, fmt.Errorf("decode outcome metadata: %w", err)
		}
	}
	return &s, nil
}

func (o *sqlOps) InsertSession(ctx context.Context, s *types.CallSession) (bool, error) {
	outcome, err := encodeMetadata(s.OutcomeMetadata)
	if err != nil {
		return false, err
	}
	return o.changed(ctx, "insert session",
		`INSERT INTO call_sessions (id, customer_ref, room_ref, start_time, handled_by,
			agent_ref, capacity_agent_ref, queue_entry_ref, transfer_count, outcome_metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (room_ref) WHERE end_time IS NULL DO NOTHING`,
		s.ID, s.CustomerRef, s.RoomRef, s.StartTime.UnixMilli(), string(s.HandledBy),
		nullString(s.AgentRef), nullString(s.CapacityAgentRef), nullString(s.QueueEntryRef),
		s.TransferCount, outcome,
	)
}

func (o *sqlOps) getSession(ctx context.Context, op, where string, args ...any) (*types.CallSession, error) {
	s, err := scanSession(o.queryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(o.d, op, err)
	}
	return s, nil
}

func (o *sqlOps) GetSession(ctx context.Context, id string) (*types.CallSession, error) {
	return o.getSession(ctx, "get session", `id = ?`, id)
}

func (o *sqlOps) LockSession(ctx context.Context, id string) (*types.CallSession, error) {
	return o.getSession(ctx, "lock session", `id = ?`+o.d.forUpdate(), id)
}

func (o *sqlOps) FindOpenSessionByRoom(ctx context.Context, roomRef string) (*types.CallSession, error) {
	return o.getSession(ctx, "find session by room", `room_ref = ? AND end_time IS NULL`, roomRef)
}

func (o *sqlOps) FindOpenSessionByEntry(ctx context.Context, entryID string) (*types.CallSession, error) {
	return o.getSession(ctx, "find session by entry",
		`queue_entry_ref = ? AND end_time IS NULL ORDER BY start_time DESC LIMIT 1`+o.d.forUpdate(), entryID)
}

func (o *sqlOps) UpdateSession(ctx context.Context, s *types.CallSession) error {
	outcome, err := encodeMetadata(s.OutcomeMetadata)
	if err != nil {
		return err
	}
	var duration any
	if s.DurationSeconds != nil {
		duration = *s.DurationSeconds
	}
	ok, err := o.changed(ctx, "update session",
		`UPDATE call_sessions SET
			end_time = ?,
			duration_seconds = ?,
			handled_by = ?,
			agent_ref = ?,
			capacity_agent_ref = ?,
			queue_entry_ref = ?,
			transfer_count = ?,
			outcome_metadata = ?
		 WHERE id = ?`,
		millis(s.EndTime), duration, string(s.HandledBy), nullString(s.AgentRef),
		nullString(s.CapacityAgentRef), nullString(s.QueueEntryRef), s.TransferCount, outcome, s.ID,
	)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
