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

const entryColumns = `id, customer_ref, phone_number, room_ref, priority, state, metadata,
	created_at, assigned_at, completed_at, abandoned_at, assigned_agent_ref`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*types.QueueEntry, error) {
	var (
		e           types.QueueEntry
		metadata    string
		createdAt   int64
		assignedAt  sql.NullInt64
		completedAt sql.NullInt64
		abandonedAt sql.NullInt64
		agentRef    sql.NullString
	)
	if err := row.Scan(
		&e.ID, &e.CustomerRef, &e.PhoneNumber, &e.RoomRef, &e.Priority, &e.State, &metadata,
		&createdAt, &assignedAt, &completedAt, &abandonedAt, &agentRef,
	); err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.AssignedAt = fromMillis(assignedAt)
	e.CompletedAt = fromMillis(completedAt)
	e.AbandonedAt = fromMillis(abandonedAt)
	e.AssignedAgentRef = fromNullString(agentRef)
	return &e, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func (o *sqlOps) InsertEntry(ctx context.Context, e *types.QueueEntry) error {
	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = o.exec(ctx, "insert entry",
		`INSERT INTO queue_entries (id, customer_ref, phone_number, room_ref, priority, state, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CustomerRef, e.PhoneNumber, e.RoomRef, int(e.Priority), string(e.State), metadata, e.CreatedAt.UnixMilli(),
	)
	return err
}

func (o *sqlOps) GetEntry(ctx context.Context, id string) (*types.QueueEntry, error) {
	row := o.queryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(o.d, "get entry", err)
	}
	return e, nil
}

func (o *sqlOps) FetchWaiting(ctx context.Context, limit int) ([]types.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.query(ctx, "fetch waiting",
		`SELECT `+entryColumns+` FROM queue_entries
		 WHERE state = ?
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT ?`,
		string(types.QueueWaiting), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify(o.d, "scan waiting", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(o.d, "fetch waiting", err)
	}
	return entries, nil
}

func (o *sqlOps) TransitionEntry(ctx context.Context, id string, from, to types.QueueState, f EntryFields) (bool, error) {
	if !types.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	// Only assigned entries carry an agent ref
	agentCol := "assigned_agent_ref = COALESCE(?, assigned_agent_ref)"
	args := []any{string(to), millis(f.AssignedAt), millis(f.CompletedAt), millis(f.AbandonedAt), nullString(f.AssignedAgentRef)}
	if to.Terminal() {
		agentCol = "assigned_agent_ref = NULL"
		args = args[:4]
	}
	args = append(args, id, string(from))
	return o.changed(ctx, "transition entry",
		`UPDATE queue_entries SET
			state = ?,
			assigned_at = COALESCE(?, assigned_at),
			completed_at = COALESCE(?, completed_at),
			abandoned_at = COALESCE(?, abandoned_at),
			`+agentCol+`
		 WHERE id = ? AND state = ?`,
		args...,
	)
}

func (o *sqlOps) SetEntryAgent(ctx context.Context, id string, agentRef *string) (bool, error) {
	return o.changed(ctx, "set entry agent",
		`UPDATE queue_entries SET assigned_agent_ref = ? WHERE id = ? AND state = ?`,
		nullString(agentRef), id, string(types.QueueAssigned),
	)
}

func (o *sqlOps) UpdatePriority(ctx context.Context, id string, p types.Priority) (bool, error) {
	return o.changed(ctx, "update priority",
		`UPDATE queue_entries SET priority = ? WHERE id = ? AND state = ?`,
		int(p), id, string(types.QueueWaiting),
	)
}

func (o *sqlOps) CountAhead(ctx context.Context, e *types.QueueEntry) (int, error) {
	var n int
	err := o.queryRow(ctx,
		`SELECT COUNT(*) FROM queue_entries
		 WHERE state = ? AND id <> ? AND (
			priority > ?
			OR (priority = ? AND created_at < ?)
			OR (priority = ? AND created_at = ? AND id < ?)
		 )`,
		string(types.QueueWaiting), e.ID,
		int(e.Priority),
		int(e.Priority), e.CreatedAt.UnixMilli(),
		int(e.Priority), e.CreatedAt.UnixMilli(), e.ID,
	).Scan(&n)
	if err != nil {
		return 0, classify(o.d, "count ahead", err)
	}
	return n, nil
}

// QueueStats counts current waiting and assigned entries. The average wait
// covers entries assigned since `since`.
func (o *sqlOps) QueueStats(ctx context.Context, since, now time.Time) (types.QueueStats, error) {
	var (
		stats   types.QueueStats
		avgMs   sql.NullFloat64
		oldest  sql.NullInt64
		waiting sql.NullInt64
		assign  sql.NullInt64
	)
	err := o.queryRow(ctx,
		`SELECT
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			MIN(CASE WHEN state = ? THEN created_at END)
		 FROM queue_entries
		 WHERE state IN (?, ?)`,
		string(types.QueueWaiting), string(types.QueueAssigned), string(types.QueueWaiting),
		string(types.QueueWaiting), string(types.QueueAssigned),
	).Scan(&waiting, &assign, &oldest)
	if err != nil {
		return stats, classify(o.d, "queue counts", err)
	}

	err = o.queryRow(ctx,
		`SELECT AVG(assigned_at - created_at) FROM queue_entries
		 WHERE assigned_at IS NOT NULL AND assigned_at > ?`,
		since.UnixMilli(),
	).Scan(&avgMs)
	if err != nil {
		return stats, classify(o.d, "queue wait average", err)
	}

	err = o.queryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE status = ?`, string(types.AgentOnline),
	).Scan(&stats.ActiveAgents)
	if err != nil {
		return stats, classify(o.d, "active agents", err)
	}

	stats.WaitingCount = int(waiting.Int64)
	stats.AssignedCount = int(assign.Int64)
	if avgMs.Valid {
		stats.AvgWaitSeconds = avgMs.Float64 / 1000
	}
	if oldest.Valid {
		stats.LongestWaitSeconds = now.Sub(time.UnixMilli(oldest.Int64)).Seconds()
	}
	return stats, nil
}
