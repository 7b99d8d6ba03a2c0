package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

const agentColumns = `id, name, phone_number, status, current_call_count, max_concurrent_calls, last_assigned_at`

func scanAgent(row rowScanner) (*types.Agent, error) {
	var (
		a          types.Agent
		lastAssign sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.PhoneNumber, &a.Status, &a.CurrentCallCount, &a.MaxConcurrentCalls, &lastAssign); err != nil {
		return nil, err
	}
	a.LastAssignedAt = fromMillis(lastAssign)
	return &a, nil
}

func (o *sqlOps) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	a, err := scanAgent(o.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(o.d, "get agent", err)
	}
	return a, nil
}

// UpsertAgent writes directory fields. The live call count is never
// overwritten here.
func (o *sqlOps) UpsertAgent(ctx context.Context, a *types.Agent) error {
	_, err := o.exec(ctx, "upsert agent",
		`INSERT INTO agents (id, name, phone_number, status, max_concurrent_calls)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phone_number = excluded.phone_number,
			status = excluded.status,
			max_concurrent_calls = excluded.max_concurrent_calls`,
		a.ID, a.Name, a.PhoneNumber, string(a.Status), a.MaxConcurrentCalls,
	)
	return err
}

func (o *sqlOps) SetAgentStatus(ctx context.Context, id string, status types.AgentStatus) error {
	ok, err := o.changed(ctx, "set agent status",
		`UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (o *sqlOps) FindEligible(ctx context.Context) ([]types.Agent, error) {
	rows, err := o.query(ctx, "find eligible",
		`SELECT `+agentColumns+` FROM agents
		 WHERE status = ? AND current_call_count < max_concurrent_calls
		 ORDER BY current_call_count ASC, COALESCE(last_assigned_at, 0) ASC, id ASC`,
		string(types.AgentOnline),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, classify(o.d, "scan agent", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(o.d, "find eligible", err)
	}
	return agents, nil
}

func (o *sqlOps) IncrementLoad(ctx context.Context, id string, now time.Time) (bool, error) {
	return o.changed(ctx, "increment load",
		`UPDATE agents SET current_call_count = current_call_count + 1, last_assigned_at = ?
		 WHERE id = ? AND status = ? AND current_call_count < max_concurrent_calls`,
		now.UnixMilli(), id, string(types.AgentOnline),
	)
}

func (o *sqlOps) DecrementLoad(ctx context.Context, id string) (bool, error) {
	return o.changed(ctx, "decrement load",
		`UPDATE agents SET current_call_count = current_call_count - 1
		 WHERE id = ? AND current_call_count > 0`,
		id,
	)
}
