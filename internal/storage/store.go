package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a compare-and-swap or capacity check that lost a race.
	// The enclosing transaction is rolled back.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks store failures worth retrying on a later cycle
	// (lock contention, serialization failures, dropped connections)
	ErrTransient = errors.New("transient store error")
	// ErrInvalidTransition is returned for edges outside the entry state machine
	ErrInvalidTransition = errors.New("invalid queue state transition")
)

// EntryFields are the timestamp and agent columns set alongside a state change.
// Nil fields leave the column untouched.
type EntryFields struct {
	AssignedAt       *time.Time
	CompletedAt      *time.Time
	AbandonedAt      *time.Time
	AssignedAgentRef *string
}

// QueueStore is the queue table
type QueueStore interface {
	InsertEntry(ctx context.Context, e *types.QueueEntry) error
	GetEntry(ctx context.Context, id string) (*types.QueueEntry, error)
	// FetchWaiting returns waiting entries by priority desc, then createdAt asc
	FetchWaiting(ctx context.Context, limit int) ([]types.QueueEntry, error)
	// TransitionEntry moves id from `from` to `to` only if it is still in `from`.
	// It reports false when another writer got there first.
	TransitionEntry(ctx context.Context, id string, from, to types.QueueState, f EntryFields) (bool, error)
	// SetEntryAgent rewrites the agent of an assigned entry; nil clears it.
	// It reports false when the entry is no longer assigned.
	SetEntryAgent(ctx context.Context, id string, agentRef *string) (bool, error)
	UpdatePriority(ctx context.Context, id string, p types.Priority) (bool, error)
	// CountAhead counts waiting entries served before e
	CountAhead(ctx context.Context, e *types.QueueEntry) (int, error)
	QueueStats(ctx context.Context, since, now time.Time) (types.QueueStats, error)
}

// AgentDirectory is the agents table
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	UpsertAgent(ctx context.Context, a *types.Agent) error
	SetAgentStatus(ctx context.Context, id string, status types.AgentStatus) error
	// FindEligible returns online agents below capacity, least loaded first
	FindEligible(ctx context.Context) ([]types.Agent, error)
	// IncrementLoad takes one capacity slot if the agent is still eligible
	IncrementLoad(ctx context.Context, id string, now time.Time) (bool, error)
	// DecrementLoad releases one slot; it never goes below zero
	DecrementLoad(ctx context.Context, id string) (bool, error)
}

// SessionStore is the call_sessions table
type SessionStore interface {
	// InsertSession creates s unless an open session already exists for its room.
	// It reports whether a row was written.
	InsertSession(ctx context.Context, s *types.CallSession) (bool, error)
	GetSession(ctx context.Context, id string) (*types.CallSession, error)
	// LockSession reads a session and holds a row lock until the transaction ends
	LockSession(ctx context.Context, id string) (*types.CallSession, error)
	FindOpenSessionByRoom(ctx context.Context, roomRef string) (*types.CallSession, error)
	FindOpenSessionByEntry(ctx context.Context, entryID string) (*types.CallSession, error)
	UpdateSession(ctx context.Context, s *types.CallSession) error
}

// Tx is the set of operations available inside one store transaction
type Tx interface {
	QueueStore
	AgentDirectory
	SessionStore
}

// Store is the relational store shared by every router process.
// Methods called directly on a Store run in autocommit mode.
type Store interface {
	Tx
	// WithTx runs fn in a transaction, committing if fn returns nil.
	// fn must only use the Tx it is given.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
