package testsupport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MustOpenStore opens a migrated SQLite store in a temp dir and registers cleanup.
func MustOpenStore(t testing.TB) *storage.SQLStore {
	t.Helper()

	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "router.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("store.Migrate: %v", err)
	}
	return store
}

// SeedAgent registers an online agent with the given capacity
func SeedAgent(t testing.TB, store storage.Store, id string, maxCalls int) *types.Agent {
	t.Helper()

	a := &types.Agent{
		ID:                 id,
		Name:               "Agent " + id,
		PhoneNumber:        "+4930" + id,
		Status:             types.AgentOnline,
		MaxConcurrentCalls: maxCalls,
	}
	if err := store.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("store.UpsertAgent: %v", err)
	}
	return a
}

// MustAgent reloads an agent from the store
func MustAgent(t testing.TB, store storage.Store, id string) *types.Agent {
	t.Helper()

	a, err := store.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("store.GetAgent(%s): %v", id, err)
	}
	return a
}

// SeedEntry inserts a waiting entry created at createdAt
func SeedEntry(t testing.TB, store storage.Store, priority types.Priority, createdAt time.Time) *types.QueueEntry {
	t.Helper()

	id := uuid.New().String()
	e := &types.QueueEntry{
		ID:          id,
		CustomerRef: "cust-" + id[:8],
		PhoneNumber: "+4917600000000",
		RoomRef:     "room-" + id[:8],
		Priority:    priority,
		State:       types.QueueWaiting,
		CreatedAt:   createdAt.UTC(),
	}
	if err := store.InsertEntry(context.Background(), e); err != nil {
		t.Fatalf("store.InsertEntry: %v", err)
	}
	return e
}

// MustEntry reloads a queue entry from the store
func MustEntry(t testing.TB, store storage.Store, id string) *types.QueueEntry {
	t.Helper()

	e, err := store.GetEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("store.GetEntry(%s): %v", id, err)
	}
	return e
}
