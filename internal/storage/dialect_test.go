package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresRebind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"WHERE id = ?", "WHERE id = $1"},
		{"SET a = ?, b = ? WHERE id = ?", "SET a = $1, b = $2 WHERE id = $3"},
	}
	for _, tt := range tests {
		if got := (postgresDialect{}).rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatementsSplitsSchema(t *testing.T) {
	for name, schema := range map[string]string{"sqlite": sqliteSchema, "postgres": postgresSchema} {
		stmts := statements(schema)
		if len(stmts) < 5 {
			t.Errorf("%s: expected at least 5 statements, got %d", name, len(stmts))
		}
		for _, s := range stmts {
			if s == "" {
				t.Errorf("%s: empty statement", name)
			}
		}
	}
}

func TestClassifyTransient(t *testing.T) {
	pg := postgresDialect{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("syntax"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(pg, "op", fmt.Errorf("wrapped: %w", tt.err))
			if got := errors.Is(err, ErrTransient); got != tt.want {
				t.Errorf("transient = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}

	if classify(pg, "op", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}
