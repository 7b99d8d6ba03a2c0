package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlOps implements Tx over a queryer
type sqlOps struct {
	q queryer
	d dialect
}

func (o *sqlOps) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := o.q.ExecContext(ctx, o.d.rebind(query), args...)
	if err != nil {
		return nil, classify(o.d, op, err)
	}
	return res, nil
}

func (o *sqlOps) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := o.q.QueryContext(ctx, o.d.rebind(query), args...)
	if err != nil {
		return nil, classify(o.d, op, err)
	}
	return rows, nil
}

func (o *sqlOps) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return o.q.QueryRowContext(ctx, o.d.rebind(query), args...)
}

// changed runs an UPDATE and reports whether exactly one row was affected
func (o *sqlOps) changed(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := o.exec(ctx, op, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(o.d, op, err)
	}
	return n == 1, nil
}

// SQLStore implements Store on database/sql
type SQLStore struct {
	sqlOps
	db     *sql.DB
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to the configured driver. url is a file path for sqlite and a
// connection string for postgres.
func Open(ctx context.Context, driver, url string, logger zerolog.Logger) (*SQLStore, error) {
	logger = logger.With().Str("component", "store").Str("driver", driver).Logger()

	switch driver {
	case "sqlite":
		return openSQLite(url, logger)
	case "postgres":
		return openPostgres(ctx, url, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(path string, logger zerolog.Logger) (*SQLStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers, so compare-and-swap updates never see
	// SQLITE_BUSY from a competing transaction in this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	logger.Info().Str("path", path).Msg("sqlite store opened")
	return &SQLStore{sqlOps: sqlOps{q: db, d: sqliteDialect{}}, db: db, logger: logger}, nil
}

func openPostgres(ctx context.Context, url string, logger zerolog.Logger) (*SQLStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	// Ping to fail fast.
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	logger.Info().
		Str("host", cfg.ConnConfig.Host).
		Str("database", cfg.ConnConfig.Database).
		Int32("max_conns", cfg.MaxConns).
		Msg("postgres store opened")

	return &SQLStore{sqlOps: sqlOps{q: db, d: postgresDialect{}}, db: db, pool: pool, logger: logger}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range statements(s.d.schema()) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.logger.Info().Str("dialect", s.d.name()).Msg("schema applied")
	return nil
}

// Ping verifies the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	return classify(s.d, "ping", s.db.PingContext(ctx))
}

// Close closes the underlying database connection
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// WithTx runs fn inside a read-committed transaction
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(s.d, "begin tx", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	if err = fn(&sqlOps{q: sqlTx, d: s.d}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classify(s.d, "commit tx", err)
	}
	return nil
}

// millis converts an optional time to a nullable unix-millisecond column value
func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
