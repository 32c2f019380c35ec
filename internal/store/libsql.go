package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// SQLStore implements Store over database/sql. The SQL is shared between the
// embedded libSQL database and PostgreSQL; dialect covers the differences.
type SQLStore struct {
	db      *sql.DB
	d       dialect
	migrate func(ctx context.Context) error
	owns    bool
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which makes ClaimNext's
	// read-then-conditional-write atomic.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &SQLStore{db: db, d: libsqlDialect{}, owns: true}
	s.migrate = func(ctx context.Context) error { return runLibSQLMigrations(ctx, s.db) }
	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns "libsql" or "postgres".
func (s *SQLStore) Dialect() string { return s.d.name() }

// Close closes the database if the store opened it.
func (s *SQLStore) Close() error {
	if !s.owns {
		return nil
	}
	return s.db.Close()
}

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

// Open opens a store for the given driver ("libsql" or "postgres") and runs
// its migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case "", "libsql":
		s, err = NewLibSQLStore(dsn)
	case "postgres", "pgx":
		s, err = NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", s.Dialect(), err)
	}
	return s, nil
}

var _ Store = (*SQLStore)(nil)
