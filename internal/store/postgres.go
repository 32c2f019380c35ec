package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore opens a PostgreSQL database through pgx. Candidate scans
// in ClaimNext lock rows with FOR UPDATE SKIP LOCKED, so concurrent claimers
// move on to different records instead of blocking.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStoreWithDB(db)
	s.owns = true
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection. Close does not close db.
func NewPostgresStoreWithDB(db *sql.DB) *SQLStore {
	s := &SQLStore{db: db, d: postgresDialect{}}
	s.migrate = func(context.Context) error { return runPostgresMigrations(s.db) }
	return s
}
