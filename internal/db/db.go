// Package db wraps the relay's Postgres connection pool and schema
// migration. Individual repository queries live beside the domain package
// that owns them (internal/identity, internal/messaging, internal/jar);
// this package only owns the pool, the migration, and the one primitive
// every caller needs: recognizing a unique-constraint violation by SQLSTATE.
package db

import (
	"context"
	_ "embed"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agentries/saltwire/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolationCode is the Postgres SQLSTATE for a unique-constraint
// violation. Sequence assignment retries specifically on this code; every
// other error propagates.
const uniqueViolationCode = "23505"

// Open opens a connection pool against cfg and applies connection limits.
// It does not ping the database; callers that need liveness should use
// Pool.PingContext directly (the /health endpoint does this).
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	pool, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return pool, nil
}

// Migrate applies schema.sql. It is idempotent: every statement uses
// CREATE ... IF NOT EXISTS, so rerunning against an already-migrated
// database is a no-op.
func Migrate(ctx context.Context, pool *sql.DB) error {
	if _, err := pool.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505). Used by internal/jar to drive the bounded
// retry loop around sequence assignment.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}
