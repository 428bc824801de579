package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Dialect captures the few statements that differ between PostgreSQL and
// SQLite. Every query in the repositories uses $N placeholders, which both
// drivers accept.
type Dialect struct {
	Name string

	// SkipLocked is appended to the subquery that picks the next unused
	// code. Rows claimed by an in-flight transaction are skipped so a
	// concurrent allocation moves on to the next code instead of blocking.
	SkipLocked string

	// RowLock is appended to point reads that precede a mutation of the
	// same row within a transaction.
	RowLock string

	lockKey func(ctx context.Context, tx *sqlx.Tx, key string) error
}

// Postgres is the production dialect.
var Postgres = Dialect{
	Name:       "postgres",
	SkipLocked: "FOR UPDATE SKIP LOCKED",
	RowLock:    "FOR UPDATE",
	lockKey: func(ctx context.Context, tx *sqlx.Tx, key string) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
		return err
	},
}

// SQLite serializes writers at the database level; immediate transactions
// already exclude each other, so no row or key locks are needed.
var SQLite = Dialect{
	Name: "sqlite",
	lockKey: func(context.Context, *sqlx.Tx, string) error {
		return nil
	},
}

// LockKey serializes transactions that share key until the enclosing
// transaction ends.
func (d Dialect) LockKey(ctx context.Context, tx *sqlx.Tx, key string) error {
	if err := d.lockKey(ctx, tx, key); err != nil {
		return fmt.Errorf("failed to lock key: %w", err)
	}
	return nil
}
