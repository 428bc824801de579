package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/kkkkikiki/voucher/internal/config"
)

// DB holds the database connection and the dialect it speaks
type DB struct {
	Conn    *sqlx.DB
	Dialect Dialect
}

// NewDB creates a new database connection using config
func NewDB(ctx context.Context, cfg *config.Config) (*DB, error) {
	var (
		db  *DB
		err error
	)
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		db, err = OpenSQLite(ctx, cfg.Database.GetSQLiteDSN())
	default:
		db, err = openPostgres(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := CreateSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logrus.WithField("driver", db.Dialect.Name).Info("Database schema ready")
	}

	return db, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*DB, error) {
	return OpenPostgres(ctx, cfg.Database.GetDatabaseURL(), cfg.Database.MaxConns, cfg.Database.MinConns)
}

// OpenPostgres connects to PostgreSQL and sizes the connection pool
func OpenPostgres(ctx context.Context, dsn string, maxConns, minConns int) (*DB, error) {
	// Connect to PostgreSQL
	postgres, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	postgres.SetMaxOpenConns(maxConns)
	postgres.SetMaxIdleConns(minConns)
	postgres.SetConnMaxLifetime(time.Hour)

	// Test PostgreSQL connection
	if err := postgres.PingContext(ctx); err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logrus.Info("Successfully connected to PostgreSQL")

	return &DB{Conn: postgres, Dialect: Postgres}, nil
}

// OpenSQLite opens an SQLite database. SQLite allows a single writer, so the
// pool is pinned to one connection and transactions queue behind it.
func OpenSQLite(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping SQLite: %w", err)
	}

	logrus.WithField("dsn", dsn).Info("Successfully opened SQLite")

	return &DB{Conn: conn, Dialect: SQLite}, nil
}

// Ping checks the connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	if err := db.Conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", db.Dialect.Name, err)
	}

	return nil
}
