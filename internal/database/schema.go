package database

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS codes (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		store TEXT NOT NULL DEFAULT '',
		used BOOLEAN NOT NULL DEFAULT FALSE,
		issuance_id BIGINT,
		used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_codes_category_used ON codes(category, used, id)`,
	`CREATE INDEX IF NOT EXISTS idx_codes_issuance_id ON codes(issuance_id)`,

	`CREATE TABLE IF NOT EXISTS issuances (
		id BIGSERIAL PRIMARY KEY,
		reference TEXT NOT NULL DEFAULT '',
		requester_key TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		code_id BIGINT REFERENCES codes(id),
		created_at TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issuances_active_key ON issuances(requester_key) WHERE deleted = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_issuances_created_at ON issuances(created_at)`,

	`CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		allow_redownload BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS blocked_ips (
		id BIGSERIAL PRIMARY KEY,
		ip_address TEXT NOT NULL UNIQUE,
		reason TEXT NOT NULL DEFAULT '',
		blocked_by TEXT NOT NULL DEFAULT '',
		blocked_at TIMESTAMPTZ NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,

	`CREATE TABLE IF NOT EXISTS page_views (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		referrer TEXT NOT NULL DEFAULT '',
		viewed_at TIMESTAMPTZ NOT NULL,
		converted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_page_views_visitor ON page_views(ip_address, source, converted)`,
	`CREATE INDEX IF NOT EXISTS idx_page_views_viewed_at ON page_views(viewed_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS codes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		store TEXT NOT NULL DEFAULT '',
		used BOOLEAN NOT NULL DEFAULT FALSE,
		issuance_id INTEGER,
		used_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_codes_category_used ON codes(category, used, id)`,
	`CREATE INDEX IF NOT EXISTS idx_codes_issuance_id ON codes(issuance_id)`,

	`CREATE TABLE IF NOT EXISTS issuances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL DEFAULT '',
		requester_key TEXT NOT NULL,
		phone_number TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		code_id INTEGER REFERENCES codes(id),
		created_at DATETIME NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issuances_active_key ON issuances(requester_key) WHERE deleted = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_issuances_created_at ON issuances(created_at)`,

	`CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		allow_redownload BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS blocked_ips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip_address TEXT NOT NULL UNIQUE,
		reason TEXT NOT NULL DEFAULT '',
		blocked_by TEXT NOT NULL DEFAULT '',
		blocked_at DATETIME NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,

	`CREATE TABLE IF NOT EXISTS page_views (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		referrer TEXT NOT NULL DEFAULT '',
		viewed_at DATETIME NOT NULL,
		converted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_page_views_visitor ON page_views(ip_address, source, converted)`,
	`CREATE INDEX IF NOT EXISTS idx_page_views_viewed_at ON page_views(viewed_at)`,
}

// CreateSchema creates all tables and indexes if they do not exist yet.
func CreateSchema(ctx context.Context, db *DB) error {
	statements := postgresSchema
	if db.Dialect.Name == SQLite.Name {
		statements = sqliteSchema
	}

	for _, stmt := range statements {
		if _, err := db.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}
