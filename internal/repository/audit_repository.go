package repository

import (
	"context"
	"fmt"

	"github.com/kkkkikiki/voucher/internal/model"
)

// AuditRepository handles the audit trail
type AuditRepository struct{}

// NewAuditRepository creates a new audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Insert appends an audit event
func (r *AuditRepository) Insert(ctx context.Context, db DBExecutor, event *model.AuditEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_events (action, actor, ip_address, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.Action, event.Actor, event.IPAddress, event.Details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Recent returns the latest audit events, newest first
func (r *AuditRepository) Recent(ctx context.Context, db DBExecutor, limit int) ([]model.AuditEvent, error) {
	events := []model.AuditEvent{}
	err := db.SelectContext(ctx, &events, `
		SELECT id, action, actor, ip_address, details, created_at
		FROM audit_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	return events, nil
}
