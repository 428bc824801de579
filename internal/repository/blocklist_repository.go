package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kkkkikiki/voucher/internal/model"
)

// BlocklistRepository handles blocked IP addresses
type BlocklistRepository struct{}

// NewBlocklistRepository creates a new blocklist repository
func NewBlocklistRepository() *BlocklistRepository {
	return &BlocklistRepository{}
}

// IsBlocked reports whether ip has an active blocklist entry
func (r *BlocklistRepository) IsBlocked(ctx context.Context, db DBExecutor, ip string) (bool, error) {
	var count int64
	err := db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM blocked_ips WHERE ip_address = $1 AND active = TRUE
	`, ip)
	if err != nil {
		return false, fmt.Errorf("failed to check blocklist: %w", err)
	}

	return count > 0, nil
}

// Block adds ip to the blocklist or reactivates its existing entry
func (r *BlocklistRepository) Block(ctx context.Context, db DBExecutor, ip, reason, blockedBy string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip_address, reason, blocked_by, blocked_at, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (ip_address) DO UPDATE
		SET reason = excluded.reason, blocked_by = excluded.blocked_by,
			blocked_at = excluded.blocked_at, active = TRUE
	`, ip, reason, blockedBy, time.Now())
	if err != nil {
		return fmt.Errorf("failed to block ip: %w", err)
	}
	return nil
}

// Unblock deactivates the blocklist entry of ip
func (r *BlocklistRepository) Unblock(ctx context.Context, db DBExecutor, ip string) error {
	result, err := db.ExecContext(ctx, `UPDATE blocked_ips SET active = FALSE WHERE ip_address = $1`, ip)
	if err != nil {
		return fmt.Errorf("failed to unblock ip: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBlockNotFound
	}

	return nil
}

// List returns all blocklist entries, most recently blocked first
func (r *BlocklistRepository) List(ctx context.Context, db DBExecutor) ([]model.BlockedIP, error) {
	entries := []model.BlockedIP{}
	err := db.SelectContext(ctx, &entries, `
		SELECT id, ip_address, reason, blocked_by, blocked_at, active
		FROM blocked_ips
		ORDER BY blocked_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked ips: %w", err)
	}

	return entries, nil
}
