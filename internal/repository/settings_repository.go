package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kkkkikiki/voucher/internal/model"
)

// SettingsRepository handles the single-row runtime settings table
type SettingsRepository struct{}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository() *SettingsRepository {
	return &SettingsRepository{}
}

// Ensure creates the settings row with the given defaults unless it exists
func (r *SettingsRepository) Ensure(ctx context.Context, db DBExecutor, allowRedownload bool) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (id, allow_redownload, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`, allowRedownload, time.Now())
	if err != nil {
		return fmt.Errorf("failed to initialize settings: %w", err)
	}
	return nil
}

// Get retrieves the current settings
func (r *SettingsRepository) Get(ctx context.Context, db DBExecutor) (*model.Settings, error) {
	var settings model.Settings
	err := db.GetContext(ctx, &settings, `SELECT allow_redownload, updated_at FROM settings WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.Settings{}, nil
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	return &settings, nil
}

// SetAllowRedownload toggles the redownload override
func (r *SettingsRepository) SetAllowRedownload(ctx context.Context, db DBExecutor, allow bool) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (id, allow_redownload, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET allow_redownload = excluded.allow_redownload, updated_at = excluded.updated_at
	`, allow, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}
