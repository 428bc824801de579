package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/model"
)

const issuanceColumns = `id, reference, requester_key, phone_number, ip_address, user_agent, source, category, code_id, created_at, deleted, deleted_at`

// IssuanceFilter narrows an issuance listing
type IssuanceFilter struct {
	Page
	Category       string `form:"category"`
	PhoneNumber    string `form:"phone"`
	IncludeDeleted bool   `form:"include_deleted"`
}

// IssuanceRepository handles the issuance ledger
type IssuanceRepository struct {
	dialect database.Dialect
}

// NewIssuanceRepository creates a new issuance repository
func NewIssuanceRepository(dialect database.Dialect) *IssuanceRepository {
	return &IssuanceRepository{dialect: dialect}
}

// Create inserts an issuance and sets its ID
func (r *IssuanceRepository) Create(ctx context.Context, db DBExecutor, issuance *model.Issuance) error {
	query := `
		INSERT INTO issuances (reference, requester_key, phone_number, ip_address, user_agent, source, category, code_id, created_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
		RETURNING id
	`

	err := db.GetContext(ctx, &issuance.ID, query,
		issuance.Reference, issuance.RequesterKey, issuance.PhoneNumber, issuance.IPAddress,
		issuance.UserAgent, issuance.Source, issuance.Category, issuance.CodeID, issuance.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create issuance: %w", err)
	}

	return nil
}

// SetReference stores the human-facing reference of an issuance
func (r *IssuanceRepository) SetReference(ctx context.Context, db DBExecutor, id int64, reference string) error {
	_, err := db.ExecContext(ctx, `UPDATE issuances SET reference = $1 WHERE id = $2`, reference, id)
	if err != nil {
		return fmt.Errorf("failed to set issuance reference: %w", err)
	}
	return nil
}

// HasActive reports whether a non-deleted issuance exists for requesterKey
func (r *IssuanceRepository) HasActive(ctx context.Context, db DBExecutor, requesterKey string) (bool, error) {
	var count int64
	err := db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM issuances WHERE requester_key = $1 AND deleted = FALSE
	`, requesterKey)
	if err != nil {
		return false, fmt.Errorf("failed to check active issuance: %w", err)
	}

	return count > 0, nil
}

// Get retrieves an issuance by ID
func (r *IssuanceRepository) Get(ctx context.Context, db DBExecutor, id int64) (*model.Issuance, error) {
	return r.get(ctx, db, id, "")
}

// GetForUpdate retrieves an issuance by ID and locks its row until the
// enclosing transaction ends
func (r *IssuanceRepository) GetForUpdate(ctx context.Context, db DBExecutor, id int64) (*model.Issuance, error) {
	return r.get(ctx, db, id, r.dialect.RowLock)
}

func (r *IssuanceRepository) get(ctx context.Context, db DBExecutor, id int64, lock string) (*model.Issuance, error) {
	query := fmt.Sprintf(`SELECT %s FROM issuances WHERE id = $1 %s`, issuanceColumns, lock)

	var issuance model.Issuance
	err := db.GetContext(ctx, &issuance, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIssuanceNotFound
		}
		return nil, fmt.Errorf("failed to get issuance: %w", err)
	}

	return &issuance, nil
}

// SoftDelete marks an active issuance deleted. It reports false when the
// issuance was already deleted.
func (r *IssuanceRepository) SoftDelete(ctx context.Context, db DBExecutor, id int64, now time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE issuances
		SET deleted = TRUE, deleted_at = $1
		WHERE id = $2 AND deleted = FALSE
	`, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to soft delete issuance: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// List returns a page of issuances, newest first, with the code each one
// consumed, and the filtered total
func (r *IssuanceRepository) List(ctx context.Context, db DBExecutor, filter IssuanceFilter) ([]model.IssuanceView, int64, error) {
	var w whereBuilder
	if !filter.IncludeDeleted {
		w.add("i.deleted = FALSE")
	}
	if filter.Category != "" {
		w.add("i.category = ?", filter.Category)
	}
	if filter.PhoneNumber != "" {
		w.add("i.phone_number = ?", filter.PhoneNumber)
	}

	var total int64
	if err := db.GetContext(ctx, &total, `SELECT COUNT(*) FROM issuances i `+w.clause(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count issuances: %w", err)
	}

	_, limit, offset := filter.Bounds()
	query := fmt.Sprintf(`
		SELECT
			i.id, i.reference, i.requester_key, i.phone_number, i.ip_address, i.user_agent,
			i.source, i.category, i.code_id, i.created_at, i.deleted, i.deleted_at,
			c.code AS voucher_code, c.store AS store
		FROM issuances i
		LEFT JOIN codes c ON c.id = i.code_id
		%s
		ORDER BY i.id DESC
		LIMIT %s OFFSET %s
	`, w.clause(), w.next(1), w.next(2))

	issuances := []model.IssuanceView{}
	if err := db.SelectContext(ctx, &issuances, query, append(w.args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list issuances: %w", err)
	}

	return issuances, total, nil
}

// Export returns every active issuance with the code it consumed, newest
// first
func (r *IssuanceRepository) Export(ctx context.Context, db DBExecutor) ([]model.IssuanceView, error) {
	query := `
		SELECT
			i.id, i.reference, i.requester_key, i.phone_number, i.ip_address, i.user_agent,
			i.source, i.category, i.code_id, i.created_at, i.deleted, i.deleted_at,
			c.code AS voucher_code, c.store AS store
		FROM issuances i
		LEFT JOIN codes c ON c.id = i.code_id
		WHERE i.deleted = FALSE
		ORDER BY i.id DESC
	`

	issuances := []model.IssuanceView{}
	if err := db.SelectContext(ctx, &issuances, query); err != nil {
		return nil, fmt.Errorf("failed to export issuances: %w", err)
	}

	return issuances, nil
}
