package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/model"
)

const codeColumns = `id, code, category, store, used, issuance_id, used_at, created_at`

// importBatchSize keeps a multi-row insert well under the parameter limits
// of both PostgreSQL (65535) and SQLite (32766).
const importBatchSize = 1000

// NewCode is a code to be added to the pool
type NewCode struct {
	Code     string
	Category string
	Store    string
}

// CodeFilter narrows a code listing
type CodeFilter struct {
	Page
	Category string `form:"category"`
	Status   string `form:"status"` // "available", "used" or empty
	Search   string `form:"search"`
}

// CodeRepository handles code pool data operations
type CodeRepository struct {
	dialect database.Dialect
}

// NewCodeRepository creates a new code repository
func NewCodeRepository(dialect database.Dialect) *CodeRepository {
	return &CodeRepository{dialect: dialect}
}

// ClaimNext marks the oldest unused code of category as used and returns it.
// With anyCategory set the category is ignored. Selection and update are a
// single conditional statement, so a code can only be claimed once even when
// the selection races with another transaction.
func (r *CodeRepository) ClaimNext(ctx context.Context, db DBExecutor, category string, anyCategory bool, now time.Time) (*model.Code, error) {
	args := []interface{}{now}
	categoryCond := ""
	if !anyCategory {
		args = append(args, category)
		categoryCond = "AND category = $2"
	}

	query := fmt.Sprintf(`
		UPDATE codes
		SET used = TRUE, used_at = $1
		WHERE id = (
			SELECT id
			FROM codes
			WHERE used = FALSE %s
			ORDER BY id ASC
			LIMIT 1
			%s
		) AND used = FALSE
		RETURNING %s
	`, categoryCond, r.dialect.SkipLocked, codeColumns)

	var code model.Code
	err := db.GetContext(ctx, &code, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoneAvailable
		}
		return nil, fmt.Errorf("failed to claim code: %w", err)
	}

	return &code, nil
}

// LinkIssuance points a claimed code at the issuance that consumed it
func (r *CodeRepository) LinkIssuance(ctx context.Context, db DBExecutor, codeID, issuanceID int64) error {
	query := `
		UPDATE codes
		SET issuance_id = $1
		WHERE id = $2 AND used = TRUE AND issuance_id IS NULL
	`

	result, err := db.ExecContext(ctx, query, issuanceID, codeID)
	if err != nil {
		return fmt.Errorf("failed to link code to issuance: %w", err)
	}

	// Check if any row was actually updated
	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCodeNotLinked
	}

	return nil
}

// ReleaseByIssuance returns the code held by issuanceID to the unused pool.
// It reports whether a code was released.
func (r *CodeRepository) ReleaseByIssuance(ctx context.Context, db DBExecutor, issuanceID int64) (bool, error) {
	query := `
		UPDATE codes
		SET used = FALSE, issuance_id = NULL, used_at = NULL
		WHERE issuance_id = $1 AND used = TRUE
	`

	result, err := db.ExecContext(ctx, query, issuanceID)
	if err != nil {
		return false, fmt.Errorf("failed to release code: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// CountUnused counts unused codes in category, or in all categories when
// anyCategory is set
func (r *CodeRepository) CountUnused(ctx context.Context, db DBExecutor, category string, anyCategory bool) (int64, error) {
	var (
		count int64
		err   error
	)
	if anyCategory {
		err = db.GetContext(ctx, &count, `SELECT COUNT(*) FROM codes WHERE used = FALSE`)
	} else {
		err = db.GetContext(ctx, &count, `SELECT COUNT(*) FROM codes WHERE used = FALSE AND category = $1`, category)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count unused codes: %w", err)
	}

	return count, nil
}

// Stats returns total, used and available counts per category
func (r *CodeRepository) Stats(ctx context.Context, db DBExecutor) ([]model.CategoryStats, error) {
	query := `
		SELECT
			category,
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN used THEN 1 ELSE 0 END), 0) AS used,
			COALESCE(SUM(CASE WHEN used THEN 0 ELSE 1 END), 0) AS available
		FROM codes
		GROUP BY category
		ORDER BY category ASC
	`

	var stats []model.CategoryStats
	if err := db.SelectContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("failed to get code stats: %w", err)
	}

	return stats, nil
}

// GetByID retrieves a code by ID
func (r *CodeRepository) GetByID(ctx context.Context, db DBExecutor, id int64) (*model.Code, error) {
	var code model.Code
	err := db.GetContext(ctx, &code, `SELECT `+codeColumns+` FROM codes WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("code %d not found", id)
		}
		return nil, fmt.Errorf("failed to get code: %w", err)
	}

	return &code, nil
}

// List returns a page of codes, newest first, and the filtered total
func (r *CodeRepository) List(ctx context.Context, db DBExecutor, filter CodeFilter) ([]model.Code, int64, error) {
	var w whereBuilder
	if filter.Category != "" {
		w.add("category = ?", filter.Category)
	}
	switch filter.Status {
	case "available":
		w.add("used = FALSE")
	case "used":
		w.add("used = TRUE")
	}
	if filter.Search != "" {
		w.add("(code LIKE ? OR store LIKE ?)", "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	var total int64
	if err := db.GetContext(ctx, &total, `SELECT COUNT(*) FROM codes `+w.clause(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count codes: %w", err)
	}

	_, limit, offset := filter.Bounds()
	query := fmt.Sprintf(`SELECT %s FROM codes %s ORDER BY id DESC LIMIT %s OFFSET %s`,
		codeColumns, w.clause(), w.next(1), w.next(2))

	codes := []model.Code{}
	if err := db.SelectContext(ctx, &codes, query, append(w.args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list codes: %w", err)
	}

	return codes, total, nil
}

// CreateCodes adds codes to the pool in batches. Codes that already exist
// are skipped; the number of inserted rows is returned.
func (r *CodeRepository) CreateCodes(ctx context.Context, db DBExecutor, codes []NewCode) (int64, error) {
	now := time.Now()

	var inserted int64
	for i := 0; i < len(codes); i += importBatchSize {
		end := i + importBatchSize
		if end > len(codes) {
			end = len(codes)
		}

		n, err := r.insertCodeBatch(ctx, db, codes[i:end], now)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert code batch: %w", err)
		}
		inserted += n
	}

	return inserted, nil
}

// insertCodeBatch inserts a batch of codes using a single query
func (r *CodeRepository) insertCodeBatch(ctx context.Context, db DBExecutor, codes []NewCode, createdAt time.Time) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	valuesClause := make([]string, len(codes))
	args := make([]interface{}, 0, len(codes)*4)

	for i, c := range codes {
		valuesClause[i] = fmt.Sprintf("($%d, $%d, $%d, $%d)",
			i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, c.Code, c.Category, c.Store, createdAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO codes (code, category, store, created_at)
		VALUES %s
		ON CONFLICT (code) DO NOTHING
	`, strings.Join(valuesClause, ", "))

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute batch insert: %w", err)
	}

	return rowsAffected(result)
}
