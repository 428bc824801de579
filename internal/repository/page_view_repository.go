package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kkkkikiki/voucher/internal/model"
)

// AnalyticsFilter bounds page views by visit time. From is inclusive, To is
// exclusive; either may be nil.
type AnalyticsFilter struct {
	From *time.Time
	To   *time.Time
}

func (f AnalyticsFilter) where() whereBuilder {
	var w whereBuilder
	if f.From != nil {
		w.add("viewed_at >= ?", *f.From)
	}
	if f.To != nil {
		w.add("viewed_at < ?", *f.To)
	}
	return w
}

// PageViewRepository handles landing page visit tracking
type PageViewRepository struct{}

// NewPageViewRepository creates a new page view repository
func NewPageViewRepository() *PageViewRepository {
	return &PageViewRepository{}
}

// Create records a page view and sets its ID
func (r *PageViewRepository) Create(ctx context.Context, db DBExecutor, view *model.PageView) error {
	query := `
		INSERT INTO page_views (source, ip_address, user_agent, referrer, viewed_at, converted)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING id
	`

	err := db.GetContext(ctx, &view.ID, query, view.Source, view.IPAddress, view.UserAgent, view.Referrer, view.ViewedAt)
	if err != nil {
		return fmt.Errorf("failed to record page view: %w", err)
	}

	return nil
}

// MarkConverted flags the latest unconverted view of ip on source as having
// led to an issuance. It reports whether a view was found.
func (r *PageViewRepository) MarkConverted(ctx context.Context, db DBExecutor, ip, source string) (bool, error) {
	query := `
		UPDATE page_views
		SET converted = TRUE
		WHERE id = (
			SELECT id
			FROM page_views
			WHERE ip_address = $1 AND source = $2 AND converted = FALSE
			ORDER BY id DESC
			LIMIT 1
		) AND converted = FALSE
	`

	result, err := db.ExecContext(ctx, query, ip, source)
	if err != nil {
		return false, fmt.Errorf("failed to mark page view converted: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// BySource aggregates views and conversions per source, busiest first
func (r *PageViewRepository) BySource(ctx context.Context, db DBExecutor, filter AnalyticsFilter) ([]model.SourceAnalytics, error) {
	w := filter.where()
	query := fmt.Sprintf(`
		SELECT
			source,
			COUNT(*) AS views,
			COALESCE(SUM(CASE WHEN converted THEN 1 ELSE 0 END), 0) AS downloads
		FROM page_views
		%s
		GROUP BY source
		ORDER BY views DESC, source ASC
	`, w.clause())

	rows := []model.SourceAnalytics{}
	if err := db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to aggregate page views: %w", err)
	}

	for i := range rows {
		rows[i].ViewsOnly = rows[i].Views - rows[i].Downloads
		rows[i].ConversionRate = conversionRate(rows[i].Downloads, rows[i].Views)
	}

	return rows, nil
}

// Summary aggregates views and conversions across all sources
func (r *PageViewRepository) Summary(ctx context.Context, db DBExecutor, filter AnalyticsFilter) (*model.AnalyticsSummary, error) {
	w := filter.where()
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS views,
			COALESCE(SUM(CASE WHEN converted THEN 1 ELSE 0 END), 0) AS downloads,
			COUNT(DISTINCT ip_address) AS unique_visitors
		FROM page_views
		%s
	`, w.clause())

	var summary model.AnalyticsSummary
	if err := db.GetContext(ctx, &summary, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to summarize page views: %w", err)
	}
	summary.ConversionRate = conversionRate(summary.Downloads, summary.Views)

	return &summary, nil
}

// conversionRate is downloads per view in percent, rounded to two decimals
func conversionRate(downloads, views int64) float64 {
	if views == 0 {
		return 0
	}
	return math.Round(float64(downloads)*10000/float64(views)) / 100
}
