package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
)

const defaultAuditLimit = 100

// analyticsDateLayout is the format of the analytics from/to parameters
const analyticsDateLayout = "2006-01-02"

// AdminService backs the operator surface: code import, blocklist, runtime
// settings, analytics and the audit trail.
type AdminService struct {
	db         *sqlx.DB
	codes      *repository.CodeRepository
	issuances  *repository.IssuanceRepository
	views      *repository.PageViewRepository
	settings   *repository.SettingsRepository
	blocklist  *repository.BlocklistRepository
	audits     *repository.AuditRepository
	classifier *Classifier
	sink       audit.Sink
}

// NewAdminService creates a new AdminService instance
func NewAdminService(db *database.DB, classifier *Classifier, sink audit.Sink) *AdminService {
	if sink == nil {
		sink = audit.Discard
	}
	return &AdminService{
		db:         db.Conn,
		codes:      repository.NewCodeRepository(db.Dialect),
		issuances:  repository.NewIssuanceRepository(db.Dialect),
		views:      repository.NewPageViewRepository(),
		settings:   repository.NewSettingsRepository(),
		blocklist:  repository.NewBlocklistRepository(),
		audits:     repository.NewAuditRepository(),
		classifier: classifier,
		sink:       sink,
	}
}

// InitSettings creates the settings row with the configured default unless
// it already exists
func (s *AdminService) InitSettings(ctx context.Context, allowRedownload bool) error {
	return s.settings.Ensure(ctx, s.db, allowRedownload)
}

// ImportCode is one code of an import batch
type ImportCode struct {
	Code  string `json:"code"`
	Store string `json:"store"`
}

// ImportRequest adds codes to the pool. With Category set every code goes to
// that category; otherwise each code is classified by its prefix.
type ImportRequest struct {
	Category string       `json:"category"`
	Codes    []ImportCode `json:"codes"`
	Actor    string       `json:"-"`
}

// ImportResult summarizes an import
type ImportResult struct {
	Received     int      `json:"received"`
	Inserted     int64    `json:"inserted"`
	Duplicates   int64    `json:"duplicates"`
	Unclassified []string `json:"unclassified,omitempty"`
}

// ImportCodes adds codes to the pool. Codes that already exist are counted as
// duplicates and left untouched; codes no category prefix matches are
// reported and skipped.
func (s *AdminService) ImportCodes(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if req.Category != "" && !s.classifier.HasCategory(req.Category) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, req.Category)
	}
	if len(req.Codes) == 0 {
		return nil, fmt.Errorf("%w: no codes to import", ErrInvalidRequest)
	}

	result := &ImportResult{Received: len(req.Codes)}
	seen := make(map[string]bool, len(req.Codes))
	batch := make([]repository.NewCode, 0, len(req.Codes))
	for _, c := range req.Codes {
		code := strings.TrimSpace(c.Code)
		if code == "" {
			continue
		}
		if seen[code] {
			result.Duplicates++
			continue
		}
		seen[code] = true

		category := req.Category
		if category == "" {
			var ok bool
			if category, ok = s.classifier.Classify(code); !ok {
				result.Unclassified = append(result.Unclassified, code)
				continue
			}
		}
		batch = append(batch, repository.NewCode{Code: code, Category: category, Store: strings.TrimSpace(c.Store)})
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.codes.CreateCodes(ctx, tx, batch)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	result.Inserted = inserted
	result.Duplicates += int64(len(batch)) - inserted

	logrus.WithFields(logrus.Fields{
		"received":     result.Received,
		"inserted":     result.Inserted,
		"duplicates":   result.Duplicates,
		"unclassified": len(result.Unclassified),
	}).Info("ImportCodes: import complete")

	s.sink.Record(ctx, audit.Event{
		Action: audit.ActionCodesImported,
		Actor:  req.Actor,
		Fields: map[string]interface{}{
			"category":     req.Category,
			"received":     result.Received,
			"inserted":     result.Inserted,
			"duplicates":   result.Duplicates,
			"unclassified": len(result.Unclassified),
		},
	})

	return result, nil
}

// ParseCodesCSV reads codes from CSV. The first column is the code, the
// optional second column the store. A header row is skipped.
func ParseCodesCSV(r io.Reader) ([]ImportCode, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var codes []ImportCode
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv line %d: %v", ErrInvalidRequest, line, err)
		}
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		if line == 1 && isHeader(record[0]) {
			continue
		}

		code := ImportCode{Code: strings.TrimSpace(record[0])}
		if len(record) > 1 {
			code.Store = strings.TrimSpace(record[1])
		}
		codes = append(codes, code)
	}

	return codes, nil
}

func isHeader(field string) bool {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "code", "voucher", "voucher_code", "kode":
		return true
	}
	return false
}

// ListCodes returns a page of the code pool
func (s *AdminService) ListCodes(ctx context.Context, filter repository.CodeFilter) ([]model.Code, int64, error) {
	return s.codes.List(ctx, s.db, filter)
}

// BlockIP adds ip to the blocklist
func (s *AdminService) BlockIP(ctx context.Context, ip, reason, actor string) error {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return err
	}

	if err := s.blocklist.Block(ctx, s.db, ip, reason, actor); err != nil {
		return err
	}

	s.sink.Record(ctx, audit.Event{
		Action:    audit.ActionIPBlocked,
		Actor:     actor,
		IPAddress: ip,
		Fields:    map[string]interface{}{"reason": reason},
	})
	return nil
}

// UnblockIP removes ip from the blocklist
func (s *AdminService) UnblockIP(ctx context.Context, ip, actor string) error {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return err
	}

	if err := s.blocklist.Unblock(ctx, s.db, ip); err != nil {
		return err
	}

	s.sink.Record(ctx, audit.Event{
		Action:    audit.ActionIPUnblocked,
		Actor:     actor,
		IPAddress: ip,
	})
	return nil
}

// BlockedIPs lists the blocklist
func (s *AdminService) BlockedIPs(ctx context.Context) ([]model.BlockedIP, error) {
	return s.blocklist.List(ctx, s.db)
}

// Settings returns the runtime settings
func (s *AdminService) Settings(ctx context.Context) (*model.Settings, error) {
	return s.settings.Get(ctx, s.db)
}

// SetRedownload toggles whether a requester with an active issuance may be
// issued another code
func (s *AdminService) SetRedownload(ctx context.Context, allow bool, actor string) (*model.Settings, error) {
	if err := s.settings.SetAllowRedownload(ctx, s.db, allow); err != nil {
		return nil, err
	}

	s.sink.Record(ctx, audit.Event{
		Action:    audit.ActionRedownloadToggled,
		Actor:     actor,
		Anomalous: allow,
		Fields:    map[string]interface{}{"allow_redownload": allow},
	})

	return s.settings.Get(ctx, s.db)
}

// RecentAudit returns the latest persisted audit events
func (s *AdminService) RecentAudit(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit < 1 || limit > 500 {
		limit = defaultAuditLimit
	}
	return s.audits.Recent(ctx, s.db, limit)
}

// AnalyticsRange selects the days an analytics report covers. From and To
// are inclusive calendar days (YYYY-MM-DD, UTC); either may be empty.
type AnalyticsRange struct {
	From string `form:"from"`
	To   string `form:"to"`
}

// AnalyticsReport is landing page traffic and its conversion to issuances
type AnalyticsReport struct {
	Summary  model.AnalyticsSummary  `json:"summary"`
	BySource []model.SourceAnalytics `json:"by_source"`
}

func (r AnalyticsRange) filter() (repository.AnalyticsFilter, error) {
	var filter repository.AnalyticsFilter
	if r.From != "" {
		from, err := time.Parse(analyticsDateLayout, r.From)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid from date %q", ErrInvalidRequest, r.From)
		}
		filter.From = &from
	}
	if r.To != "" {
		to, err := time.Parse(analyticsDateLayout, r.To)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid to date %q", ErrInvalidRequest, r.To)
		}
		end := to.AddDate(0, 0, 1)
		filter.To = &end
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return filter, fmt.Errorf("%w: from date is after to date", ErrInvalidRequest)
	}
	return filter, nil
}

// Analytics reports views, conversions and conversion rate per source
func (s *AdminService) Analytics(ctx context.Context, span AnalyticsRange) (*AnalyticsReport, error) {
	filter, err := span.filter()
	if err != nil {
		return nil, err
	}

	summary, err := s.views.Summary(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	bySource, err := s.views.BySource(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}

	return &AnalyticsReport{Summary: *summary, BySource: bySource}, nil
}

// ExportAnalyticsCSV writes the per-source analytics of span as CSV
func (s *AdminService) ExportAnalyticsCSV(ctx context.Context, w io.Writer, span AnalyticsRange, actor string) error {
	filter, err := span.filter()
	if err != nil {
		return err
	}
	rows, err := s.views.BySource(ctx, s.db, filter)
	if err != nil {
		return err
	}

	out := csv.NewWriter(w)
	out.Write([]string{"source", "views", "downloads", "views_only", "conversion_rate"})
	for _, row := range rows {
		out.Write([]string{
			row.Source,
			strconv.FormatInt(row.Views, 10),
			strconv.FormatInt(row.Downloads, 10),
			strconv.FormatInt(row.ViewsOnly, 10),
			strconv.FormatFloat(row.ConversionRate, 'f', 2, 64),
		})
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("failed to write analytics csv: %w", err)
	}

	s.sink.Record(ctx, audit.Event{
		Action: audit.ActionAnalyticsExported,
		Actor:  actor,
		Fields: map[string]interface{}{"from": span.From, "to": span.To, "rows": len(rows)},
	})
	return nil
}

// ExportIssuancesCSV writes every active issuance and its code as CSV
func (s *AdminService) ExportIssuancesCSV(ctx context.Context, w io.Writer, actor string) error {
	issuances, err := s.issuances.Export(ctx, s.db)
	if err != nil {
		return err
	}

	out := csv.NewWriter(w)
	out.Write([]string{"issuance_id", "reference", "phone_number", "voucher_code", "store", "category", "source", "ip_address", "user_agent", "created_at"})
	for _, i := range issuances {
		out.Write([]string{
			strconv.FormatInt(i.ID, 10),
			i.Reference,
			i.PhoneNumber,
			deref(i.VoucherCode),
			deref(i.Store),
			i.Category,
			i.Source,
			i.IPAddress,
			i.UserAgent,
			i.CreatedAt.Format(time.RFC3339),
		})
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("failed to write issuance csv: %w", err)
	}

	s.sink.Record(ctx, audit.Event{
		Action: audit.ActionIssuancesExported,
		Actor:  actor,
		Fields: map[string]interface{}{"rows": len(issuances)},
	})
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
