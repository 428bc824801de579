package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/metrics"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
)

// Options configures a VoucherService
type Options struct {
	Classifier *Classifier
	KeyPolicy  KeyPolicy
	References *ReferenceGenerator
	Sink       audit.Sink
}

// VoucherService allocates codes to requesters and reverses allocations.
// Every decision is taken against the database inside the transaction that
// acts on it; nothing about the pool is cached between requests.
type VoucherService struct {
	db         *sqlx.DB
	dialect    database.Dialect
	codes      *repository.CodeRepository
	issuances  *repository.IssuanceRepository
	settings   *repository.SettingsRepository
	blocklist  *repository.BlocklistRepository
	views      *repository.PageViewRepository
	classifier *Classifier
	keyPolicy  KeyPolicy
	references *ReferenceGenerator
	sink       audit.Sink
}

// NewVoucherService creates a new VoucherService instance
func NewVoucherService(db *database.DB, opts Options) *VoucherService {
	sink := opts.Sink
	if sink == nil {
		sink = audit.Discard
	}
	return &VoucherService{
		db:         db.Conn,
		dialect:    db.Dialect,
		codes:      repository.NewCodeRepository(db.Dialect),
		issuances:  repository.NewIssuanceRepository(db.Dialect),
		settings:   repository.NewSettingsRepository(),
		blocklist:  repository.NewBlocklistRepository(),
		views:      repository.NewPageViewRepository(),
		classifier: opts.Classifier,
		keyPolicy:  opts.KeyPolicy,
		references: opts.References,
		sink:       sink,
	}
}

// IssueRequest is an attempt to obtain a voucher
type IssueRequest struct {
	PhoneNumber string
	IPAddress   string
	UserAgent   string
	DeviceToken string
	Source      string // campaign or channel hint
}

// IssueResult is a committed issuance and the code it consumed
type IssueResult struct {
	Issuance *model.Issuance
	Code     *model.Code
	Fallback bool // drawn from any category because no pool matched
}

// EligibilityRequest is a read-only pre-check for an issuance request
type EligibilityRequest struct {
	IPAddress   string
	PhoneNumber string
	UserAgent   string
	DeviceToken string
	Source      string
}

// EligibilityResult is the gate's decision and the pool it looked at
type EligibilityResult struct {
	Decision   Decision
	Resolution Resolution
}

// ReversalResult describes the effect of reversing an issuance
type ReversalResult struct {
	IssuanceID      int64
	CodeID          *int64 // kept on the issuance after reversal
	VoucherReleased bool
	AlreadyReversed bool
}

// Eligibility runs the eligibility gate for a request without side effects
func (s *VoucherService) Eligibility(ctx context.Context, req EligibilityRequest) (*EligibilityResult, error) {
	phone := req.PhoneNumber
	if phone != "" {
		normalized, err := NormalizePhone(phone)
		if err != nil {
			return nil, err
		}
		phone = normalized
	}

	key, err := s.keyPolicy.Key(Identity{
		Phone:       phone,
		UserAgent:   req.UserAgent,
		DeviceToken: req.DeviceToken,
	})
	if err != nil {
		return nil, err
	}

	resolution := s.classifier.Resolve(req.Source)
	decision, err := s.CheckEligibility(ctx, req.IPAddress, key, resolution)
	if err != nil {
		return nil, err
	}

	return &EligibilityResult{Decision: decision, Resolution: resolution}, nil
}

// CheckEligibility decides whether requesterKey calling from ip may draw from
// the resolved pool. Checks run in order: blocklist, quota, duplicate.
func (s *VoucherService) CheckEligibility(ctx context.Context, ip, requesterKey string, resolution Resolution) (Decision, error) {
	return s.evaluate(ctx, s.db, ip, requesterKey, resolution)
}

func (s *VoucherService) evaluate(ctx context.Context, db repository.DBExecutor, ip, requesterKey string, resolution Resolution) (Decision, error) {
	blocked, err := s.blocklist.IsBlocked(ctx, db, canonicalIP(ip))
	if err != nil {
		return Eligible, err
	}
	if blocked {
		return Blocked, nil
	}

	unused, err := s.codes.CountUnused(ctx, db, resolution.Category, resolution.AnyCategory)
	if err != nil {
		return Eligible, err
	}
	if unused == 0 {
		return QuotaExceeded, nil
	}

	settings, err := s.settings.Get(ctx, db)
	if err != nil {
		return Eligible, err
	}
	if settings.AllowRedownload {
		return Eligible, nil
	}

	issued, err := s.issuances.HasActive(ctx, db, requesterKey)
	if err != nil {
		return Eligible, err
	}
	if issued {
		return AlreadyIssued, nil
	}

	return Eligible, nil
}

// Issue runs the eligibility gate and, if it passes, allocates the oldest
// unused code of the resolved pool to the requester. Gate, claim, ledger
// insert and link commit together or not at all.
func (s *VoucherService) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	// Start timing for metrics
	start := time.Now()
	outcome := "error"

	// Defer metric recording to ensure it's always called
	defer func() {
		metrics.RecordIssueVoucherDuration(outcome, time.Since(start).Seconds())
	}()

	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		outcome = "invalid"
		return nil, err
	}

	key, err := s.keyPolicy.Key(Identity{Phone: phone, UserAgent: req.UserAgent, DeviceToken: req.DeviceToken})
	if err != nil {
		outcome = "invalid"
		return nil, err
	}

	ip := canonicalIP(req.IPAddress)
	resolution := s.classifier.Resolve(req.Source)
	log := logrus.WithFields(logrus.Fields{
		"ip_address": ip,
		"source":     req.Source,
		"category":   resolution.Category,
	})

	// Start transaction for the gate and the allocation
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Concurrent requests with the same key must see each other's issuance
	if err := s.dialect.LockKey(ctx, tx, key); err != nil {
		return nil, err
	}

	decision, err := s.evaluate(ctx, tx, ip, key, resolution)
	if err != nil {
		return nil, fmt.Errorf("failed to check eligibility: %w", err)
	}
	if decision != Eligible {
		outcome = decision.String()
		log.WithField("decision", outcome).Warn("Issue: request denied")
		return nil, decision.Err()
	}

	now := time.Now()
	code, err := s.codes.ClaimNext(ctx, tx, resolution.Category, resolution.AnyCategory, now)
	if err != nil {
		if errors.Is(err, ErrNoneAvailable) {
			outcome = "none_available"
			tx.Rollback()
			s.reportRace(ctx, ip, resolution)
			return nil, ErrNoneAvailable
		}
		return nil, err
	}

	issuance := &model.Issuance{
		RequesterKey: key,
		PhoneNumber:  phone,
		IPAddress:    ip,
		UserAgent:    req.UserAgent,
		Source:       resolution.Hint,
		Category:     code.Category,
		CodeID:       &code.ID,
		CreatedAt:    now,
	}
	if err := s.issuances.Create(ctx, tx, issuance); err != nil {
		return nil, err
	}

	issuance.Reference = s.references.Generate(issuance.ID)
	if err := s.issuances.SetReference(ctx, tx, issuance.ID, issuance.Reference); err != nil {
		return nil, err
	}

	if err := s.codes.LinkIssuance(ctx, tx, code.ID, issuance.ID); err != nil {
		return nil, fmt.Errorf("failed to link code %d: %w", code.ID, err)
	}
	code.IssuanceID = &issuance.ID

	if _, err := s.views.MarkConverted(ctx, tx, ip, viewSource(resolution.Hint)); err != nil {
		return nil, err
	}

	// Commit DB transaction - this guarantees consistency
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	outcome = "issued"

	metrics.RecordIssued(code.Category)
	s.sink.Record(ctx, audit.Event{
		Action:    audit.ActionVoucherIssued,
		IPAddress: ip,
		Fields: map[string]interface{}{
			"issuance_id": issuance.ID,
			"reference":   issuance.Reference,
			"code":        code.Code,
			"category":    code.Category,
			"source":      resolution.Hint,
		},
	})
	if resolution.AnyCategory {
		s.reportFallback(ctx, req.Source, issuance, code)
	}

	return &IssueResult{Issuance: issuance, Code: code, Fallback: resolution.AnyCategory}, nil
}

// reportRace records a claim that found no code although the gate, in the
// same transaction, had counted some. A concurrent allocation took them.
func (s *VoucherService) reportRace(ctx context.Context, ip string, resolution Resolution) {
	metrics.RecordAnomaly("race")
	s.sink.Record(ctx, audit.Event{
		Action:    audit.ActionAllocationRace,
		IPAddress: ip,
		Anomalous: true,
		Fields: map[string]interface{}{
			"category":     resolution.Category,
			"any_category": resolution.AnyCategory,
			"source":       resolution.Hint,
		},
	})
}

func (s *VoucherService) reportFallback(ctx context.Context, source string, issuance *model.Issuance, code *model.Code) {
	metrics.RecordAnomaly("fallback")
	s.sink.Record(ctx, audit.Event{
		Action:    audit.ActionCategoryFallback,
		IPAddress: issuance.IPAddress,
		Anomalous: true,
		Fields: map[string]interface{}{
			"issuance_id": issuance.ID,
			"source":      source,
			"code":        code.Code,
			"category":    code.Category,
		},
	})
}

// Reverse soft-deletes an issuance and returns its code to the unused pool.
// Reversing an issuance twice is a successful no-op.
func (s *VoucherService) Reverse(ctx context.Context, issuanceID int64, actor string) (*ReversalResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	issuance, err := s.issuances.GetForUpdate(ctx, tx, issuanceID)
	if err != nil {
		return nil, err
	}

	result := &ReversalResult{IssuanceID: issuanceID, CodeID: issuance.CodeID}
	if issuance.Deleted {
		result.AlreadyReversed = true
		return result, nil
	}

	deleted, err := s.issuances.SoftDelete(ctx, tx, issuanceID, time.Now())
	if err != nil {
		return nil, err
	}
	if !deleted {
		result.AlreadyReversed = true
		return result, nil
	}

	released, err := s.codes.ReleaseByIssuance(ctx, tx, issuanceID)
	if err != nil {
		return nil, err
	}
	result.VoucherReleased = released

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RecordReversal(released)
	s.sink.Record(ctx, audit.Event{
		Action: audit.ActionVoucherReversed,
		Actor:  actor,
		Fields: map[string]interface{}{
			"issuance_id":      issuanceID,
			"phone_number":     issuance.PhoneNumber,
			"category":         issuance.Category,
			"voucher_released": released,
		},
	})

	return result, nil
}

// TrackViewRequest describes a landing page visit
type TrackViewRequest struct {
	IPAddress string
	UserAgent string
	Referrer  string
	Source    string
}

// TrackView records a landing page visit for conversion analytics
func (s *VoucherService) TrackView(ctx context.Context, req TrackViewRequest) (*model.PageView, error) {
	referrer := strings.TrimSpace(req.Referrer)
	if referrer == "" {
		referrer = "(direct)"
	}

	view := &model.PageView{
		Source:    viewSource(req.Source),
		IPAddress: canonicalIP(req.IPAddress),
		UserAgent: req.UserAgent,
		Referrer:  referrer,
		ViewedAt:  time.Now().UTC(),
	}
	if err := s.views.Create(ctx, s.db, view); err != nil {
		return nil, err
	}

	return view, nil
}

// viewSource is the analytics bucket of a request hint; requests without one
// count as direct traffic
func viewSource(hint string) string {
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}
	return "direct"
}

// HasActiveIssuance reports whether requesterKey holds a non-deleted issuance
func (s *VoucherService) HasActiveIssuance(ctx context.Context, requesterKey string) (bool, error) {
	return s.issuances.HasActive(ctx, s.db, requesterKey)
}

// GetIssuance retrieves an issuance by ID
func (s *VoucherService) GetIssuance(ctx context.Context, id int64) (*model.Issuance, error) {
	return s.issuances.Get(ctx, s.db, id)
}

// IssuancePage is one page of the issuance ledger
type IssuancePage struct {
	Issuances []model.IssuanceView `json:"issuances"`
	Page      int                  `json:"page"`
	Limit     int                  `json:"limit"`
	Total     int64                `json:"total"`
}

// ListIssuances returns a page of the issuance ledger
func (s *VoucherService) ListIssuances(ctx context.Context, filter repository.IssuanceFilter) (*IssuancePage, error) {
	issuances, total, err := s.issuances.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	page, limit, _ := filter.Bounds()
	return &IssuancePage{Issuances: issuances, Page: page, Limit: limit, Total: total}, nil
}

// PoolStats aggregates the code pool per category and overall
type PoolStats struct {
	Categories []model.CategoryStats `json:"categories"`
	Total      model.CategoryStats   `json:"total"`
}

// Stats computes pool totals from the codes table. Configured categories
// without codes are reported with zero counts.
func (s *VoucherService) Stats(ctx context.Context) (*PoolStats, error) {
	rows, err := s.codes.Stats(ctx, s.db)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	stats := &PoolStats{Total: model.CategoryStats{Category: "all"}}
	for _, row := range rows {
		seen[row.Category] = true
		stats.Categories = append(stats.Categories, row)
		stats.Total.Total += row.Total
		stats.Total.Used += row.Used
		stats.Total.Available += row.Available
	}
	for _, category := range s.classifier.Categories() {
		if !seen[category] {
			stats.Categories = append(stats.Categories, model.CategoryStats{Category: category})
		}
	}

	return stats, nil
}

// UnusedCount returns the number of unused codes in category
func (s *VoucherService) UnusedCount(ctx context.Context, category string) (int64, error) {
	return s.codes.CountUnused(ctx, s.db, category, false)
}
