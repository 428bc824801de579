// Package audit delivers notable voucher events to an audit trail. Sinks are
// fire-and-forget: a failing sink never fails the operation that emitted the
// event.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
)

// Audit actions
const (
	ActionVoucherIssued     = "voucher_issued"
	ActionVoucherReversed   = "voucher_reversed"
	ActionCategoryFallback  = "category_fallback"
	ActionAllocationRace    = "allocation_race"
	ActionCodesImported     = "codes_imported"
	ActionIPBlocked         = "ip_blocked"
	ActionIPUnblocked       = "ip_unblocked"
	ActionRedownloadToggled = "redownload_toggled"
	ActionIssuancesExported = "issuances_exported"
	ActionAnalyticsExported = "analytics_exported"
)

const storeTimeout = 2 * time.Second

// Event is a single audit notification
type Event struct {
	Action    string
	Actor     string
	IPAddress string
	Anomalous bool
	Fields    map[string]interface{}
}

// Sink receives audit events
type Sink interface {
	Record(ctx context.Context, event Event)
}

// LogSink writes events to the structured log
type LogSink struct {
	logger logrus.FieldLogger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger}
}

// Record implements Sink
func (s *LogSink) Record(_ context.Context, event Event) {
	entry := s.logger.WithFields(logrus.Fields(event.Fields)).WithFields(logrus.Fields{
		"audit_action": event.Action,
		"actor":        event.Actor,
		"ip_address":   event.IPAddress,
	})
	if event.Anomalous {
		entry.Warn("audit: anomalous event")
		return
	}
	entry.Info("audit")
}

// StoreSink persists events to the audit_events table
type StoreSink struct {
	db   repository.DBExecutor
	repo *repository.AuditRepository
}

// NewStoreSink creates a sink persisting to db
func NewStoreSink(db repository.DBExecutor, repo *repository.AuditRepository) *StoreSink {
	return &StoreSink{db: db, repo: repo}
}

// Record implements Sink. The write outlives the caller's cancellation but
// is bounded by its own timeout.
func (s *StoreSink) Record(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	details, err := json.Marshal(event.Fields)
	if err != nil {
		details = []byte("{}")
	}

	row := &model.AuditEvent{
		Action:    event.Action,
		Actor:     event.Actor,
		IPAddress: event.IPAddress,
		Details:   string(details),
		CreatedAt: time.Now(),
	}
	if err := s.repo.Insert(ctx, s.db, row); err != nil {
		logrus.WithError(err).WithField("audit_action", event.Action).Error("StoreSink: failed to persist audit event")
	}
}

// Multi fans an event out to every sink
type Multi []Sink

// Record implements Sink
func (m Multi) Record(ctx context.Context, event Event) {
	for _, sink := range m {
		sink.Record(ctx, event)
	}
}

// Discard drops every event
var Discard Sink = Multi(nil)
