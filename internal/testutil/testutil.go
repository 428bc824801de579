package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/database"
)

// TestDSN opens a private in-memory SQLite database per connection. The pool
// is pinned to one connection, so the database lives as long as the *DB.
const TestDSN = "file::memory:?_pragma=foreign_keys(1)&_txlock=immediate"

// TestCategories is the pool configuration used across tests
var TestCategories = map[string]string{
	"regular":   "ADS-",
	"community": "RCV-",
	"pondok":    "GRC-",
}

// TestSources maps request hints to TestCategories
var TestSources = map[string]string{
	"direct":    "regular",
	"rcv-promo": "community",
	"grc-promo": "pondok",
}

// SetupTestDB creates a fresh in-memory database with the full schema
func SetupTestDB(t *testing.T) *database.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, TestDSN)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.CreateSchema(ctx, db); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	return db
}

// PostgresDSNEnv names the variable holding the DSN of a disposable
// PostgreSQL database for the tests that need real row locking
const PostgresDSNEnv = "TEST_POSTGRES_DSN"

// SetupPostgresDB connects to the database named by TEST_POSTGRES_DSN, creates
// the schema and empties every table. The test is skipped when the variable
// is unset. Tests sharing the database must not run in parallel.
func SetupPostgresDB(t *testing.T) *database.DB {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", PostgresDSNEnv)
	}

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, dsn, 25, 5)
	if err != nil {
		t.Fatalf("Failed to open PostgreSQL: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.CreateSchema(ctx, db); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	truncate := `TRUNCATE codes, issuances, settings, blocked_ips, audit_events, page_views RESTART IDENTITY CASCADE`
	if _, err := db.Conn.ExecContext(ctx, truncate); err != nil {
		t.Fatalf("Failed to reset tables: %v", err)
	}

	return db
}

// SeedCodes inserts codes into category in the given order and returns their IDs
func SeedCodes(t *testing.T, db *database.DB, category string, codes ...string) []int64 {
	t.Helper()

	ids := make([]int64, 0, len(codes))
	for _, code := range codes {
		var id int64
		err := db.Conn.Get(&id, `
			INSERT INTO codes (code, category, store, created_at)
			VALUES ($1, $2, 'test-store', $3)
			RETURNING id
		`, code, category, time.Now())
		if err != nil {
			t.Fatalf("Failed to seed code %s: %v", code, err)
		}
		ids = append(ids, id)
	}

	return ids
}

// CodeState is the allocation state of one code row
type CodeState struct {
	Used       bool   `db:"used"`
	IssuanceID *int64 `db:"issuance_id"`
}

// GetCodeState reads the allocation state of a code
func GetCodeState(t *testing.T, db *database.DB, codeID int64) CodeState {
	t.Helper()

	var state CodeState
	if err := db.Conn.Get(&state, `SELECT used, issuance_id FROM codes WHERE id = $1`, codeID); err != nil {
		t.Fatalf("Failed to read code %d: %v", codeID, err)
	}
	return state
}

// CountRows returns SELECT COUNT(*) for the given query tail
func CountRows(t *testing.T, db *database.DB, query string, args ...interface{}) int64 {
	t.Helper()

	var n int64
	if err := db.Conn.Get(&n, `SELECT COUNT(*) `+query, args...); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	return n
}

// RecordingSink keeps every audit event it receives
type RecordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

// Record implements audit.Sink
func (s *RecordingSink) Record(_ context.Context, event audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns the recorded events with the given action
func (s *RecordingSink) Events(action string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []audit.Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// MakeRequest creates an HTTP test request
func MakeRequest(method, path string, body interface{}, headers map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req
}

// AssertStatus checks that the response has the expected status code
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertJSON decodes the response body into the provided struct
func AssertJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}
