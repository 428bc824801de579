package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
	"github.com/kkkkikiki/voucher/internal/testutil"
)

type testEnv struct {
	db       *database.DB
	vouchers *VoucherService
	admin    *AdminService
	sink     *testutil.RecordingSink
}

// setupDB opens an empty database for one test
type setupDB func(t *testing.T) *database.DB

func newTestEnv(t *testing.T, policy KeyPolicy, defaultCategory string) *testEnv {
	t.Helper()
	return newTestEnvOn(t, testutil.SetupTestDB, policy, defaultCategory)
}

func newTestEnvOn(t *testing.T, setup setupDB, policy KeyPolicy, defaultCategory string) *testEnv {
	t.Helper()

	db := setup(t)
	refs, err := NewReferenceGenerator("test-secret")
	if err != nil {
		t.Fatalf("Failed to create reference generator: %v", err)
	}

	classifier := NewClassifier(testutil.TestCategories, testutil.TestSources, defaultCategory)
	sink := &testutil.RecordingSink{}

	env := &testEnv{
		db: db,
		vouchers: NewVoucherService(db, Options{
			Classifier: classifier,
			KeyPolicy:  policy,
			References: refs,
			Sink:       sink,
		}),
		admin: NewAdminService(db, classifier, sink),
		sink:  sink,
	}
	if err := env.admin.InitSettings(context.Background(), false); err != nil {
		t.Fatalf("Failed to init settings: %v", err)
	}
	return env
}

func issueReq(phone, ua, source string) IssueRequest {
	return IssueRequest{
		PhoneNumber: phone,
		IPAddress:   "203.0.113.10",
		UserAgent:   ua,
		Source:      source,
	}
}

func TestIssue_FIFOWithinCategory(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()

	ids := testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002", "ADS-0003")
	testutil.SeedCodes(t, env.db, "community", "RCV-0001")

	for i, want := range []string{"ADS-0001", "ADS-0002", "ADS-0003"} {
		result, err := env.vouchers.Issue(ctx, issueReq(fmt.Sprintf("62812000000%d", i), "ua", "direct"))
		if err != nil {
			t.Fatalf("Issue %d failed: %v", i, err)
		}
		if result.Code.Code != want {
			t.Errorf("Issue %d: expected %s, got %s", i, want, result.Code.Code)
		}
		if result.Code.ID != ids[i] {
			t.Errorf("Issue %d: expected code id %d, got %d", i, ids[i], result.Code.ID)
		}
		if result.Issuance.Category != "regular" {
			t.Errorf("Expected category regular, got %s", result.Issuance.Category)
		}
	}

	// regular is exhausted; the community code must not leak into it
	_, err := env.vouchers.Issue(ctx, issueReq("6281200000099", "ua", "direct"))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}

	state := testutil.GetCodeState(t, env.db, ids[0])
	if !state.Used || state.IssuanceID == nil {
		t.Errorf("Expected first code to be used and linked, got %+v", state)
	}
}

func TestIssue_LinksCodeAndIssuance(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	result, err := env.vouchers.Issue(ctx, issueReq("+62 812-3456-7890", "ua", "direct"))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if result.Issuance.PhoneNumber != "6281234567890" {
		t.Errorf("Expected normalized phone, got %s", result.Issuance.PhoneNumber)
	}
	if result.Issuance.CodeID == nil || *result.Issuance.CodeID != result.Code.ID {
		t.Errorf("Issuance does not reference its code: %+v", result.Issuance)
	}
	if result.Code.IssuanceID == nil || *result.Code.IssuanceID != result.Issuance.ID {
		t.Errorf("Code does not reference its issuance: %+v", result.Code)
	}
	if len(result.Issuance.Reference) != len("VCH-")+8 {
		t.Errorf("Unexpected reference %q", result.Issuance.Reference)
	}

	stored, err := env.vouchers.GetIssuance(ctx, result.Issuance.ID)
	if err != nil {
		t.Fatalf("GetIssuance failed: %v", err)
	}
	if stored.Reference != result.Issuance.Reference {
		t.Errorf("Stored reference %q differs from returned %q", stored.Reference, result.Issuance.Reference)
	}

	if n := len(env.sink.Events(audit.ActionVoucherIssued)); n != 1 {
		t.Errorf("Expected 1 voucher_issued event, got %d", n)
	}
}

func TestIssue_DuplicateRequesterDenied(t *testing.T) {
	env := newTestEnv(t, KeyUserAgent, "regular")
	ctx := context.Background()
	ids := testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")

	if _, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "Mozilla/5.0 A", "direct")); err != nil {
		t.Fatalf("First issue failed: %v", err)
	}

	// Same user agent, different phone: same requester under this policy
	_, err := env.vouchers.Issue(ctx, issueReq("6281200000002", "Mozilla/5.0 A", "direct"))
	if !errors.Is(err, ErrAlreadyIssued) {
		t.Fatalf("Expected ErrAlreadyIssued, got %v", err)
	}

	if state := testutil.GetCodeState(t, env.db, ids[1]); state.Used {
		t.Error("Denied request must not consume a code")
	}
	if n := testutil.CountRows(t, env.db, `FROM issuances`); n != 1 {
		t.Errorf("Expected 1 issuance, got %d", n)
	}
}

func TestIssue_RedownloadOverride(t *testing.T) {
	env := newTestEnv(t, KeyUserAgent, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")

	if _, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "same-ua", "direct")); err != nil {
		t.Fatalf("First issue failed: %v", err)
	}
	if _, err := env.admin.SetRedownload(ctx, true, "tester"); err != nil {
		t.Fatalf("SetRedownload failed: %v", err)
	}

	result, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "same-ua", "direct"))
	if err != nil {
		t.Fatalf("Expected redownload to be allowed, got %v", err)
	}
	if result.Code.Code != "ADS-0002" {
		t.Errorf("Expected ADS-0002, got %s", result.Code.Code)
	}
}

func TestIssue_BlockedIP(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	ids := testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	if err := env.admin.BlockIP(ctx, "203.0.113.10", "abuse", "tester"); err != nil {
		t.Fatalf("BlockIP failed: %v", err)
	}

	_, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct"))
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("Expected ErrBlocked, got %v", err)
	}
	if state := testutil.GetCodeState(t, env.db, ids[0]); state.Used {
		t.Error("Blocked request must not consume a code")
	}

	if err := env.admin.UnblockIP(ctx, "203.0.113.10", "tester"); err != nil {
		t.Fatalf("UnblockIP failed: %v", err)
	}
	if _, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct")); err != nil {
		t.Fatalf("Expected issue after unblock, got %v", err)
	}
}

func TestIssue_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, KeyUserAgent, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	tests := []struct {
		name string
		req  IssueRequest
	}{
		{"bad phone prefix", issueReq("0812345678901", "ua", "direct")},
		{"phone too short", issueReq("62812345", "ua", "direct")},
		{"missing user agent", issueReq("6281234567890", "", "direct")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.vouchers.Issue(ctx, tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if n := testutil.CountRows(t, env.db, `FROM codes WHERE used = TRUE`); n != 0 {
		t.Errorf("Invalid requests consumed %d codes", n)
	}
}

func TestIssue_CategoryRouting(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")
	testutil.SeedCodes(t, env.db, "community", "RCV-0001")

	result, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "rcv-promo"))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if result.Code.Code != "RCV-0001" || result.Issuance.Category != "community" {
		t.Errorf("Expected community code, got %s (%s)", result.Code.Code, result.Issuance.Category)
	}

	// Unknown hint falls back to the default category
	result, err = env.vouchers.Issue(ctx, issueReq("6281200000002", "ua", "unknown-campaign"))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if result.Code.Code != "ADS-0001" {
		t.Errorf("Expected default category code, got %s", result.Code.Code)
	}
	if result.Fallback {
		t.Error("Default category resolution is not a fallback")
	}
}

func TestIssue_AnyCategoryFallbackIsAudited(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "missing")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "pondok", "GRC-0001")
	testutil.SeedCodes(t, env.db, "community", "RCV-0001")

	result, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "no-such-hint"))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !result.Fallback {
		t.Error("Expected fallback allocation")
	}
	if result.Code.Code != "GRC-0001" {
		t.Errorf("Expected oldest code of any category, got %s", result.Code.Code)
	}
	if result.Issuance.Category != "pondok" {
		t.Errorf("Issuance category must be the consumed code's category, got %s", result.Issuance.Category)
	}

	events := env.sink.Events(audit.ActionCategoryFallback)
	if len(events) != 1 || !events[0].Anomalous {
		t.Errorf("Expected one anomalous category_fallback event, got %+v", events)
	}
}

func TestIssue_ConcurrentRequestsNeverShareCode(t *testing.T) {
	runConcurrentRequestsNeverShareCode(t, testutil.SetupTestDB)
}

func runConcurrentRequestsNeverShareCode(t *testing.T, setup setupDB) {
	env := newTestEnvOn(t, setup, KeyPhone, "regular")
	ctx := context.Background()

	const numCodes = 20
	const numRequests = 50
	for i := 0; i < numCodes; i++ {
		testutil.SeedCodes(t, env.db, "regular", fmt.Sprintf("ADS-%04d", i))
	}

	var issued, exhausted, failed atomic.Int32
	codes := sync.Map{}
	var wg sync.WaitGroup

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			result, err := env.vouchers.Issue(ctx, issueReq(fmt.Sprintf("6281300%06d", idx), "ua", "direct"))
			switch {
			case err == nil:
				issued.Add(1)
				if _, dup := codes.LoadOrStore(result.Code.Code, idx); dup {
					t.Errorf("Code %s issued twice", result.Code.Code)
				}
			case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrNoneAvailable):
				exhausted.Add(1)
			default:
				failed.Add(1)
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}

	wg.Wait()

	if issued.Load() != numCodes {
		t.Errorf("Expected %d issued, got %d", numCodes, issued.Load())
	}
	if exhausted.Load() != numRequests-numCodes {
		t.Errorf("Expected %d exhausted, got %d", numRequests-numCodes, exhausted.Load())
	}

	if n := testutil.CountRows(t, env.db, `FROM issuances WHERE deleted = FALSE`); n != numCodes {
		t.Errorf("Expected %d active issuances, got %d", numCodes, n)
	}
	if n := testutil.CountRows(t, env.db, `FROM codes WHERE used = TRUE AND issuance_id IS NOT NULL`); n != numCodes {
		t.Errorf("Expected %d linked codes, got %d", numCodes, n)
	}
}

func TestIssue_ConcurrentSameRequesterIssuedOnce(t *testing.T) {
	runConcurrentSameRequesterIssuedOnce(t, testutil.SetupTestDB)
}

func runConcurrentSameRequesterIssuedOnce(t *testing.T, setup setupDB) {
	env := newTestEnvOn(t, setup, KeyUserAgent, "regular")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		testutil.SeedCodes(t, env.db, "regular", fmt.Sprintf("ADS-%04d", i))
	}

	var issued, duplicate atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := env.vouchers.Issue(ctx, issueReq(fmt.Sprintf("6281400%06d", idx), "shared-agent", "direct"))
			switch {
			case err == nil:
				issued.Add(1)
			case errors.Is(err, ErrAlreadyIssued):
				duplicate.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if issued.Load() != 1 {
		t.Errorf("Expected exactly 1 issuance, got %d", issued.Load())
	}
	if duplicate.Load() != 9 {
		t.Errorf("Expected 9 duplicates, got %d", duplicate.Load())
	}
}

func TestIssue_ThreeRequestersTwoCodes(t *testing.T) {
	runThreeRequestersTwoCodes(t, testutil.SetupTestDB)
}

func runThreeRequestersTwoCodes(t *testing.T, setup setupDB) {
	env := newTestEnvOn(t, setup, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")

	var issued, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := env.vouchers.Issue(ctx, issueReq(fmt.Sprintf("628150000000%d", idx), "ua", "direct"))
			if err == nil {
				issued.Add(1)
				return
			}
			if IsDenial(err) {
				denied.Add(1)
				return
			}
			t.Errorf("Unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	if issued.Load() != 2 || denied.Load() != 1 {
		t.Errorf("Expected 2 issued and 1 denied, got %d and %d", issued.Load(), denied.Load())
	}

	stats, err := env.vouchers.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total.Available != 0 || stats.Total.Used != 2 {
		t.Errorf("Unexpected stats: %+v", stats.Total)
	}
}

func TestReverse_ReleasesCode(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	ids := testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")

	first, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct"))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	result, err := env.vouchers.Reverse(ctx, first.Issuance.ID, "tester")
	if err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	if !result.VoucherReleased || result.AlreadyReversed {
		t.Errorf("Unexpected reversal result: %+v", result)
	}
	if result.CodeID == nil || *result.CodeID != ids[0] {
		t.Errorf("Reversal must keep the consumed code id, got %v", result.CodeID)
	}

	state := testutil.GetCodeState(t, env.db, ids[0])
	if state.Used || state.IssuanceID != nil {
		t.Errorf("Expected released code, got %+v", state)
	}

	reversed, err := env.vouchers.GetIssuance(ctx, first.Issuance.ID)
	if err != nil {
		t.Fatalf("GetIssuance failed: %v", err)
	}
	if !reversed.Deleted || reversed.DeletedAt == nil {
		t.Errorf("Expected soft-deleted issuance, got %+v", reversed)
	}

	// The released code is the oldest unused one again, and the requester
	// is no longer a duplicate
	second, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct"))
	if err != nil {
		t.Fatalf("Re-issue failed: %v", err)
	}
	if second.Code.ID != ids[0] {
		t.Errorf("Expected released code %d to be reissued, got %d", ids[0], second.Code.ID)
	}

	if n := len(env.sink.Events(audit.ActionVoucherReversed)); n != 1 {
		t.Errorf("Expected 1 voucher_reversed event, got %d", n)
	}
}

func TestReverse_Idempotent(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	issued, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct"))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := env.vouchers.Reverse(ctx, issued.Issuance.ID, "tester"); err != nil {
		t.Fatalf("First reverse failed: %v", err)
	}

	result, err := env.vouchers.Reverse(ctx, issued.Issuance.ID, "tester")
	if err != nil {
		t.Fatalf("Second reverse failed: %v", err)
	}
	if !result.AlreadyReversed || result.VoucherReleased {
		t.Errorf("Expected no-op reversal, got %+v", result)
	}
	if n := len(env.sink.Events(audit.ActionVoucherReversed)); n != 1 {
		t.Errorf("Second reversal must not be audited, got %d events", n)
	}
}

func TestReverse_ConcurrentReleasesOnce(t *testing.T) {
	runConcurrentReverseReleasesOnce(t, testutil.SetupTestDB)
}

func runConcurrentReverseReleasesOnce(t *testing.T, setup setupDB) {
	env := newTestEnvOn(t, setup, KeyPhone, "regular")
	ctx := context.Background()
	ids := testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	issued, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct"))
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	var released, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.vouchers.Reverse(ctx, issued.Issuance.ID, "tester")
			if err != nil {
				t.Errorf("Reverse failed: %v", err)
				return
			}
			if result.VoucherReleased {
				released.Add(1)
			}
			if result.AlreadyReversed {
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	if released.Load() != 1 || already.Load() != 9 {
		t.Errorf("Expected 1 release and 9 no-ops, got %d and %d", released.Load(), already.Load())
	}
	if state := testutil.GetCodeState(t, env.db, ids[0]); state.Used || state.IssuanceID != nil {
		t.Errorf("Expected released code, got %+v", state)
	}
}

func TestReverse_IssuanceWithoutCode(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()

	orphan := &model.Issuance{
		RequesterKey: "legacy",
		PhoneNumber:  "6281200000009",
		IPAddress:    "203.0.113.10",
		Category:     "regular",
		CreatedAt:    time.Now(),
	}
	if err := repository.NewIssuanceRepository(env.db.Dialect).Create(ctx, env.db.Conn, orphan); err != nil {
		t.Fatalf("Failed to seed issuance: %v", err)
	}

	result, err := env.vouchers.Reverse(ctx, orphan.ID, "tester")
	if err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	if result.VoucherReleased || result.AlreadyReversed || result.CodeID != nil {
		t.Errorf("Expected reversal without release, got %+v", result)
	}

	stored, err := env.vouchers.GetIssuance(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetIssuance failed: %v", err)
	}
	if !stored.Deleted {
		t.Error("Expected issuance to be soft-deleted")
	}
}

func TestIssue_FailedLinkLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	ids := testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	if _, err := env.vouchers.TrackView(ctx, TrackViewRequest{IPAddress: "203.0.113.10", Source: "direct"}); err != nil {
		t.Fatalf("TrackView failed: %v", err)
	}

	// A stray link on an unused code makes LinkIssuance fail after the
	// claim and the ledger insert already ran
	stray := int64(9999)
	if _, err := env.db.Conn.Exec(`UPDATE codes SET issuance_id = $1 WHERE id = $2`, stray, ids[0]); err != nil {
		t.Fatalf("Failed to corrupt code: %v", err)
	}

	_, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct"))
	if !errors.Is(err, repository.ErrCodeNotLinked) {
		t.Fatalf("Expected ErrCodeNotLinked, got %v", err)
	}

	state := testutil.GetCodeState(t, env.db, ids[0])
	if state.Used || state.IssuanceID == nil || *state.IssuanceID != stray {
		t.Errorf("Expected code untouched by the failed issue, got %+v", state)
	}
	if n := testutil.CountRows(t, env.db, `FROM issuances`); n != 0 {
		t.Errorf("Expected no issuance rows, got %d", n)
	}
	if n := testutil.CountRows(t, env.db, `FROM page_views WHERE converted = TRUE`); n != 0 {
		t.Errorf("Expected no converted views, got %d", n)
	}
	if n := len(env.sink.Events(audit.ActionVoucherIssued)); n != 0 {
		t.Errorf("Expected no voucher_issued events, got %d", n)
	}
}

func TestReverse_NotFound(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")

	_, err := env.vouchers.Reverse(context.Background(), 424242, "tester")
	if !errors.Is(err, ErrIssuanceNotFound) {
		t.Fatalf("Expected ErrIssuanceNotFound, got %v", err)
	}
}

func TestConservationUnderIssueAndReverse(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		testutil.SeedCodes(t, env.db, "regular", fmt.Sprintf("ADS-%04d", i))
	}

	var issuanceIDs []int64
	for i := 0; i < 6; i++ {
		result, err := env.vouchers.Issue(ctx, issueReq(fmt.Sprintf("628160000000%d", i), "ua", "direct"))
		if err != nil {
			t.Fatalf("Issue %d failed: %v", i, err)
		}
		issuanceIDs = append(issuanceIDs, result.Issuance.ID)
	}
	for _, id := range issuanceIDs[:3] {
		if _, err := env.vouchers.Reverse(ctx, id, "tester"); err != nil {
			t.Fatalf("Reverse %d failed: %v", id, err)
		}
	}

	stats, err := env.vouchers.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	active := testutil.CountRows(t, env.db, `FROM issuances WHERE deleted = FALSE`)
	if stats.Total.Used != active {
		t.Errorf("Used codes (%d) must equal active issuances (%d)", stats.Total.Used, active)
	}
	if stats.Total.Used+stats.Total.Available != stats.Total.Total {
		t.Errorf("used + available != total: %+v", stats.Total)
	}

	unused, err := env.vouchers.UnusedCount(ctx, "regular")
	if err != nil {
		t.Fatalf("UnusedCount failed: %v", err)
	}
	if unused != 5 {
		t.Errorf("Expected 5 unused codes, got %d", unused)
	}
}

func TestCheckEligibility(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	key, err := KeyPhone.Key(Identity{Phone: "6281200000001"})
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	regular := NewClassifier(testutil.TestCategories, testutil.TestSources, "regular").Resolve("direct")
	community := NewClassifier(testutil.TestCategories, testutil.TestSources, "regular").Resolve("rcv-promo")

	decision, err := env.vouchers.CheckEligibility(ctx, "203.0.113.10", key, regular)
	if err != nil || decision != Eligible {
		t.Fatalf("Expected Eligible, got %v (%v)", decision, err)
	}

	decision, _ = env.vouchers.CheckEligibility(ctx, "203.0.113.10", key, community)
	if decision != QuotaExceeded {
		t.Errorf("Expected QuotaExceeded for empty pool, got %v", decision)
	}

	if _, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct")); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	testutil.SeedCodes(t, env.db, "regular", "ADS-0002")

	decision, _ = env.vouchers.CheckEligibility(ctx, "203.0.113.10", key, regular)
	if decision != AlreadyIssued {
		t.Errorf("Expected AlreadyIssued, got %v", decision)
	}

	// Blocklist is checked before everything else
	if err := env.admin.BlockIP(ctx, "203.0.113.10", "", "tester"); err != nil {
		t.Fatalf("BlockIP failed: %v", err)
	}
	decision, _ = env.vouchers.CheckEligibility(ctx, "203.0.113.10", key, regular)
	if decision != Blocked {
		t.Errorf("Expected Blocked, got %v", decision)
	}

	active, err := env.vouchers.HasActiveIssuance(ctx, key)
	if err != nil || !active {
		t.Errorf("Expected active issuance for key, got %v (%v)", active, err)
	}
}

func TestEligibility_DerivesKeyFromRequest(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")

	if _, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct")); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	result, err := env.vouchers.Eligibility(ctx, EligibilityRequest{
		IPAddress:   "198.51.100.1",
		PhoneNumber: "+62 812-0000-0001",
		Source:      "direct",
	})
	if err != nil {
		t.Fatalf("Eligibility failed: %v", err)
	}
	if result.Decision != AlreadyIssued {
		t.Errorf("Expected AlreadyIssued for the same normalized phone, got %v", result.Decision)
	}
	if result.Resolution.Category != "regular" {
		t.Errorf("Expected regular category, got %s", result.Resolution.Category)
	}

	_, err = env.vouchers.Eligibility(ctx, EligibilityRequest{IPAddress: "198.51.100.1"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest without a phone, got %v", err)
	}
}

func TestListIssuances(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")
	testutil.SeedCodes(t, env.db, "community", "RCV-0001")

	first, _ := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct"))
	env.vouchers.Issue(ctx, issueReq("6281200000002", "ua", "direct"))
	env.vouchers.Issue(ctx, issueReq("6281200000003", "ua", "rcv-promo"))
	if _, err := env.vouchers.Reverse(ctx, first.Issuance.ID, "tester"); err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}

	page, err := env.vouchers.ListIssuances(ctx, repository.IssuanceFilter{})
	if err != nil {
		t.Fatalf("ListIssuances failed: %v", err)
	}
	if page.Total != 2 || len(page.Issuances) != 2 {
		t.Errorf("Expected 2 active issuances, got total=%d len=%d", page.Total, len(page.Issuances))
	}
	for _, iss := range page.Issuances {
		if iss.VoucherCode == nil || *iss.VoucherCode == "" {
			t.Errorf("Expected joined voucher code on issuance %d", iss.ID)
		}
	}

	page, _ = env.vouchers.ListIssuances(ctx, repository.IssuanceFilter{IncludeDeleted: true, Category: "regular"})
	if page.Total != 2 {
		t.Errorf("Expected 2 regular issuances including deleted, got %d", page.Total)
	}

	page, _ = env.vouchers.ListIssuances(ctx, repository.IssuanceFilter{Page: repository.Page{Page: 2, Limit: 1}})
	if page.Page != 2 || page.Limit != 1 || len(page.Issuances) != 1 {
		t.Errorf("Unexpected page: page=%d limit=%d len=%d", page.Page, page.Limit, len(page.Issuances))
	}
}

func TestStats_IncludesEmptyCategories(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")

	if _, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "direct")); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	stats, err := env.vouchers.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	byCategory := map[string]int64{}
	for _, c := range stats.Categories {
		byCategory[c.Category] = c.Available
	}
	if len(byCategory) != 3 {
		t.Errorf("Expected all 3 configured categories, got %v", byCategory)
	}
	if byCategory["regular"] != 1 || byCategory["pondok"] != 0 {
		t.Errorf("Unexpected availability: %v", byCategory)
	}
	if stats.Total.Total != 2 || stats.Total.Used != 1 {
		t.Errorf("Unexpected totals: %+v", stats.Total)
	}
}

func TestIssue_BlockedIPMatchesAnySpelling(t *testing.T) {
	tests := []struct {
		name    string
		blocked string
		request []string
	}{
		{"ipv4-mapped", "::ffff:1.2.3.4", []string{"::ffff:1.2.3.4", "1.2.3.4"}},
		{"uppercase ipv6", "2001:DB8::1", []string{"2001:DB8::1", "2001:db8::1", "2001:0db8:0:0:0:0:0:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, KeyPhone, "regular")
			ctx := context.Background()
			ids := testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

			if err := env.admin.BlockIP(ctx, tt.blocked, "abuse", "tester"); err != nil {
				t.Fatalf("BlockIP failed: %v", err)
			}

			for i, ip := range tt.request {
				req := issueReq(fmt.Sprintf("628120000010%d", i), "ua", "direct")
				req.IPAddress = ip
				if _, err := env.vouchers.Issue(ctx, req); !errors.Is(err, ErrBlocked) {
					t.Errorf("Issue from %s: expected ErrBlocked, got %v", ip, err)
				}

				decision, err := env.vouchers.CheckEligibility(ctx, ip, "key", env.vouchers.classifier.Resolve("direct"))
				if err != nil || decision != Blocked {
					t.Errorf("CheckEligibility from %s: expected blocked, got %v, %v", ip, decision, err)
				}
			}

			if state := testutil.GetCodeState(t, env.db, ids[0]); state.Used {
				t.Error("Blocked requests must not consume a code")
			}
		})
	}
}

func TestIssue_RecordsCanonicalIP(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")

	req := issueReq("6281200000001", "ua", "direct")
	req.IPAddress = "::FFFF:198.51.100.7"
	result, err := env.vouchers.Issue(ctx, req)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if result.Issuance.IPAddress != "198.51.100.7" {
		t.Errorf("Expected canonical ip, got %s", result.Issuance.IPAddress)
	}
}

func TestTrackView_ConvertedByIssue(t *testing.T) {
	env := newTestEnv(t, KeyPhone, "regular")
	ctx := context.Background()
	testutil.SeedCodes(t, env.db, "regular", "ADS-0001", "ADS-0002")

	track := func(ip, source string) int64 {
		t.Helper()
		view, err := env.vouchers.TrackView(ctx, TrackViewRequest{IPAddress: ip, Source: source, UserAgent: "ua"})
		if err != nil {
			t.Fatalf("TrackView failed: %v", err)
		}
		return view.ID
	}

	older := track("203.0.113.10", "")
	latest := track("203.0.113.10", "")
	other := track("203.0.113.10", "rcv-promo")
	track("198.51.100.1", "")

	if _, err := env.vouchers.Issue(ctx, issueReq("6281200000001", "ua", "")); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	converted := func(id int64) bool {
		return testutil.CountRows(t, env.db, `FROM page_views WHERE id = $1 AND converted = TRUE`, id) == 1
	}
	if !converted(latest) || converted(older) || converted(other) {
		t.Errorf("Expected only the latest direct view converted: latest=%v older=%v other=%v",
			converted(latest), converted(older), converted(other))
	}

	report, err := env.admin.Analytics(ctx, AnalyticsRange{})
	if err != nil {
		t.Fatalf("Analytics failed: %v", err)
	}
	if report.Summary.Views != 4 || report.Summary.Downloads != 1 || report.Summary.UniqueVisitors != 2 {
		t.Errorf("Unexpected summary: %+v", report.Summary)
	}
	if report.Summary.ConversionRate != 25 {
		t.Errorf("Expected 25%% conversion, got %v", report.Summary.ConversionRate)
	}
	if len(report.BySource) != 2 || report.BySource[0].Source != "direct" || report.BySource[0].Views != 3 {
		t.Fatalf("Unexpected per-source rows: %+v", report.BySource)
	}
	if report.BySource[0].Downloads != 1 || report.BySource[0].ViewsOnly != 2 || report.BySource[0].ConversionRate != 33.33 {
		t.Errorf("Unexpected direct row: %+v", report.BySource[0])
	}
}
