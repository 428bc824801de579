package service

import (
	"testing"

	"github.com/kkkkikiki/voucher/internal/testutil"
)

// These run the concurrency scenarios against PostgreSQL, where the claim
// relies on FOR UPDATE SKIP LOCKED and the requester lock on
// pg_advisory_xact_lock. Set TEST_POSTGRES_DSN to a disposable database to
// enable them.

func TestPostgres_ConcurrentRequestsNeverShareCode(t *testing.T) {
	runConcurrentRequestsNeverShareCode(t, testutil.SetupPostgresDB)
}

func TestPostgres_ConcurrentSameRequesterIssuedOnce(t *testing.T) {
	runConcurrentSameRequesterIssuedOnce(t, testutil.SetupPostgresDB)
}

func TestPostgres_ThreeRequestersTwoCodes(t *testing.T) {
	runThreeRequestersTwoCodes(t, testutil.SetupPostgresDB)
}

func TestPostgres_ConcurrentReverseReleasesOnce(t *testing.T) {
	runConcurrentReverseReleasesOnce(t, testutil.SetupPostgresDB)
}
