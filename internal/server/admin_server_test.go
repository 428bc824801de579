package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/service"
	"github.com/kkkkikiki/voucher/internal/testutil"
)

const testToken = "test-admin-token"

var authHeaders = map[string]string{
	"Authorization": "Bearer " + testToken,
	actorHeader:     "ops@example.com",
}

func newAdminHandler(t *testing.T, env *serverEnv) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewAdminServer(env.vouchers, env.admin, testToken).Handler("/api/admin")
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	env := newServerEnv(t, service.KeyPhone)
	h := newAdminHandler(t, env)

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"missing header", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic " + testToken}, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"valid", authHeaders, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/stats", nil, tt.headers))
			testutil.AssertStatus(t, w, tt.status)
		})
	}

	// An empty configured token rejects everything
	locked := NewAdminServer(env.vouchers, env.admin, "").Handler("/api/admin")
	w := serve(locked, testutil.MakeRequest(http.MethodGet, "/api/admin/stats", nil, map[string]string{"Authorization": "Bearer "}))
	testutil.AssertStatus(t, w, http.StatusUnauthorized)
}

func TestAdminImportAndStats(t *testing.T) {
	env := newServerEnv(t, service.KeyPhone)
	h := newAdminHandler(t, env)

	body := service.ImportRequest{Codes: []service.ImportCode{
		{Code: "ADS-0001", Store: "A"},
		{Code: "RCV-0001", Store: "B"},
		{Code: "???"},
	}}
	w := serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/codes/import", body, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)

	var result service.ImportResult
	testutil.AssertJSON(t, w, &result)
	if result.Inserted != 2 || len(result.Unclassified) != 1 {
		t.Errorf("Unexpected import result: %+v", result)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/codes/import-csv?category=pondok", strings.NewReader("code,store\nX-1,S\nX-2,S\n"))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w = serve(h, req)
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.AssertJSON(t, w, &result)
	if result.Inserted != 2 {
		t.Errorf("Expected 2 csv codes inserted, got %+v", result)
	}

	w = serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/codes/import", service.ImportRequest{Category: "vip", Codes: []service.ImportCode{{Code: "V"}}}, authHeaders))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/stats", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	var stats service.PoolStats
	testutil.AssertJSON(t, w, &stats)
	if stats.Total.Total != 4 || stats.Total.Available != 4 {
		t.Errorf("Unexpected stats: %+v", stats.Total)
	}

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/codes?category=pondok&limit=1", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	var codes struct {
		Codes []model.Code `json:"codes"`
		Total int64        `json:"total"`
		Limit int          `json:"limit"`
	}
	testutil.AssertJSON(t, w, &codes)
	if codes.Total != 2 || len(codes.Codes) != 1 || codes.Limit != 1 {
		t.Errorf("Unexpected code listing: %+v", codes)
	}
}

func TestAdminReverseIssuance(t *testing.T) {
	env := newServerEnv(t, service.KeyPhone)
	h := newAdminHandler(t, env)
	ctx := context.Background()

	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")
	issued, err := env.vouchers.Issue(ctx, service.IssueRequest{PhoneNumber: "6281234567890", IPAddress: "192.0.2.1", Source: "direct"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	w := serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/issuances?phone=6281234567890", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	var page service.IssuancePage
	testutil.AssertJSON(t, w, &page)
	if page.Total != 1 || page.Issuances[0].ID != issued.Issuance.ID {
		t.Errorf("Unexpected issuance page: %+v", page)
	}

	path := fmt.Sprintf("/api/admin/issuances/%d", issued.Issuance.ID)
	w = serve(h, testutil.MakeRequest(http.MethodDelete, path, nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	var reversal struct {
		VoucherReleased bool `json:"voucher_released"`
		AlreadyReversed bool `json:"already_reversed"`
	}
	testutil.AssertJSON(t, w, &reversal)
	if !reversal.VoucherReleased || reversal.AlreadyReversed {
		t.Errorf("Unexpected reversal: %+v", reversal)
	}

	w = serve(h, testutil.MakeRequest(http.MethodDelete, path, nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.AssertJSON(t, w, &reversal)
	if reversal.VoucherReleased || !reversal.AlreadyReversed {
		t.Errorf("Expected idempotent reversal, got %+v", reversal)
	}

	w = serve(h, testutil.MakeRequest(http.MethodDelete, "/api/admin/issuances/9999", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = serve(h, testutil.MakeRequest(http.MethodDelete, "/api/admin/issuances/abc", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusBadRequest)
}

func TestAdminBlocklistAndSettings(t *testing.T) {
	env := newServerEnv(t, service.KeyPhone)
	h := newAdminHandler(t, env)

	w := serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/block-ip", map[string]string{"ip_address": "198.51.100.9", "reason": "bot"}, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/block-ip", map[string]string{"ip_address": "nope"}, authHeaders))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/blocked-ips", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	var blocked struct {
		BlockedIPs []model.BlockedIP `json:"blocked_ips"`
	}
	testutil.AssertJSON(t, w, &blocked)
	if len(blocked.BlockedIPs) != 1 || blocked.BlockedIPs[0].BlockedBy != "ops@example.com" {
		t.Errorf("Unexpected blocklist: %+v", blocked.BlockedIPs)
	}

	w = serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/unblock-ip", map[string]string{"ip_address": "198.51.100.10"}, authHeaders))
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/unblock-ip", map[string]string{"ip_address": "198.51.100.9"}, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/settings/redownload", map[string]string{}, authHeaders))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = serve(h, testutil.MakeRequest(http.MethodPost, "/api/admin/settings/redownload", map[string]bool{"allow": true}, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/settings", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	var settings model.Settings
	testutil.AssertJSON(t, w, &settings)
	if !settings.AllowRedownload {
		t.Error("Expected redownload enabled")
	}

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/audit?limit=10", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
}

func TestAdminAnalyticsAndExports(t *testing.T) {
	env := newServerEnv(t, service.KeyPhone)
	h := newAdminHandler(t, env)
	ctx := context.Background()

	testutil.SeedCodes(t, env.db, "regular", "ADS-0001")
	for _, source := range []string{"direct", "rcv-promo"} {
		if _, err := env.vouchers.TrackView(ctx, service.TrackViewRequest{IPAddress: "192.0.2.1", Source: source}); err != nil {
			t.Fatalf("TrackView failed: %v", err)
		}
	}
	if _, err := env.vouchers.Issue(ctx, service.IssueRequest{PhoneNumber: "6281234567890", IPAddress: "192.0.2.1", Source: "direct"}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	w := serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/analytics", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	var report service.AnalyticsReport
	testutil.AssertJSON(t, w, &report)
	if report.Summary.Views != 2 || report.Summary.Downloads != 1 || len(report.BySource) != 2 {
		t.Errorf("Unexpected analytics: %+v", report)
	}

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/analytics?from=yesterday", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/analytics/export", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv") {
		t.Errorf("Expected csv content type, got %s", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "analytics-by-source-") {
		t.Errorf("Unexpected disposition %s", w.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(w.Body.String(), "direct,1,1,0,100.00") {
		t.Errorf("Unexpected analytics csv:\n%s", w.Body.String())
	}

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/issuances/export", nil, authHeaders))
	testutil.AssertStatus(t, w, http.StatusOK)
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "ADS-0001") || !strings.Contains(lines[1], "6281234567890") {
		t.Errorf("Unexpected issuance csv:\n%s", w.Body.String())
	}

	w = serve(h, testutil.MakeRequest(http.MethodGet, "/api/admin/issuances/export", nil, nil))
	testutil.AssertStatus(t, w, http.StatusUnauthorized)
}
