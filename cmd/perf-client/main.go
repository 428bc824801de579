package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/time/rate"

	voucherv1 "github.com/kkkkikiki/voucher/internal/api/voucherv1"
	"github.com/kkkkikiki/voucher/internal/service"
)

// PerfResult gathers aggregated metrics for the test run.
// Atomic counters are used to avoid lock‑contention on hot paths.
// LatencySum & P95Latency are in nanoseconds.
//
// P95Latency is maintained via a lightweight reservoir sampler.
type PerfResult struct {
	TotalRequests int64
	SuccessCount  int64
	DeniedCount   int64
	ErrorCount    int64
	LatencySum    int64
	P95Latency    int64
}

// perfConfig is read from PERF_* environment variables
type perfConfig struct {
	BaseURL    string        `env:"BASE_URL,default=http://localhost:8080"`
	AdminToken string        `env:"ADMIN_TOKEN"`
	Workers    int           `env:"WORKERS,default=50"`
	RPS        int           `env:"RPS,default=700"`
	Duration   time.Duration `env:"DURATION,default=30s"`
	Codes      int           `env:"CODES,default=50000"`
	Source     string        `env:"SOURCE,default=direct"`
	Seed       bool          `env:"SEED,default=true"`
}

const defaultTimeout = 30 * time.Second

func main() {
	var cfg perfConfig
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("PERF_", envconfig.OsLookuper()),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid PERF_* configuration: %v\n", err)
		os.Exit(1)
	}

	// ─── HTTP Client & Transport ─────────────────────────────────
	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 4,
		MaxIdleConnsPerHost: cfg.Workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}

	admin := &adminClient{http: httpClient, baseURL: cfg.BaseURL, token: cfg.AdminToken}

	// ─── Pool seeding ────────────────────────────────────────────
	runID := time.Now().Unix()
	if cfg.Seed {
		inserted, err := admin.seedCodes(runID, cfg.Codes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed codes: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ seeded %d codes\n", inserted)
	}

	before, err := admin.stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read pool stats: %v\n", err)
		os.Exit(1)
	}

	client := voucherv1.NewVoucherServiceClient(httpClient, cfg.BaseURL)

	// ─── Banner ──────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🚀 voucher load test")
	fmt.Println("==========================================")
	fmt.Printf("target     : %s\n", cfg.BaseURL)
	fmt.Printf("source     : %s\n", cfg.Source)
	fmt.Printf("RPS        : %d\n", cfg.RPS)
	fmt.Printf("duration   : %v\n", cfg.Duration)
	fmt.Printf("available  : %d\n", before.Total.Available)
	fmt.Println("==========================================")

	// ─── Rate limiter & context ─────────────────────────────────
	burst := cfg.RPS / cfg.Workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), burst)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var result PerfResult
	var wg sync.WaitGroup
	var seq int64

	// latencyChan collects latencies for P95 estimation.
	latencyChan := make(chan time.Duration, 4096)
	go trackP95(latencyChan, &result)

	// ─── Workers ────────────────────────────────────────────────
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil { // context cancelled → exit
					return
				}
				n := atomic.AddInt64(&seq, 1)
				doRequest(client, cfg.Source, runID, n, &result, latencyChan)
			}
		}()
	}

	start := time.Now()
	<-ctx.Done() // wait for duration

	// ─── Cleanup ────────────────────────────────────────────────
	wg.Wait()
	close(latencyChan)

	totalDur := time.Since(start)

	// ─── Report ─────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("📊 results")
	fmt.Println("==========================================")
	fmt.Printf("elapsed            : %.2fs\n", totalDur.Seconds())
	fmt.Printf("total requests     : %d\n", result.TotalRequests)
	fmt.Printf("issued             : %d\n", result.SuccessCount)
	fmt.Printf("denied             : %d\n", result.DeniedCount)
	fmt.Printf("failed             : %d\n", result.ErrorCount)

	actualRPS := float64(result.TotalRequests) / totalDur.Seconds()
	var avgLatency time.Duration
	if result.SuccessCount > 0 {
		avgLatency = time.Duration(result.LatencySum / result.SuccessCount)
	}

	fmt.Printf("actual RPS         : %.2f\n", actualRPS)
	fmt.Printf("avg latency        : %v\n", avgLatency)
	fmt.Printf("P95 latency        : %v\n", time.Duration(atomic.LoadInt64(&result.P95Latency)))
	fmt.Println("==========================================")

	// ─── Data Consistency Check ─────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🔍 consistency check")
	fmt.Println("==========================================")

	if err := verifyDataConsistency(admin, before, result.SuccessCount); err != nil {
		fmt.Printf("❌ consistency check failed: %v\n", err)
	} else {
		fmt.Println("✅ pool and ledger are consistent")
	}
	fmt.Println("==========================================")
}

// doRequest performs a single IssueVoucher RPC and collects metrics. Every
// request uses its own phone number and user agent so that duplicate
// suppression does not mask allocation behaviour.
func doRequest(client voucherv1.VoucherServiceClient, source string, runID, n int64, result *PerfResult, latencyChan chan<- time.Duration) {
	// Use independent context to avoid cancellation when test ends
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	userAgent := fmt.Sprintf("perf-client/%d-%d", runID, n)
	forwardedFor := fmt.Sprintf("10.%d.%d.%d", (n>>16)&0xff, (n>>8)&0xff, n&0xff)

	// Land on the page first so the issuance converts a tracked view
	view := connect.NewRequest(&voucherv1.TrackViewRequest{Source: source})
	view.Header().Set("User-Agent", userAgent)
	view.Header().Set("X-Forwarded-For", forwardedFor)
	_, _ = client.TrackView(ctx, view)

	req := connect.NewRequest(&voucherv1.IssueVoucherRequest{
		PhoneNumber: fmt.Sprintf("628%010d", (runID*1_000_000+n)%10_000_000_000),
		Source:      source,
	})
	req.Header().Set("User-Agent", userAgent)
	req.Header().Set("X-Forwarded-For", forwardedFor)

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	resp, err := client.IssueVoucher(ctx, req)
	latency := time.Since(start)

	if err != nil {
		var connectErr *connect.Error
		if errors.As(err, &connectErr) && connectErr.Meta().Get(voucherv1.DenialHeader) != "" {
			atomic.AddInt64(&result.DeniedCount, 1)
			return
		}
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	if resp.Msg.VoucherCode != "" {
		atomic.AddInt64(&result.SuccessCount, 1)
		atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
		select {
		case latencyChan <- latency:
		default:
		}
	} else {
		atomic.AddInt64(&result.ErrorCount, 1)
	}
}

// trackP95 maintains a best‑effort rolling P95 latency estimation.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)

	for lat := range latencies {
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else {
			// Replace random element (simple reservoir sampling)
			if idx := time.Now().UnixNano() % int64(size); idx < int64(size/10) {
				buf[idx] = lat.Nanoseconds()
			}
		}

		// Update P95 periodically
		if len(buf) >= 100 && len(buf)%100 == 0 {
			copyBuf := make([]int64, len(buf))
			copy(copyBuf, buf)
			quickSort(copyBuf)
			p95Index := int(float64(len(copyBuf)) * 0.95)
			if p95Index >= len(copyBuf) {
				p95Index = len(copyBuf) - 1
			}
			atomic.StoreInt64(&result.P95Latency, copyBuf[p95Index])
		}
	}
}

// quickSort sorts the array in ascending order
func quickSort(arr []int64) {
	if len(arr) < 2 {
		return
	}

	left, right := 0, len(arr)-1
	pivot := len(arr) / 2

	arr[pivot], arr[right] = arr[right], arr[pivot]

	for i := range arr {
		if arr[i] < arr[right] {
			arr[left], arr[i] = arr[i], arr[left]
			left++
		}
	}

	arr[left], arr[right] = arr[right], arr[left]

	quickSort(arr[:left])
	quickSort(arr[left+1:])
}

// adminClient is a minimal client of the admin REST API
type adminClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func (c *adminClient) do(method, path string, body, out interface{}) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.baseURL+"/api/admin"+path, &payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Actor", "perf-client")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// seedCodes imports n fresh codes into the regular pool
func (c *adminClient) seedCodes(runID int64, n int) (int64, error) {
	codes := make([]service.ImportCode, n)
	for i := range codes {
		codes[i] = service.ImportCode{Code: fmt.Sprintf("ADS-PERF-%d-%07d", runID, i), Store: "perf"}
	}

	var result service.ImportResult
	if err := c.do(http.MethodPost, "/codes/import", service.ImportRequest{Codes: codes}, &result); err != nil {
		return 0, err
	}
	return result.Inserted, nil
}

func (c *adminClient) stats() (*service.PoolStats, error) {
	var stats service.PoolStats
	if err := c.do(http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// verifyDataConsistency checks that the pool lost exactly as many codes as
// the run was issued
func verifyDataConsistency(admin *adminClient, before *service.PoolStats, issued int64) error {
	after, err := admin.stats()
	if err != nil {
		return fmt.Errorf("failed to read pool stats: %w", err)
	}

	consumed := after.Total.Used - before.Total.Used

	fmt.Printf("total codes        : %d\n", after.Total.Total)
	fmt.Printf("used (before)      : %d\n", before.Total.Used)
	fmt.Printf("used (after)       : %d\n", after.Total.Used)
	fmt.Printf("issued (this run)  : %d\n", issued)
	fmt.Printf("available          : %d\n", after.Total.Available)

	if consumed != issued {
		return fmt.Errorf("pool mismatch: consumed=%d, issued=%d, diff=%d", consumed, issued, consumed-issued)
	}
	if after.Total.Used+after.Total.Available != after.Total.Total {
		return fmt.Errorf("conservation violated: used=%d + available=%d != total=%d",
			after.Total.Used, after.Total.Available, after.Total.Total)
	}

	return nil
}
