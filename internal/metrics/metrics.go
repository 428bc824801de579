package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IssueVoucherDuration tracks the latency of voucher issuance
	IssueVoucherDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "voucher_issue_duration_seconds",
			Help: "Duration of voucher issuance requests in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
				5.0,   // 5s
				10.0,  // 10s
			},
		},
		[]string{"outcome"}, // issued, blocked, quota_exceeded, already_issued, none_available, error
	)

	// VouchersIssued counts committed issuances per category
	VouchersIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_issued_total",
			Help: "Number of vouchers issued",
		},
		[]string{"category"},
	)

	// VouchersReversed counts reversals by whether a code went back to the pool
	VouchersReversed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_reversed_total",
			Help: "Number of issuance reversals",
		},
		[]string{"released"},
	)

	// AllocationAnomalies counts category fallbacks and allocation races
	AllocationAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_allocation_anomalies_total",
			Help: "Number of anomalous allocations",
		},
		[]string{"kind"},
	)
)

// RecordIssueVoucherDuration records the duration of a voucher issuance request
func RecordIssueVoucherDuration(outcome string, duration float64) {
	IssueVoucherDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordIssued counts an issued voucher
func RecordIssued(category string) {
	VouchersIssued.WithLabelValues(category).Inc()
}

// RecordReversal counts a reversal
func RecordReversal(released bool) {
	label := "false"
	if released {
		label = "true"
	}
	VouchersReversed.WithLabelValues(label).Inc()
}

// RecordAnomaly counts an anomalous allocation
func RecordAnomaly(kind string) {
	AllocationAnomalies.WithLabelValues(kind).Inc()
}
