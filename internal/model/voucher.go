package model

import (
	"time"
)

// Code represents a voucher code in the pool
type Code struct {
	ID         int64      `db:"id" json:"id"`
	Code       string     `db:"code" json:"code"`
	Category   string     `db:"category" json:"category"`
	Store      string     `db:"store" json:"store"`
	Used       bool       `db:"used" json:"used"`
	IssuanceID *int64     `db:"issuance_id" json:"issuance_id,omitempty"` // set iff Used
	UsedAt     *time.Time `db:"used_at" json:"used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Issuance records one successful allocation of a code to a requester
type Issuance struct {
	ID           int64      `db:"id" json:"id"`
	Reference    string     `db:"reference" json:"reference"`
	RequesterKey string     `db:"requester_key" json:"-"`
	PhoneNumber  string     `db:"phone_number" json:"phone_number"`
	IPAddress    string     `db:"ip_address" json:"ip_address"`
	UserAgent    string     `db:"user_agent" json:"user_agent"`
	Source       string     `db:"source" json:"source"`
	Category     string     `db:"category" json:"category"`
	CodeID       *int64     `db:"code_id" json:"code_id,omitempty"` // kept after reversal
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	Deleted      bool       `db:"deleted" json:"deleted"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// IssuanceView is an issuance joined with the code it consumed
type IssuanceView struct {
	Issuance
	VoucherCode *string `db:"voucher_code" json:"voucher_code,omitempty"`
	Store       *string `db:"store" json:"store,omitempty"`
}

// CategoryStats aggregates the code pool of one category. The numbers are
// always computed from the codes table.
type CategoryStats struct {
	Category  string `db:"category" json:"category"`
	Total     int64  `db:"total" json:"total"`
	Used      int64  `db:"used" json:"used"`
	Available int64  `db:"available" json:"available"`
}

// Settings holds runtime switches toggled from the admin API
type Settings struct {
	AllowRedownload bool      `db:"allow_redownload" json:"allow_redownload"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// BlockedIP represents a blocklist entry
type BlockedIP struct {
	ID        int64     `db:"id" json:"id"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	Reason    string    `db:"reason" json:"reason"`
	BlockedBy string    `db:"blocked_by" json:"blocked_by"`
	BlockedAt time.Time `db:"blocked_at" json:"blocked_at"`
	Active    bool      `db:"active" json:"active"`
}

// AuditEvent is a persisted audit trail entry
type AuditEvent struct {
	ID        int64     `db:"id" json:"id"`
	Action    string    `db:"action" json:"action"`
	Actor     string    `db:"actor" json:"actor"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	Details   string    `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PageView is one visit to the landing page. Converted is set on the latest
// unconverted view of the same IP and source when that visitor is issued a
// voucher.
type PageView struct {
	ID        int64     `db:"id" json:"id"`
	Source    string    `db:"source" json:"source"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	UserAgent string    `db:"user_agent" json:"user_agent"`
	Referrer  string    `db:"referrer" json:"referrer"`
	ViewedAt  time.Time `db:"viewed_at" json:"viewed_at"`
	Converted bool      `db:"converted" json:"converted"`
}

// SourceAnalytics aggregates page views of one source
type SourceAnalytics struct {
	Source         string  `db:"source" json:"source"`
	Views          int64   `db:"views" json:"views"`
	Downloads      int64   `db:"downloads" json:"downloads"`
	ViewsOnly      int64   `db:"-" json:"views_only"`
	ConversionRate float64 `db:"-" json:"conversion_rate"` // percent, two decimals
}

// AnalyticsSummary aggregates page views across all sources
type AnalyticsSummary struct {
	Views          int64   `db:"views" json:"views"`
	Downloads      int64   `db:"downloads" json:"downloads"`
	UniqueVisitors int64   `db:"unique_visitors" json:"unique_visitors"`
	ConversionRate float64 `db:"-" json:"conversion_rate"`
}
