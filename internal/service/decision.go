package service

import (
	"errors"

	"github.com/kkkkikiki/voucher/internal/repository"
)

// Denials. ErrNoneAvailable is the commit-time variant of ErrQuotaExceeded:
// the pool looked non-empty to the gate but the claim found nothing.
var (
	ErrBlocked          = errors.New("requester ip is blocked")
	ErrQuotaExceeded    = errors.New("voucher quota exhausted for this channel")
	ErrAlreadyIssued    = errors.New("voucher already issued to this requester")
	ErrNoneAvailable    = repository.ErrNoneAvailable
	ErrIssuanceNotFound = repository.ErrIssuanceNotFound
	ErrBlockNotFound    = repository.ErrBlockNotFound
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownCategory  = errors.New("unknown category")
)

// Decision is the outcome of the eligibility gate
type Decision int

const (
	Eligible Decision = iota
	Blocked
	QuotaExceeded
	AlreadyIssued
)

func (d Decision) String() string {
	switch d {
	case Eligible:
		return "eligible"
	case Blocked:
		return "blocked"
	case QuotaExceeded:
		return "quota_exceeded"
	case AlreadyIssued:
		return "already_issued"
	default:
		return "unknown"
	}
}

// Err returns the denial error for d, or nil when d is Eligible
func (d Decision) Err() error {
	switch d {
	case Blocked:
		return ErrBlocked
	case QuotaExceeded:
		return ErrQuotaExceeded
	case AlreadyIssued:
		return ErrAlreadyIssued
	default:
		return nil
	}
}

// IsDenial reports whether err is a denial rather than a failure
func IsDenial(err error) bool {
	return errors.Is(err, ErrBlocked) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrAlreadyIssued) ||
		errors.Is(err, ErrNoneAvailable)
}
