package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/kkkkikiki/voucher/internal/config"
)

// KeyPolicy selects the identity used to detect duplicate issuance.
//
// KeyUserAgent reproduces the behaviour of the first deployment: it needs no
// input from the visitor, but any client can change its user agent, so it only
// stops casual repeats. KeyPhone and KeyDeviceToken are stronger.
type KeyPolicy string

const (
	KeyUserAgent   KeyPolicy = config.RequesterKeyUserAgent
	KeyPhone       KeyPolicy = config.RequesterKeyPhone
	KeyDeviceToken KeyPolicy = config.RequesterKeyDeviceToken
)

// Identity carries every requester attribute a policy may key on
type Identity struct {
	Phone       string
	UserAgent   string
	DeviceToken string
}

// Weak reports whether the policy keys on a value the client controls freely
func (p KeyPolicy) Weak() bool {
	return p == KeyUserAgent
}

// Key derives the requester key for id. Keys are hashed so the ledger does
// not index raw phone numbers or tokens.
func (p KeyPolicy) Key(id Identity) (string, error) {
	var raw string
	switch p {
	case KeyUserAgent:
		raw = id.UserAgent
	case KeyPhone:
		raw = id.Phone
	case KeyDeviceToken:
		raw = id.DeviceToken
	default:
		return "", fmt.Errorf("%w: unknown requester key policy %q", ErrInvalidRequest, p)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidRequest, p)
	}

	sum := sha256.Sum256([]byte(string(p) + ":" + raw))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizePhone validates an Indonesian mobile number (628…, 11-14 digits)
// and strips separators and a leading plus sign.
func NormalizePhone(phone string) (string, error) {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	phone = strings.NewReplacer(" ", "", "-", "").Replace(phone)

	if !strings.HasPrefix(phone, "628") || len(phone) < 11 || len(phone) > 14 {
		return "", fmt.Errorf("%w: phone number must start with 628 and be 11-14 digits", ErrInvalidRequest)
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: phone number must contain digits only", ErrInvalidRequest)
		}
	}

	return phone, nil
}

// NormalizeIP returns the canonical text form of an IP address. IPv4-mapped
// IPv6 addresses collapse to dotted IPv4 and IPv6 is lowercased and
// compressed, so one address always has one blocklist key.
func NormalizeIP(raw string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return "", fmt.Errorf("%w: invalid ip address %q", ErrInvalidRequest, raw)
	}
	return ip.String(), nil
}

// canonicalIP is NormalizeIP for addresses taken from a request. A value
// that does not parse is kept as sent so it can still be recorded.
func canonicalIP(raw string) string {
	if ip, err := NormalizeIP(raw); err == nil {
		return ip
	}
	return strings.TrimSpace(raw)
}
