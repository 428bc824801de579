package service

import (
	"errors"
	"strings"
	"testing"
)

func TestClassifier_Resolve(t *testing.T) {
	c := NewClassifier(
		map[string]string{"regular": "ADS-", "community": "RCV-"},
		map[string]string{"direct": "regular", "rcv": "community", "stale": "removed"},
		"regular",
	)

	tests := []struct {
		hint      string
		category  string
		defaulted bool
	}{
		{"direct", "regular", false},
		{" rcv ", "community", false},
		{"", "regular", true},
		{"unknown", "regular", true},
		{"stale", "regular", true},
	}

	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			res := c.Resolve(tt.hint)
			if res.Category != tt.category || res.Defaulted != tt.defaulted || res.AnyCategory {
				t.Errorf("Resolve(%q) = %+v", tt.hint, res)
			}
		})
	}

	noDefault := NewClassifier(map[string]string{"regular": "ADS-"}, nil, "")
	if res := noDefault.Resolve("x"); !res.AnyCategory || res.Category != "" {
		t.Errorf("Expected any-category resolution, got %+v", res)
	}
}

func TestClassifier_ClassifyLongestPrefix(t *testing.T) {
	c := NewClassifier(map[string]string{
		"regular": "ADS-",
		"premium": "ADS-VIP-",
		"pondok":  "GRC-",
	}, nil, "regular")

	tests := []struct {
		code     string
		category string
		ok       bool
	}{
		{"ADS-1234", "regular", true},
		{"ADS-VIP-0001", "premium", true},
		{"GRC-9", "pondok", true},
		{"XYZ-1", "", false},
	}

	for _, tt := range tests {
		category, ok := c.Classify(tt.code)
		if category != tt.category || ok != tt.ok {
			t.Errorf("Classify(%q) = %q, %v; want %q, %v", tt.code, category, ok, tt.category, tt.ok)
		}
	}

	if got := strings.Join(c.Categories(), ","); got != "pondok,premium,regular" {
		t.Errorf("Categories() = %s", got)
	}
}

func TestKeyPolicy(t *testing.T) {
	id := Identity{Phone: "6281234567890", UserAgent: "Mozilla/5.0", DeviceToken: "dev-1"}

	phoneKey, err := KeyPhone.Key(id)
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	uaKey, _ := KeyUserAgent.Key(id)
	deviceKey, _ := KeyDeviceToken.Key(id)

	if phoneKey == uaKey || phoneKey == deviceKey || uaKey == deviceKey {
		t.Error("Keys of different policies must differ")
	}
	if len(phoneKey) != 64 || strings.Contains(phoneKey, id.Phone) {
		t.Errorf("Expected hashed key, got %s", phoneKey)
	}

	again, _ := KeyPhone.Key(Identity{Phone: "6281234567890", UserAgent: "other"})
	if again != phoneKey {
		t.Error("Phone key must only depend on the phone")
	}

	if _, err := KeyDeviceToken.Key(Identity{Phone: "6281234567890"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for missing device token, got %v", err)
	}
	if _, err := KeyPolicy("ip").Key(id); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for unknown policy, got %v", err)
	}

	if !KeyUserAgent.Weak() || KeyPhone.Weak() || KeyDeviceToken.Weak() {
		t.Error("Only the user agent policy is weak")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"6281234567890", "6281234567890", true},
		{"+62 812-3456-7890", "6281234567890", true},
		{"62812345678", "62812345678", true},
		{"62812345678901", "62812345678901", true},
		{"628123456789012", "", false},
		{"6281234567", "", false},
		{"081234567890", "", false},
		{"62812345678ab", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.ok {
				if err != nil || got != tt.want {
					t.Errorf("NormalizePhone(%q) = %q, %v", tt.in, got, err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("NormalizePhone(%q) expected ErrInvalidRequest, got %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestReferenceGenerator(t *testing.T) {
	g, err := NewReferenceGenerator("secret")
	if err != nil {
		t.Fatalf("NewReferenceGenerator failed: %v", err)
	}

	seen := make(map[string]int64)
	for id := int64(1); id <= 2000; id++ {
		ref := g.Generate(id)
		if !strings.HasPrefix(ref, "VCH-") || len(ref) != 12 {
			t.Fatalf("Unexpected reference format %q", ref)
		}
		if c := ref[4]; c < 'A' || c > 'Z' {
			t.Fatalf("Reference body must start with a letter: %q", ref)
		}
		for _, r := range ref[4:] {
			if !strings.ContainsRune(referenceAlphabet, r) {
				t.Fatalf("Unexpected character in %q", ref)
			}
		}
		if prev, dup := seen[ref]; dup {
			t.Fatalf("Reference %q generated for both %d and %d", ref, prev, id)
		}
		seen[ref] = id
	}

	if g.Generate(42) != g.Generate(42) {
		t.Error("References must be deterministic")
	}

	other, _ := NewReferenceGenerator("another-secret")
	if other.Generate(42) == g.Generate(42) {
		t.Error("References must depend on the secret")
	}
}
