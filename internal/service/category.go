package service

import (
	"sort"
	"strings"
)

// Resolution is the pool an issuance request draws from
type Resolution struct {
	Hint     string
	Category string
	// Defaulted is set when the hint matched no configured source and the
	// default category was used instead.
	Defaulted bool
	// AnyCategory is set when not even the default category is configured;
	// the allocator then takes the oldest unused code of any category.
	AnyCategory bool
}

// Classifier maps request hints and code prefixes to categories
type Classifier struct {
	prefixes        map[string]string // category -> code prefix
	sources         map[string]string // hint -> category
	defaultCategory string
	ordered         []string // categories, longest prefix first
}

// NewClassifier creates a classifier. categories maps a category to its code
// prefix, sources maps a request hint to a category.
func NewClassifier(categories, sources map[string]string, defaultCategory string) *Classifier {
	c := &Classifier{
		prefixes:        make(map[string]string, len(categories)),
		sources:         make(map[string]string, len(sources)),
		defaultCategory: defaultCategory,
	}
	for category, prefix := range categories {
		c.prefixes[category] = prefix
		c.ordered = append(c.ordered, category)
	}
	for hint, category := range sources {
		c.sources[hint] = category
	}

	sort.Slice(c.ordered, func(i, j int) bool {
		pi, pj := c.prefixes[c.ordered[i]], c.prefixes[c.ordered[j]]
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		return c.ordered[i] < c.ordered[j]
	})

	return c
}

// Resolve maps a request hint to the category it draws from
func (c *Classifier) Resolve(hint string) Resolution {
	hint = strings.TrimSpace(hint)
	if category, ok := c.sources[hint]; ok && c.HasCategory(category) {
		return Resolution{Hint: hint, Category: category}
	}
	if c.HasCategory(c.defaultCategory) {
		return Resolution{Hint: hint, Category: c.defaultCategory, Defaulted: true}
	}
	return Resolution{Hint: hint, Defaulted: true, AnyCategory: true}
}

// Classify returns the category whose prefix code starts with. The longest
// matching prefix wins.
func (c *Classifier) Classify(code string) (string, bool) {
	for _, category := range c.ordered {
		if strings.HasPrefix(code, c.prefixes[category]) {
			return category, true
		}
	}
	return "", false
}

// HasCategory reports whether category is configured
func (c *Classifier) HasCategory(category string) bool {
	if category == "" {
		return false
	}
	_, ok := c.prefixes[category]
	return ok
}

// Categories returns the configured categories in name order
func (c *Classifier) Categories() []string {
	out := make([]string, 0, len(c.prefixes))
	for category := range c.prefixes {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}
