// Package company defines the Company record that flows through a sync run
// and the domain normalization used as its identity.
package company

import (
	"strings"
	"time"
)

// Source identifies where a Company record was discovered.
type Source string

const (
	// SourceTheirStack marks records discovered through the TheirStack company search.
	SourceTheirStack Source = "theirstack"
)

// DateLayout is the layout used when a discovery date is written to a ledger.
const DateLayout = "2006-01-02"

// Company is a candidate account. Domain is the dedup key and is always
// normalized when the value is built with New.
type Company struct {
	Name         string
	Domain       string
	Source       Source
	DiscoveredAt *time.Time
}

// New builds a Company with a normalized domain. Records are not modified after construction.
func New(name, domain string, source Source, discoveredAt *time.Time) Company {
	return Company{
		Name:         strings.TrimSpace(name),
		Domain:       NormalizeDomain(domain),
		Source:       source,
		DiscoveredAt: discoveredAt,
	}
}

// Valid reports whether the record carries a usable dedup key.
func (c Company) Valid() bool {
	return c.Domain != ""
}

// DiscoveredDate formats DiscoveredAt for row-oriented ledgers, empty when unknown.
func (c Company) DiscoveredDate() string {
	if c.DiscoveredAt == nil {
		return ""
	}
	return c.DiscoveredAt.UTC().Format(DateLayout)
}

// NormalizeDomain lower-cases the domain, trims whitespace, strips a leading
// http:// or https:// and any trailing slash. The steps repeat until the value
// stops changing, so NormalizeDomain(NormalizeDomain(d)) == NormalizeDomain(d).
// The cost is that stacked schemes are all removed: "https://http://x.com"
// becomes "x.com" rather than "http://x.com". Stripping a single scheme would
// let a ledger key change when normalized again on the next run.
func NormalizeDomain(d string) string {
	d = strings.ToLower(d)
	for {
		prev := d
		d = strings.TrimSpace(d)
		if rest, ok := strings.CutPrefix(d, "http://"); ok {
			d = rest
		} else if rest, ok := strings.CutPrefix(d, "https://"); ok {
			d = rest
		}
		d = strings.TrimRight(d, "/")
		if d == prev {
			return d
		}
	}
}

// ParseDate parses a detection date as returned by upstream APIs. Both plain
// dates and RFC3339 timestamps are accepted; anything else yields nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{DateLayout, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
