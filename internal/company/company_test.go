package company

import (
	"testing"
	"time"
)

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "acme.com", "acme.com"},
		{"upper with https and slash", "HTTPS://Acme.com/", "acme.com"},
		{"http prefix", "http://acme.com", "acme.com"},
		{"whitespace", "  acme.com \t", "acme.com"},
		{"multiple trailing slashes", "acme.com///", "acme.com"},
		{"whitespace inside prefix", " https://acme.com/ ", "acme.com"},
		{"nested prefix", "https://http://acme.com", "acme.com"},
		{"repeated nested prefix", "http://https://http://acme.com/", "acme.com"},
		{"path kept", "acme.com/en", "acme.com/en"},
		{"empty", "", ""},
		{"only protocol", "https://", ""},
		{"only slash", "/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeDomain(tt.in); got != tt.want {
				t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeDomain_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"HTTPS://Acme.com/",
		" http:// acme.com / ",
		"https://https://x.io//",
		"HTTP://HTTPS://Y.ORG",
		"a b.com",
		"   ",
		"ftp://acme.com",
		"acme.com/ /",
	}
	for _, in := range inputs {
		once := NormalizeDomain(in)
		twice := NormalizeDomain(once)
		if once != twice {
			t.Errorf("NormalizeDomain not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestNew_NormalizesDomain(t *testing.T) {
	t.Parallel()

	c := New(" Acme ", "HTTPS://Acme.com/", SourceTheirStack, nil)
	if c.Domain != "acme.com" {
		t.Errorf("Domain = %q, want %q", c.Domain, "acme.com")
	}
	if c.Name != "Acme" {
		t.Errorf("Name = %q, want %q", c.Name, "Acme")
	}
	if c.Source != SourceTheirStack {
		t.Errorf("Source = %q, want %q", c.Source, SourceTheirStack)
	}
	if !c.Valid() {
		t.Error("expected record to be valid")
	}
}

func TestNew_EmptyDomainInvalid(t *testing.T) {
	t.Parallel()

	c := New("Acme", " https:// ", SourceTheirStack, nil)
	if c.Valid() {
		t.Errorf("expected record with domain %q to be invalid", c.Domain)
	}
}

func TestDiscoveredDate(t *testing.T) {
	t.Parallel()

	c := New("Acme", "acme.com", SourceTheirStack, nil)
	if got := c.DiscoveredDate(); got != "" {
		t.Errorf("DiscoveredDate() = %q, want empty", got)
	}

	ts := time.Date(2026, 9, 14, 22, 30, 0, 0, time.UTC)
	c = New("Acme", "acme.com", SourceTheirStack, &ts)
	if got := c.DiscoveredDate(); got != "2026-09-14" {
		t.Errorf("DiscoveredDate() = %q, want %q", got, "2026-09-14")
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		wantOK bool
		want   string
	}{
		{"2026-10-01", true, "2026-10-01"},
		{"2026-10-01T08:15:00Z", true, "2026-10-01"},
		{"2026-10-01T08:15:00", true, "2026-10-01"},
		{"", false, ""},
		{"yesterday", false, ""},
	}
	for _, tt := range tests {
		got := ParseDate(tt.in)
		if (got != nil) != tt.wantOK {
			t.Errorf("ParseDate(%q) ok = %v, want %v", tt.in, got != nil, tt.wantOK)
			continue
		}
		if got != nil && got.Format(DateLayout) != tt.want {
			t.Errorf("ParseDate(%q) = %s, want %s", tt.in, got.Format(DateLayout), tt.want)
		}
	}
}
