// Package ledger defines the durable record of companies already synced. The
// ledger is append-only: rows are never rewritten or deleted, and its domain
// column is the source of truth for dedup across runs.
package ledger

import (
	"context"

	"github.com/linnemanlabs/leadsync/internal/company"
)

// Store is the persistence interface for synced companies.
type Store interface {
	// Domains returns the normalized domain of every row already recorded.
	Domains(ctx context.Context) (map[string]struct{}, error)
	// Append ensures the header or schema exists, then writes all companies
	// in one bulk operation, preserving order. It returns the rows written.
	Append(ctx context.Context, companies []company.Company) (int, error)
}

// Header is the column layout of row-oriented ledgers.
var Header = []string{"Company Name", "Domain", "Source", "Tech Added Date"}

// DomainColumn is the index of the domain in Header.
const DomainColumn = 1

// Row renders a company in Header order.
func Row(c company.Company) []string {
	return []string{c.Name, c.Domain, string(c.Source), c.DiscoveredDate()}
}

// DomainsFromRows extracts normalized domains from rows laid out as Header,
// skipping the header row and rows without a domain.
func DomainsFromRows(rows [][]string) map[string]struct{} {
	out := make(map[string]struct{})
	for i, row := range rows {
		if i == 0 || len(row) <= DomainColumn {
			continue
		}
		if d := company.NormalizeDomain(row[DomainColumn]); d != "" {
			out[d] = struct{}{}
		}
	}
	return out
}
