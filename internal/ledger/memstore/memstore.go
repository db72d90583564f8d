// Package memstore provides an in-memory implementation of ledger.Store.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/ledger"
)

// Store keeps ledger rows in memory, header row included. Nothing survives
// the process, so it only suits dev runs and tests.
type Store struct {
	mu   sync.RWMutex
	rows [][]string
}

// New initializes an empty Store. Any seed domains are recorded as existing rows.
func New(seed ...string) *Store {
	s := &Store{}
	for _, d := range seed {
		s.appendLocked([]company.Company{company.New(d, d, "seed", nil)})
	}
	return s
}

// Domains returns the normalized domains recorded so far.
func (s *Store) Domains(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledger.DomainsFromRows(s.rows), nil
}

// Append writes the header on first use, then the companies in order.
func (s *Store) Append(_ context.Context, companies []company.Company) (int, error) {
	if len(companies) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(companies)
	return len(companies), nil
}

// Rows returns a copy of all rows, header first.
func (s *Store) Rows() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = slices.Clone(r)
	}
	return out
}

func (s *Store) appendLocked(companies []company.Company) {
	if len(s.rows) == 0 {
		s.rows = append(s.rows, slices.Clone(ledger.Header))
	}
	for _, c := range companies {
		s.rows = append(s.rows, ledger.Row(c))
	}
}
