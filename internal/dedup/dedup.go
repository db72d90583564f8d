// Package dedup decides which fetched companies are new. The persisted side of
// the check is a snapshot of the ledger taken once per run; the in-batch side
// catches duplicate domains inside a single fetch.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/leadsync/internal/company"
)

// Set is a set of normalized domains.
type Set map[string]struct{}

// Has reports whether domain is in the set.
func (s Set) Has(domain string) bool {
	_, ok := s[domain]
	return ok
}

// Loader reads the domains already recorded in durable storage.
type Loader interface {
	Domains(ctx context.Context) (map[string]struct{}, error)
}

// Stats counts why candidates were dropped by Filter.
type Stats struct {
	Input     int
	Accepted  int
	NoDomain  int
	Existing  int
	Duplicate int
}

// Filter returns the candidates whose normalized domain is neither in existing
// nor accepted earlier in the same call. Output keeps input order. existing is
// only read.
func Filter(existing Set, candidates []company.Company) ([]company.Company, Stats) {
	st := Stats{Input: len(candidates)}
	seen := make(Set, len(candidates))
	out := make([]company.Company, 0, len(candidates))

	for _, c := range candidates {
		key := company.NormalizeDomain(c.Domain)
		switch {
		case key == "":
			st.NoDomain++
			continue
		case existing.Has(key):
			st.Existing++
			continue
		case seen.Has(key):
			st.Duplicate++
			continue
		}
		seen[key] = struct{}{}
		c.Domain = key
		out = append(out, c)
	}

	st.Accepted = len(out)
	return out, st
}

// State memoizes the persisted domain set for the lifetime of one run.
type State struct {
	loader Loader

	mu     sync.Mutex
	loaded bool
	set    Set
}

// NewState returns a State that loads from loader on first use.
func NewState(loader Loader) *State {
	return &State{loader: loader}
}

// Existing returns the persisted domain set, loading it on the first call.
// A failed load is not cached so the caller sees the error every time.
func (s *State) Existing(ctx context.Context) (Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.set, nil
	}

	m, err := s.loader.Domains(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing domains: %w", err)
	}
	if m == nil {
		m = make(map[string]struct{})
	}
	s.set = Set(m)
	s.loaded = true
	return s.set, nil
}

// FilterNew drops candidates already in the ledger or repeated within candidates.
func (s *State) FilterNew(ctx context.Context, candidates []company.Company) ([]company.Company, Stats, error) {
	existing, err := s.Existing(ctx)
	if err != nil {
		return nil, Stats{}, err
	}
	out, st := Filter(existing, candidates)
	return out, st, nil
}
