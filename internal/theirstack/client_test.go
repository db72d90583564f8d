package theirstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/leadsync/internal/upstream"
)

// fakeSearch serves pages produced by pageFn and records each decoded request.
type fakeSearch struct {
	mu       sync.Mutex
	requests []searchRequest
	headers  []http.Header
	pageFn   func(page int) (status int, results []companyResult)
}

func (f *fakeSearch) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/companies/search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.headers = append(f.headers, r.Header.Clone())
		f.mu.Unlock()

		status, results := f.pageFn(req.Page)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = fmt.Fprint(w, `{"error":"quota exceeded"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(searchResponse{Data: results})
	}
}

func newTestClient(t *testing.T, f *fakeSearch) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(srv.URL, "ts-key", 0, log.Nop())
}

func fullPage(page int) []companyResult {
	out := make([]companyResult, PageSize)
	for i := range out {
		n := page*PageSize + i
		out[i] = companyResult{
			Name:   fmt.Sprintf("Company %d", n),
			Domain: fmt.Sprintf("company%d.com", n),
			Technologies: []technologyResult{
				{Slug: "apollo-io", FirstDateFound: "2026-10-01"},
			},
		}
	}
	return out
}

func TestSearch_StopsAtLimitWithEndlessFullPages(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(page int) (int, []companyResult) {
		return http.StatusOK, fullPage(page)
	}}
	c := newTestClient(t, f)

	got, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 60})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 60 {
		t.Fatalf("len = %d, want 60", len(got))
	}
	if len(f.requests) != 3 {
		t.Errorf("requests = %d, want 3", len(f.requests))
	}
	if got[0].Domain != "company0.com" || got[59].Domain != "company59.com" {
		t.Errorf("order not preserved: first=%q last=%q", got[0].Domain, got[59].Domain)
	}
	for i, req := range f.requests {
		if req.Page != i {
			t.Errorf("request %d page = %d, want %d", i, req.Page, i)
		}
		if req.Limit != PageSize {
			t.Errorf("request %d limit = %d, want %d", i, req.Limit, PageSize)
		}
	}
}

func TestSearch_ExactMultipleOfPageSize(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(page int) (int, []companyResult) {
		return http.StatusOK, fullPage(page)
	}}
	c := newTestClient(t, f)

	got, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 50})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 50 {
		t.Errorf("len = %d, want 50", len(got))
	}
	if len(f.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(f.requests))
	}
}

func TestSearch_StopsOnShortPage(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(page int) (int, []companyResult) {
		if page == 1 {
			return http.StatusOK, fullPage(page)[:7]
		}
		return http.StatusOK, fullPage(page)
	}}
	c := newTestClient(t, f)

	got, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 200})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != PageSize+7 {
		t.Errorf("len = %d, want %d", len(got), PageSize+7)
	}
	if len(f.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(f.requests))
	}
}

func TestSearch_EmptyFirstPage(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(int) (int, []companyResult) {
		return http.StatusOK, nil
	}}
	c := newTestClient(t, f)

	got, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 200})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
	if len(f.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(f.requests))
	}
}

func TestSearch_RequestShape(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(int) (int, []companyResult) {
		return http.StatusOK, nil
	}}
	c := newTestClient(t, f)

	since := time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)
	if _, err := c.Search(context.Background(), Query{Technology: "apollo-io", Since: &since, Limit: 10}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	req := f.requests[0]
	if len(req.TechnologySlugOr) != 1 || req.TechnologySlugOr[0] != "apollo-io" {
		t.Errorf("company_technology_slug_or = %v", req.TechnologySlugOr)
	}
	if len(req.ExpandTechnologySlugs) != 1 || req.ExpandTechnologySlugs[0] != "apollo-io" {
		t.Errorf("expand_technology_slugs = %v", req.ExpandTechnologySlugs)
	}
	if req.TechFilters == nil || req.TechFilters.FirstDateFoundGTE != "2026-09-18" {
		t.Errorf("tech_filters = %+v, want first_date_found_gte 2026-09-18", req.TechFilters)
	}
	if len(req.OrderBy) != 1 || !req.OrderBy[0].Desc || req.OrderBy[0].Field != "first_date_found" {
		t.Errorf("order_by = %+v", req.OrderBy)
	}
	if got := f.headers[0].Get("Authorization"); got != "Bearer ts-key" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer ts-key")
	}
}

func TestSearch_NoCutoffOmitsTechFilters(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(int) (int, []companyResult) {
		return http.StatusOK, nil
	}}
	c := newTestClient(t, f)

	if _, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 10}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if f.requests[0].TechFilters != nil {
		t.Errorf("tech_filters = %+v, want omitted", f.requests[0].TechFilters)
	}
}

func TestSearch_MapsAndDropsRecords(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(int) (int, []companyResult) {
		return http.StatusOK, []companyResult{
			{Name: "Acme", Domain: "HTTPS://Acme.com/", Technologies: []technologyResult{
				{Slug: "hubspot", FirstDateFound: "2020-01-01"},
				{Slug: "apollo-io", FirstDateFound: "2026-10-02"},
			}},
			{Name: "", Domain: "noname.com"},
			{Name: "No Domain", Domain: ""},
			{Name: "   ", Domain: "blank.com"},
			{Name: "Slash Only", Domain: " https:// / "},
			{Name: "Spaces", Domain: "   "},
			{Name: "Undated", Domain: "undated.io"},
		}
	}}
	c := newTestClient(t, f)

	got, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Domain != "acme.com" {
		t.Errorf("Domain = %q, want acme.com", got[0].Domain)
	}
	if got[0].DiscoveredDate() != "2026-10-02" {
		t.Errorf("DiscoveredDate = %q, want 2026-10-02", got[0].DiscoveredDate())
	}
	if got[1].DiscoveredAt != nil {
		t.Errorf("DiscoveredAt = %v, want nil", got[1].DiscoveredAt)
	}
	if got[1].Domain != "undated.io" {
		t.Errorf("Domain = %q, want undated.io", got[1].Domain)
	}
	if got[1].Source != "theirstack" {
		t.Errorf("Source = %q, want theirstack", got[1].Source)
	}
}

func TestSearch_ErrorDiscardsPartialResults(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(page int) (int, []companyResult) {
		if page == 2 {
			return http.StatusPaymentRequired, nil
		}
		return http.StatusOK, fullPage(page)
	}}
	c := newTestClient(t, f)

	got, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 200})
	if err == nil {
		t.Fatal("expected error")
	}
	if got != nil {
		t.Errorf("got %d records, want nil on failure", len(got))
	}

	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *upstream.Error", err)
	}
	if ue.StatusCode != http.StatusPaymentRequired {
		t.Errorf("StatusCode = %d, want 402", ue.StatusCode)
	}
	if ue.Body != `{"error":"quota exceeded"}` {
		t.Errorf("Body = %q", ue.Body)
	}
}

func TestSearch_ZeroLimit(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(int) (int, []companyResult) {
		t.Error("no request expected")
		return http.StatusOK, nil
	}}
	c := newTestClient(t, f)

	got, err := c.Search(context.Background(), Query{Technology: "apollo-io", Limit: 0})
	if err != nil || len(got) != 0 {
		t.Errorf("Search = %v, %v; want empty, nil", got, err)
	}
}

func TestSearch_CanceledContext(t *testing.T) {
	t.Parallel()

	f := &fakeSearch{pageFn: func(page int) (int, []companyResult) {
		return http.StatusOK, fullPage(page)
	}}
	c := newTestClient(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Search(ctx, Query{Technology: "apollo-io", Limit: 10}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
