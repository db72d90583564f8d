package apollo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/upstream"
)

func companies(n int) []company.Company {
	out := make([]company.Company, n)
	for i := range out {
		out[i] = company.New(fmt.Sprintf("Co %d", i), fmt.Sprintf("co%d.com", i), company.SourceTheirStack, nil)
	}
	return out
}

// fakeApollo reports every even-indexed account in a batch as new and every odd one as existing.
type fakeApollo struct {
	mu      sync.Mutex
	batches []bulkCreateRequest
	keys    []string
	failOn  int // 1-based call number that fails, 0 = never
}

func (f *fakeApollo) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/bulk_create" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req bulkCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}

		f.mu.Lock()
		f.batches = append(f.batches, req)
		f.keys = append(f.keys, r.Header.Get("X-Api-Key"))
		call := len(f.batches)
		f.mu.Unlock()

		if call == f.failOn {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = fmt.Fprint(w, `{"error":"invalid list"}`)
			return
		}

		resp := map[string][]map[string]string{
			"new_accounts":      {},
			"existing_accounts": {},
		}
		for i, a := range req.Accounts {
			key := "existing_accounts"
			if i%2 == 0 {
				key = "new_accounts"
			}
			resp[key] = append(resp[key], map[string]string{"domain": a.Domain})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newTestClient(t *testing.T, f *fakeApollo) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(srv.URL, "ap-key", "list-42", log.Nop())
}

func TestBatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n     int
		size  int
		sizes []int
	}{
		{250, 100, []int{100, 100, 50}},
		{100, 100, []int{100}},
		{101, 100, []int{100, 1}},
		{0, 100, nil},
		{3, 0, []int{3}},
	}
	for _, tt := range tests {
		got := Batches(companies(tt.n), tt.size)
		if len(got) != len(tt.sizes) {
			t.Errorf("Batches(%d, %d) = %d batches, want %d", tt.n, tt.size, len(got), len(tt.sizes))
			continue
		}
		for i, b := range got {
			if len(b) != tt.sizes[i] {
				t.Errorf("Batches(%d, %d)[%d] size = %d, want %d", tt.n, tt.size, i, len(b), tt.sizes[i])
			}
		}
	}
}

func TestBulkCreate_BatchesAndAggregates(t *testing.T) {
	t.Parallel()

	f := &fakeApollo{}
	c := newTestClient(t, f)

	created, existing, err := c.BulkCreate(context.Background(), companies(250))
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}

	if len(f.batches) != 3 {
		t.Fatalf("calls = %d, want 3", len(f.batches))
	}
	for i, want := range []int{100, 100, 50} {
		if got := len(f.batches[i].Accounts); got != want {
			t.Errorf("batch %d size = %d, want %d", i, got, want)
		}
	}
	if created != 125 || existing != 125 {
		t.Errorf("created=%d existing=%d, want 125/125", created, existing)
	}
	if created+existing != 250 {
		t.Errorf("created+existing = %d, want 250", created+existing)
	}
}

func TestBulkCreate_Payload(t *testing.T) {
	t.Parallel()

	f := &fakeApollo{}
	c := newTestClient(t, f)

	in := []company.Company{company.New("Acme", "HTTPS://Acme.com/", company.SourceTheirStack, nil)}
	if _, _, err := c.BulkCreate(context.Background(), in); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}

	if f.keys[0] != "ap-key" {
		t.Errorf("X-Api-Key = %q, want ap-key", f.keys[0])
	}
	a := f.batches[0].Accounts[0]
	if a.Name != "Acme" || a.Domain != "acme.com" {
		t.Errorf("account = %+v", a)
	}
	if len(a.AccountListIDs) != 1 || a.AccountListIDs[0] != "list-42" {
		t.Errorf("account_list_ids = %v, want [list-42]", a.AccountListIDs)
	}
}

func TestBulkCreate_FailureStopsRemainingBatches(t *testing.T) {
	t.Parallel()

	f := &fakeApollo{failOn: 2}
	c := newTestClient(t, f)

	created, existing, err := c.BulkCreate(context.Background(), companies(250))
	if err == nil {
		t.Fatal("expected error")
	}

	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *upstream.Error", err)
	}
	if ue.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want 422", ue.StatusCode)
	}
	if len(f.batches) != 2 {
		t.Errorf("calls = %d, want 2 (third batch must not be sent)", len(f.batches))
	}
	if created != 50 || existing != 50 {
		t.Errorf("counts from committed batch = %d/%d, want 50/50", created, existing)
	}
}

func TestBulkCreate_Empty(t *testing.T) {
	t.Parallel()

	f := &fakeApollo{}
	c := newTestClient(t, f)

	created, existing, err := c.BulkCreate(context.Background(), nil)
	if err != nil || created != 0 || existing != 0 {
		t.Errorf("BulkCreate(nil) = %d, %d, %v", created, existing, err)
	}
	if len(f.batches) != 0 {
		t.Errorf("calls = %d, want 0", len(f.batches))
	}
}
