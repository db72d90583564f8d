// Package apollo creates accounts in Apollo and attaches them to an account list.
package apollo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/upstream"
)

const (
	// MaxBatch is the most accounts the bulk create endpoint accepts per call.
	MaxBatch = 100

	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.apollo.io/api/v1"

	httpTimeout = 60 * time.Second

	service = "apollo"
)

var tracer = otel.Tracer("github.com/linnemanlabs/leadsync/internal/apollo")

// Client calls the Apollo accounts API.
type Client struct {
	baseURL    string
	apiKey     string
	listID     string
	httpClient *http.Client
	logger     log.Logger
}

// New creates a client that adds every created account to listID.
func New(baseURL, apiKey, listID string, logger log.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		listID:     listID,
		httpClient: upstream.NewHTTPClient(httpTimeout),
		logger:     logger,
	}
}

type account struct {
	Name           string   `json:"name"`
	Domain         string   `json:"domain"`
	AccountListIDs []string `json:"account_list_ids"`
}

type bulkCreateRequest struct {
	Accounts []account `json:"accounts"`
}

// Apollo dedups server-side and reports which accounts were new and which it already had.
type bulkCreateResponse struct {
	NewAccounts      []json.RawMessage `json:"new_accounts"`
	ExistingAccounts []json.RawMessage `json:"existing_accounts"`
}

// BulkCreate submits companies in batches of MaxBatch and sums the created and
// existing counts reported for each batch. The first failing batch stops the
// loop; batches already accepted stay accepted and their counts are returned
// with the error.
func (c *Client) BulkCreate(ctx context.Context, companies []company.Company) (created, existing int, err error) {
	if len(companies) == 0 {
		return 0, 0, nil
	}

	ctx, span := tracer.Start(ctx, "apollo.BulkCreate", trace.WithAttributes(
		attribute.Int("leadsync.accounts", len(companies)),
	))
	defer span.End()

	hdr := http.Header{}
	hdr.Set("X-Api-Key", c.apiKey)
	hdr.Set("Cache-Control", "no-cache")
	url := c.baseURL + "/accounts/bulk_create"

	batches := Batches(companies, MaxBatch)
	for i, batch := range batches {
		req := bulkCreateRequest{Accounts: make([]account, 0, len(batch))}
		for _, co := range batch {
			req.Accounts = append(req.Accounts, account{
				Name:           co.Name,
				Domain:         co.Domain,
				AccountListIDs: []string{c.listID},
			})
		}

		var resp bulkCreateResponse
		if err := upstream.PostJSON(ctx, c.httpClient, service, url, hdr, req, &resp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return created, existing, fmt.Errorf("bulk create batch %d/%d: %w", i+1, len(batches), err)
		}

		created += len(resp.NewAccounts)
		existing += len(resp.ExistingAccounts)

		c.logger.Info(ctx, "apollo batch submitted",
			"batch", i+1,
			"batches", len(batches),
			"size", len(batch),
			"created", len(resp.NewAccounts),
			"existing", len(resp.ExistingAccounts),
		)
	}

	span.SetAttributes(
		attribute.Int("leadsync.created", created),
		attribute.Int("leadsync.existing", existing),
	)
	return created, existing, nil
}

// Batches splits companies into consecutive slices of at most size elements.
// The slices share the backing array of companies.
func Batches(companies []company.Company, size int) [][]company.Company {
	if size <= 0 {
		size = MaxBatch
	}
	out := make([][]company.Company, 0, (len(companies)+size-1)/size)
	for start := 0; start < len(companies); start += size {
		end := min(start+size, len(companies))
		out = append(out, companies[start:end])
	}
	return out
}
