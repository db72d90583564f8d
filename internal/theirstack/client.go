// Package theirstack searches TheirStack for companies that recently started
// using a technology.
package theirstack

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/upstream"
)

const (
	// PageSize is the largest page the company search endpoint returns.
	PageSize = 25

	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.theirstack.com/v1"

	httpTimeout = 30 * time.Second

	// maxPages stops a search whose pages keep coming back full of records
	// that are all dropped for missing name or domain.
	maxPages = 1000

	service = "theirstack"
)

var tracer = otel.Tracer("github.com/linnemanlabs/leadsync/internal/theirstack")

// Query selects companies by technology and detection date.
type Query struct {
	// Technology is the TheirStack technology slug, e.g. "apollo-io".
	Technology string
	// Since, when set, keeps only companies where the technology was first found on or after this date.
	Since *time.Time
	// Limit is the maximum number of companies returned.
	Limit int
}

// Client talks to the TheirStack company search API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     log.Logger
}

// New creates a client. rps bounds page requests per second, 0 or less disables the limit.
func New(baseURL, apiKey string, rps float64, logger log.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = log.Nop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: upstream.NewHTTPClient(httpTimeout),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

type searchRequest struct {
	TechnologySlugOr      []string      `json:"company_technology_slug_or"`
	ExpandTechnologySlugs []string      `json:"expand_technology_slugs"`
	TechFilters           *techFilters  `json:"tech_filters,omitempty"`
	OrderBy               []orderByItem `json:"order_by"`
	Limit                 int           `json:"limit"`
	Page                  int           `json:"page"`
}

type techFilters struct {
	FirstDateFoundGTE string `json:"first_date_found_gte"`
}

type orderByItem struct {
	Desc  bool   `json:"desc"`
	Field string `json:"field"`
}

type searchResponse struct {
	Data []companyResult `json:"data"`
}

type companyResult struct {
	Name         string             `json:"name"`
	Domain       string             `json:"domain"`
	Technologies []technologyResult `json:"technologies"`
}

type technologyResult struct {
	Slug           string `json:"slug"`
	FirstDateFound string `json:"first_date_found"`
}

// Search pages through the company search, newest detection first, until a
// short page comes back or q.Limit companies are collected. Any failed page
// fails the whole search and nothing collected so far is returned.
func (c *Client) Search(ctx context.Context, q Query) ([]company.Company, error) {
	ctx, span := tracer.Start(ctx, "theirstack.Search", trace.WithAttributes(
		attribute.String("leadsync.technology", q.Technology),
		attribute.Int("leadsync.limit", q.Limit),
	))
	defer span.End()

	if q.Limit <= 0 {
		return nil, nil
	}

	L := c.logger.With("technology", q.Technology)

	req := searchRequest{
		TechnologySlugOr:      []string{q.Technology},
		ExpandTechnologySlugs: []string{q.Technology},
		OrderBy:               []orderByItem{{Desc: true, Field: "first_date_found"}},
		Limit:                 PageSize,
	}
	if q.Since != nil {
		req.TechFilters = &techFilters{FirstDateFoundGTE: q.Since.Format(company.DateLayout)}
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.apiKey)

	var out []company.Company
	pages := 0
	for page := 0; len(out) < q.Limit && page < maxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("theirstack: rate limit wait: %w", err)
		}

		req.Page = page
		var resp searchResponse
		if err := upstream.PostJSON(ctx, c.httpClient, service, c.baseURL+"/companies/search", hdr, req, &resp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("search page %d: %w", page, err)
		}
		pages++

		for i := range resp.Data {
			if rec, ok := toCompany(&resp.Data[i], q.Technology); ok {
				out = append(out, rec)
			}
		}

		L.Info(ctx, "theirstack page fetched",
			"page", page,
			"page_results", len(resp.Data),
			"total", len(out),
		)

		if len(resp.Data) < PageSize {
			break
		}
	}

	if len(out) > q.Limit {
		out = out[:q.Limit]
	}

	span.SetAttributes(
		attribute.Int("leadsync.pages", pages),
		attribute.Int("leadsync.results", len(out)),
	)
	return out, nil
}

// toCompany maps a search hit to a Company, dropping hits whose name or
// domain is empty once trimmed and normalized.
func toCompany(r *companyResult, technology string) (company.Company, bool) {
	var found *time.Time
	for _, t := range r.Technologies {
		if t.Slug == technology {
			found = company.ParseDate(t.FirstDateFound)
			break
		}
	}

	c := company.New(r.Name, r.Domain, company.SourceTheirStack, found)
	if c.Name == "" || !c.Valid() {
		return company.Company{}, false
	}
	return c, true
}
