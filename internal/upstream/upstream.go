// Package upstream holds the HTTP plumbing shared by the third-party API
// clients: traced clients with fixed timeouts, JSON POST helpers and the
// error returned for non-success responses.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// maxErrorBody caps how much of a failed response body is kept on Error.
	maxErrorBody = 1024

	// maxResponseBody caps how much of a successful response body is read.
	maxResponseBody = 16 << 20
)

// Error is returned when an upstream API answers with a non-success status.
type Error struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Service, e.StatusCode, e.Body)
}

// NewHTTPClient returns a client with a fixed overall timeout whose transport
// emits client spans. There are no retries; a timeout fails the call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// PostJSON marshals in, posts it to url and decodes a 2xx response into out
// (skipped when out is nil). Any other status yields *Error carrying a
// truncated copy of the body.
func PostJSON(ctx context.Context, client *http.Client, service, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", service, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req) //nolint:gosec // G704: url is built from trusted config
	if err != nil {
		return fmt.Errorf("%s: send request: %w", service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Service: service, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		return nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", service, err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", service, err)
	}
	return nil
}
