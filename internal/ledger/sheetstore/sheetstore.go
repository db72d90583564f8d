// Package sheetstore keeps the ledger in a Google Sheet, one row per company
// laid out as ledger.Header.
package sheetstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/ledger"
	"github.com/linnemanlabs/leadsync/internal/upstream"
)

var tracer = otel.Tracer("github.com/linnemanlabs/leadsync/internal/ledger/sheetstore")

const (
	// DefaultSheetName is the tab used when none is configured.
	DefaultSheetName = "Sheet1"

	timeout = 60 * time.Second
)

// Options selects the spreadsheet and the service account used to reach it.
type Options struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON []byte
}

// Store is a ledger.Store backed by the Sheets values API.
type Store struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

// New authenticates with the service account in opts and returns a Store.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.SpreadsheetID == "" {
		return nil, errors.New("sheetstore: spreadsheet id is required")
	}
	if len(opts.CredentialsJSON) == 0 {
		return nil, errors.New("sheetstore: service account credentials are required")
	}

	// Token exchange and API calls share one traced client.
	base := upstream.NewHTTPClient(timeout)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	creds, err := google.CredentialsFromJSON(ctx, opts.CredentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("sheetstore: parse service account: %w", err)
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = timeout

	svc, err := sheets.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("sheetstore: create sheets service: %w", err)
	}
	return NewWithService(svc, opts.SpreadsheetID, opts.SheetName), nil
}

// NewWithService wraps an already configured Sheets service.
func NewWithService(svc *sheets.Service, spreadsheetID, sheetName string) *Store {
	if sheetName == "" {
		sheetName = DefaultSheetName
	}
	return &Store{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}
}

// dataRange covers the ledger columns of the configured tab. Quotes in the
// tab name are doubled per A1 notation.
func (s *Store) dataRange() string {
	name := strings.ReplaceAll(s.sheetName, "'", "''")
	return fmt.Sprintf("'%s'!A:D", name)
}

// Domains reads every row of the tab and returns its normalized domains.
func (s *Store) Domains(ctx context.Context) (map[string]struct{}, error) {
	ctx, span := tracer.Start(ctx, "sheetstore.Domains", trace.WithAttributes(
		attribute.String("leadsync.sheet.name", s.sheetName),
	))
	defer span.End()

	rows, err := s.rows(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := ledger.DomainsFromRows(rows)
	span.SetAttributes(attribute.Int("leadsync.ledger.domains", len(out)))
	return out, nil
}

// Append writes companies below the last row. When the tab is empty the
// header goes out in the same request, ahead of the data.
func (s *Store) Append(ctx context.Context, companies []company.Company) (int, error) {
	if len(companies) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "sheetstore.Append", trace.WithAttributes(
		attribute.String("leadsync.sheet.name", s.sheetName),
		attribute.Int("leadsync.ledger.rows", len(companies)),
	))
	defer span.End()

	n, err := s.append(ctx, companies)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return n, nil
}

func (s *Store) append(ctx context.Context, companies []company.Company) (int, error) {
	existing, err := s.rows(ctx)
	if err != nil {
		return 0, err
	}

	values := make([][]any, 0, len(companies)+1)
	withHeader := len(existing) == 0
	if withHeader {
		values = append(values, toCells(ledger.Header))
	}
	for _, c := range companies {
		values = append(values, toCells(ledger.Row(c)))
	}

	resp, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, s.dataRange(), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, fmt.Errorf("sheetstore: append rows: %w", err)
	}

	written := len(companies)
	if resp.Updates != nil && resp.Updates.UpdatedRows > 0 {
		written = int(resp.Updates.UpdatedRows)
		if withHeader {
			written--
		}
	}
	return written, nil
}

func (s *Store) rows(ctx context.Context) ([][]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.dataRange()).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheetstore: read rows: %w", err)
	}

	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		out[i] = cells
	}
	return out, nil
}

func toCells(row []string) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}
