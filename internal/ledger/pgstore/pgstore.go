// Package pgstore provides a PostgreSQL implementation of ledger.Store.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/leadsync/internal/ledger/pgstore")

//go:embed schema.sql
var schema string

const insertCompany = `INSERT INTO ledger_companies (company_name, domain, source, tech_added_date)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (domain) DO NOTHING`

// Store keeps the ledger in a single append-only table with a unique domain.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	s, err := NewWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool applies the schema on an existing pool. The caller keeps
// ownership of the pool unless it calls Close on the returned Store.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(postgres.WithOperation(ctx, "ledger.schema"), schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Domains returns every domain in the ledger.
func (s *Store) Domains(ctx context.Context) (map[string]struct{}, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Domains", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(postgres.WithOperation(ctx, "ledger.domains"), `SELECT domain FROM ledger_companies`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		if d = company.NormalizeDomain(d); d != "" {
			out[d] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate domains: %w", err)
	}

	span.SetAttributes(attribute.Int("leadsync.ledger.domains", len(out)))
	return out, nil
}

// Append inserts all companies in one transaction. Domains already present
// are skipped by the unique constraint, so the returned count can be lower
// than len(companies).
func (s *Store) Append(ctx context.Context, companies []company.Company) (int, error) {
	if len(companies) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.Int("leadsync.ledger.rows", len(companies)),
	))
	defer span.End()

	ctx = postgres.WithOperation(ctx, "ledger.append")

	n, err := s.appendTx(ctx, companies)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.Int("leadsync.ledger.inserted", n))
	return n, nil
}

func (s *Store) appendTx(ctx context.Context, companies []company.Company) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	for _, c := range companies {
		batch.Queue(insertCompany, c.Name, c.Domain, string(c.Source), c.DiscoveredAt)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := range companies {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert %s (row %d): %w", companies[i].Domain, i, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}
