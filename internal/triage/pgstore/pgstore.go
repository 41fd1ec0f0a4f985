// Package pgstore provides a PostgreSQL implementation of triage.Ledger.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sieve/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sieve/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists suppression records in PostgreSQL. Rows are only ever
// inserted; the serial id gives append order.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const suppressionColumns = `template_id, message_template, classification, date_handled, ticket_key, notes`

// Load returns every record in insertion order.
func (s *Store) Load(ctx context.Context) ([]triage.SuppressionRecord, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+suppressionColumns+` FROM suppressions ORDER BY id`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query suppressions: %w", err)
	}
	defer rows.Close()

	var out []triage.SuppressionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate suppressions: %w", err)
	}

	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// Append inserts one record.
func (s *Store) Append(ctx context.Context, r triage.SuppressionRecord) error {
	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	var ticketKey *string
	if r.TicketKey != "" {
		ticketKey = &r.TicketKey
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO suppressions (`+suppressionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.TemplateID, r.MessageTemplate, string(r.Classification), r.DateHandled.UTC(), ticketKey, r.Notes,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert suppression: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (triage.SuppressionRecord, error) {
	var (
		r           triage.SuppressionRecord
		class       string
		dateHandled time.Time
		ticketKey   *string
	)
	if err := row.Scan(&r.TemplateID, &r.MessageTemplate, &class, &dateHandled, &ticketKey, &r.Notes); err != nil {
		return r, fmt.Errorf("%w: scan: %w", triage.ErrCorruptLedger, err)
	}

	r.Classification = triage.Classification(class)
	if !r.Classification.Valid() {
		return r, fmt.Errorf("%w: template %s has unknown classification %q", triage.ErrCorruptLedger, r.TemplateID, class)
	}

	r.DateHandled = dateHandled.UTC()
	if ticketKey != nil {
		r.TicketKey = *ticketKey
	}
	return r, nil
}
