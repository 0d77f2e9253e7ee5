// Package pgstore provides a PostgreSQL implementation of state.Store, for
// deployments that already run Postgres and prefer it over the local SQLite
// file.
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

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/threatfeed/internal/state/pgstore")

//go:embed schema.sql
var schema string

// Store persists seen fingerprints and spend records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Has reports whether the fingerprint has been recorded.
func (s *Store) Has(ctx context.Context, fingerprint string) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Has", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM seen_items WHERE fingerprint = $1`, fingerprint).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("query seen_items: %w", err)
	}
	return true, nil
}

// MarkSeen records the fingerprint; repeats are silent no-ops.
func (s *Store) MarkSeen(ctx context.Context, fingerprint string, firstSeen time.Time) error {
	ctx, span := tracer.Start(ctx, "pgstore.MarkSeen", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO seen_items (fingerprint, first_seen_at) VALUES ($1, $2)
         ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, firstSeen.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert seen_items: %w", err)
	}
	return nil
}

// PruneSeenBefore deletes seen records older than cutoff and returns the
// number deleted.
func (s *Store) PruneSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "pgstore.PruneSeenBefore", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM seen_items WHERE first_seen_at < $1`, cutoff.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("delete seen_items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Spend returns the accumulated spend for the period, 0 when absent.
func (s *Store) Spend(ctx context.Context, periodKey string) (float64, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Spend", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var spent float64
	err := s.pool.QueryRow(ctx,
		`SELECT spent_usd FROM spend_records WHERE period_key = $1`, periodKey).Scan(&spent)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("query spend_records: %w", err)
	}
	return spent, nil
}

// AddSpend accumulates amount onto the period's record, creating it lazily.
func (s *Store) AddSpend(ctx context.Context, periodKey string, amount float64) error {
	ctx, span := tracer.Start(ctx, "pgstore.AddSpend", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO spend_records (period_key, spent_usd, updated_at) VALUES ($1, $2, now())
         ON CONFLICT (period_key) DO UPDATE SET
             spent_usd  = spend_records.spent_usd + EXCLUDED.spent_usd,
             updated_at = now()`,
		periodKey, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert spend_records: %w", err)
	}
	return nil
}
