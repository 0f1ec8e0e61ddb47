// Package db is the relational store behind the pipeline: pgx repositories
// for the signals, strategy_decisions, risk_assessments, orders, trades and
// positions tables, plus the migration runner. One DB value implements every
// store interface the workers consume.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates a connection pool from a pgx connection string (URL or
// keyword/value form) and verifies connectivity. poolSize caps concurrent
// connections; zero or negative uses 10.
func New(ctx context.Context, connString string, poolSize int, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database connection string: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 10
	}
	cfg.MaxConns = int32(poolSize)
	cfg.MinConns = 2
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{pool: pool, log: log.With().Str("component", "db").Logger()}
	d.log.Info().Int("pool_size", poolSize).Msg("Database connection pool ready")
	return d, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		db.log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health checks database connectivity.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// uniqueViolation is the PostgreSQL error code raised by constraint and
// unique-index collisions.
const uniqueViolation = "23505"

// nullDecimal maps the zero value to SQL NULL. Price levels and hints use
// zero as "unset" throughout the pipeline.
func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: !d.IsZero()}
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// metadataJSON renders a metadata map for a jsonb parameter. Empty maps
// store NULL rather than '{}'.
func metadataJSON(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
