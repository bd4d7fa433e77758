// Package db persists recognition records to Postgres. The archive is
// optional: the service runs fully without it and a failed save never fails
// the request that produced it.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearscan/ocr-service/internal/config"
)

// Record is one completed recognition. Image bytes are never stored, only
// their size and, when the upload archive is enabled, the object key.
type Record struct {
	RequestID  string
	Languages  string
	ImageBytes int64
	DurationMS int64
	Text       string
	Confidence float64
	ObjectKey  string
	CreatedAt  time.Time
}

// Archive wraps the Postgres connection pool.
type Archive struct {
	pool *pgxpool.Pool
}

// Connect opens the connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Archive, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no database configuration")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// EnsureSchema creates the recognitions table if it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS recognitions (
			request_id  UUID PRIMARY KEY,
			languages   TEXT NOT NULL,
			image_bytes BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			text        TEXT NOT NULL,
			confidence  DOUBLE PRECISION NOT NULL,
			object_key  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// SaveRecord inserts one recognition record.
func (a *Archive) SaveRecord(ctx context.Context, rec *Record) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO recognitions (request_id, languages, image_bytes, duration_ms, text, confidence, object_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.RequestID, rec.Languages, rec.ImageBytes, rec.DurationMS, rec.Text, rec.Confidence, rec.ObjectKey,
	)
	if err != nil {
		return fmt.Errorf("failed to save recognition record: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable, for the health probe.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close closes the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}
