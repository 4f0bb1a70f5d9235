package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Connect opens a pgx pool and ensures the credential schema exists.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info().Msg("Connected to durable credential store")

	return pool, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS instance_credentials (
			instance_id   TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			provider      TEXT NOT NULL,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at    TIMESTAMPTZ,
			oauth_status  TEXT NOT NULL DEFAULT 'pending',
			completed_at  TIMESTAMPTZ,
			last_used_at  TIMESTAMPTZ,
			version       BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS credential_audit_log (
			id          TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			operation   TEXT NOT NULL,
			status      TEXT NOT NULL,
			error_type  TEXT NOT NULL DEFAULT '',
			method      TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_instance_time
			ON credential_audit_log (instance_id, occurred_at)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
