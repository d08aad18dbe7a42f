package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on every start. Statements must stay idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at    TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		account_id   UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		name         TEXT NOT NULL UNIQUE,
		secret_hash  TEXT NOT NULL,
		last_seen_at TIMESTAMPTZ,
		revoked_at   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ,
		deleted_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS devices_account_id_idx ON devices (account_id)`,
	`CREATE TABLE IF NOT EXISTS shadows (
		id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		device_name TEXT NOT NULL UNIQUE,
		desired     JSONB NOT NULL DEFAULT '{}'::jsonb,
		reported    JSONB NOT NULL DEFAULT '{}'::jsonb,
		version     BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ,
		deleted_at  TIMESTAMPTZ
	)`,
	`ALTER TABLE shadows ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ`,
	`CREATE TABLE IF NOT EXISTS shadow_events (
		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		device_name  TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		version      BIGINT NOT NULL,
		client_token TEXT NOT NULL DEFAULT '',
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS shadow_events_device_idx ON shadow_events (device_name, created_at DESC)`,
}

// Migrate creates the tables the repositories need.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
