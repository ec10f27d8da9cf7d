package postgres

import (
	"context"
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS number_range_sets (
		operation_type TEXT PRIMARY KEY,
		version        BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS number_ranges (
		id             BIGSERIAL PRIMARY KEY,
		operation_type TEXT NOT NULL,
		location_id    BIGINT NOT NULL,
		start_number   BIGINT NOT NULL CHECK (start_number >= 0),
		block_size     BIGINT NOT NULL CHECK (block_size > 0),
		retired        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		retired_at     TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS number_ranges_active_key
		ON number_ranges (operation_type, location_id) WHERE NOT retired`,
	`CREATE INDEX IF NOT EXISTS number_ranges_start
		ON number_ranges (operation_type, start_number)`,
	`CREATE TABLE IF NOT EXISTS number_cursors (
		operation_type TEXT NOT NULL,
		location_id    BIGINT NOT NULL,
		last_used      BIGINT NOT NULL,
		used_count     BIGINT NOT NULL DEFAULT 0,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (operation_type, location_id)
	)`,
	`CREATE TABLE IF NOT EXISTS number_range_audit (
		id                 UUID PRIMARY KEY,
		action             TEXT NOT NULL,
		operation_type     TEXT NOT NULL,
		subject            TEXT NOT NULL DEFAULT '',
		changes            JSONB,
		changes_compressed BYTEA,
		compression_algo   TEXT NOT NULL DEFAULT 'none',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS number_range_audit_op_created
		ON number_range_audit (operation_type, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS number_idempotency (
		idempotency_key       TEXT PRIMARY KEY,
		subject               TEXT NOT NULL DEFAULT '',
		operation             TEXT NOT NULL,
		request_hash          TEXT NOT NULL,
		status                TEXT NOT NULL,
		response_status       INT NOT NULL DEFAULT 0,
		response_content_type TEXT NOT NULL DEFAULT '',
		response              BYTEA,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS number_idempotency_created
		ON number_idempotency (created_at)`,
}

// Migrate creates the tables used by Store, AuditLog and IdempotencyStore.
func Migrate(ctx context.Context, pool *Pool) error {
	txm := NewTxManager(pool)
	return txm.RunInTransaction(ctx, func(ctx context.Context) error {
		q := txm.GetQuerier(ctx)
		for i, stmt := range schema {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration step %d: %w", i+1, err)
			}
		}
		return nil
	})
}
