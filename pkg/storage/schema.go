package storage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// controlPlaneDDL is the full control-plane table set. Every statement is
// idempotent; Migrate can run on every start.
var controlPlaneDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS %[1]s`,
	`CREATE TABLE IF NOT EXISTS %[1]s.tenants (
		id                uuid PRIMARY KEY,
		bot_token         text NOT NULL,
		owner_contact_id  bigint NOT NULL,
		display_name      text NOT NULL DEFAULT '',
		cache_partition   integer NOT NULL,
		container_id      text NOT NULL,
		schema_name       text NOT NULL,
		state             text NOT NULL,
		plan              text NOT NULL,
		started_at        timestamptz NOT NULL,
		expires_at        timestamptz NOT NULL,
		container_running boolean NOT NULL DEFAULT false,
		created_at        timestamptz NOT NULL DEFAULT now(),
		updated_at        timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT tenants_bot_token_key UNIQUE (bot_token),
		CONSTRAINT tenants_cache_partition_key UNIQUE (cache_partition)
	)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.payments (
		id           bigserial PRIMARY KEY,
		tenant_id    uuid NOT NULL,
		amount_minor bigint NOT NULL,
		currency     text NOT NULL DEFAULT 'RUB',
		method       text NOT NULL DEFAULT '',
		status       text NOT NULL DEFAULT 'confirmed',
		external_ref text NOT NULL DEFAULT '',
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS payments_tenant_idx ON %[1]s.payments (tenant_id, created_at)`,
	// audit_log has no FK to tenants: audit rows outlive deleted tenants.
	`CREATE TABLE IF NOT EXISTS %[1]s.audit_log (
		id         bigserial PRIMARY KEY,
		tenant_id  uuid NOT NULL,
		kind       text NOT NULL,
		payload    jsonb,
		actor      text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_tenant_idx ON %[1]s.audit_log (tenant_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS tenants_state_expiry_idx ON %[1]s.tenants (state, expires_at)`,
}

// Migrate creates or upgrades the control-plane schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if schema == "" {
		schema = "master_bot"
	}
	if !identRe.MatchString(schema) {
		return fmt.Errorf("invalid control schema name %q", schema)
	}
	for _, stmt := range controlPlaneDDL {
		if _, err := pool.Exec(ctx, fmt.Sprintf(stmt, schema)); err != nil {
			return fmt.Errorf("migrate control plane schema: %w", err)
		}
	}
	return nil
}

// ControlPlaneDDL exposes the statement list for the migrate tool's
// dry-run output.
func ControlPlaneDDL(schema string) []string {
	out := make([]string, len(controlPlaneDDL))
	for i, stmt := range controlPlaneDDL {
		out[i] = fmt.Sprintf(stmt, schema)
	}
	return out
}
