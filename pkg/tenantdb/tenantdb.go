package tenantdb

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/log"
)

// identRe matches the schema names this package will touch. Everything
// else is rejected before it reaches an SQL string.
var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Materializer creates and drops per-tenant database schemas. Each tenant
// bot gets its own schema holding the full booking table set; the bot
// container connects with search_path pinned to that schema.
type Materializer struct {
	pool       *pgxpool.Pool
	cmdTimeout time.Duration
	logger     zerolog.Logger
}

// New creates a Materializer sharing the control plane's connection pool.
func New(pool *pgxpool.Pool, cmdTimeout time.Duration) *Materializer {
	if cmdTimeout <= 0 {
		cmdTimeout = 60 * time.Second
	}
	return &Materializer{
		pool:       pool,
		cmdTimeout: cmdTimeout,
		logger:     log.WithComponent("tenantdb"),
	}
}

// Create materializes the schema and every booking table inside it.
// All statements are IF NOT EXISTS, so a retry after a partial failure
// completes the remainder instead of erroring.
func (m *Materializer) Create(ctx context.Context, schema string) error {
	if !identRe.MatchString(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		for _, stmt := range tenantDDL(schema) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("materializing schema %s: %w", schema, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("schema", schema).Msg("tenant schema materialized")
	return nil
}

// Drop removes the schema and all tenant data in it. Used by provisioning
// compensation and tenant deletion.
func (m *Materializer) Drop(ctx context.Context, schema string) error {
	if !identRe.MatchString(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	if _, err := m.pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		return fmt.Errorf("dropping schema %s: %w", schema, err)
	}
	m.logger.Info().Str("schema", schema).Msg("tenant schema dropped")
	return nil
}

// Exists reports whether the schema is present in the catalog.
func (m *Materializer) Exists(ctx context.Context, schema string) (bool, error) {
	if !identRe.MatchString(schema) {
		return false, fmt.Errorf("invalid schema name %q", schema)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	var found bool
	err := m.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)",
		schema,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("checking schema %s: %w", schema, err)
	}
	return found, nil
}
