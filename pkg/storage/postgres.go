package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hutchhq/hutch/pkg/types"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store over a pgx connection pool. All tenant
// state lives in the control-plane schema (default master_bot).
type PostgresStore struct {
	pool       *pgxpool.Pool
	schema     string
	cmdTimeout time.Duration
}

// Open connects to the control-plane database.
func Open(ctx context.Context, url, schema string, cmdTimeout time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to control-plane database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping control-plane database: %w", err)
	}
	if schema == "" {
		schema = "master_bot"
	}
	if cmdTimeout == 0 {
		cmdTimeout = 60 * time.Second
	}
	return &PostgresStore{pool: pool, schema: schema, cmdTimeout: cmdTimeout}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// Pool exposes the underlying connection pool for components that share
// the control-plane database, such as the tenant schema materializer.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cmdTimeout)
}

const tenantColumns = `id, bot_token, owner_contact_id, display_name, cache_partition,
	container_id, schema_name, state, plan, started_at, expires_at,
	container_running, created_at, updated_at`

// createTenantQuery builds the single-statement insert that allocates
// the smallest free cache partition. The generated series is bounded by
// the live row count, not the ceiling: with n tenants holding distinct
// ordinals, some ordinal in [0, n] is always free, so the scan stays
// proportional to the tenant count even when the ceiling is effectively
// unbounded in key-prefix mode.
func createTenantQuery(schema string) string {
	return fmt.Sprintf(`
		INSERT INTO %s.tenants (%s)
		SELECT $1, $2, $3, $4, free.ord, $5, $6, $7, $8, $9, $10, false, now(), now()
		FROM (
			SELECT i AS ord
			FROM generate_series(0, LEAST($11::int, (SELECT count(*) FROM %s.tenants))) AS i
			WHERE i NOT IN (SELECT cache_partition FROM %s.tenants)
			ORDER BY i
			LIMIT 1
		) AS free
		RETURNING cache_partition, created_at, updated_at`,
		schema, tenantColumns, schema, schema)
}

// CreateTenant reserves the smallest free cache partition and inserts the
// tenant row in one statement. The unique index on cache_partition is the
// serialization point: a concurrent allocation of the same ordinal fails
// the commit with a uniqueness violation and is retried here.
func (s *PostgresStore) CreateTenant(ctx context.Context, t *types.Tenant, maxPartitions int, audit *types.AuditEvent) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ceiling := maxPartitions - 1
	if maxPartitions <= 0 {
		// Key-prefix mode: ordinals are still allocated for stable
		// naming but have no ceiling in practice.
		ceiling = 1<<30 - 1
	}

	query := createTenantQuery(s.schema)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, query,
				t.ID, t.BotToken, t.OwnerContactID, t.DisplayName,
				t.ContainerID, t.SchemaName, t.State, t.Plan,
				t.StartedAt, t.ExpiresAt, ceiling)
			if err := row.Scan(&t.CachePartition, &t.CreatedAt, &t.UpdatedAt); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return types.ErrNoFreePartition
				}
				return err
			}
			if audit != nil {
				return insertAudit(ctx, tx, s.schema, audit)
			}
			return nil
		})
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "bot_token") {
				return types.ErrDuplicateToken
			}
			// Lost the partition race; recompute and retry.
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("partition allocation kept colliding: %w", lastErr)
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT %s FROM %s.tenants WHERE id = $1`, tenantColumns, s.schema)
	return scanTenant(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetTenantByToken(ctx context.Context, botToken string) (*types.Tenant, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT %s FROM %s.tenants WHERE bot_token = $1`, tenantColumns, s.schema)
	return scanTenant(s.pool.QueryRow(ctx, query, botToken))
}

func (s *PostgresStore) ListTenants(ctx context.Context, f TenantFilter) ([]*types.Tenant, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s.tenants`, tenantColumns, s.schema)
	var conds []string
	var args []any
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, states)
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if f.Owner != 0 {
		args = append(args, f.Owner)
		conds = append(conds, fmt.Sprintf("owner_contact_id = $%d", len(args)))
	}
	if !f.ExpiringBefore.IsZero() {
		args = append(args, f.ExpiringBefore)
		conds = append(conds, fmt.Sprintf("expires_at < $%d", len(args)))
	}
	if !f.ExpiringAfter.IsZero() {
		args = append(args, f.ExpiringAfter)
		conds = append(conds, fmt.Sprintf("expires_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*types.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, id string, mutate func(*types.Tenant) error, audits ...*types.AuditEvent) (*types.Tenant, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var updated *types.Tenant
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s.tenants WHERE id = $1 FOR UPDATE`, tenantColumns, s.schema)
		t, err := scanTenant(tx.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s.tenants
			SET display_name = $2, state = $3, plan = $4, started_at = $5,
			    expires_at = $6, container_running = $7, updated_at = $8
			WHERE id = $1`, s.schema),
			t.ID, t.DisplayName, t.State, t.Plan, t.StartedAt,
			t.ExpiresAt, t.ContainerRunning, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update tenant %s: %w", id, err)
		}
		for _, a := range audits {
			if err := insertAudit(ctx, tx, s.schema, a); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id string, audit *types.AuditEvent) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if audit != nil {
			if err := insertAudit(ctx, tx, s.schema, audit); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.tenants WHERE id = $1`, s.schema), id)
		if err != nil {
			return fmt.Errorf("delete tenant %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) RecordPayment(ctx context.Context, p *types.Payment, mutate func(*types.Tenant) error, audit *types.AuditEvent) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s.tenants WHERE id = $1 FOR UPDATE`, tenantColumns, s.schema)
		t, err := scanTenant(tx.QueryRow(ctx, query, p.TenantID))
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s.payments (tenant_id, amount_minor, currency, method, status, external_ref)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`, s.schema),
			p.TenantID, p.AmountMinor, p.Currency, p.Method, p.Status, p.ExternalRef,
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if mutate != nil {
			if err := mutate(t); err != nil {
				return err
			}
			t.UpdatedAt = time.Now().UTC()
			_, err = tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s.tenants SET state = $2, expires_at = $3, updated_at = $4 WHERE id = $1`, s.schema),
				t.ID, t.State, t.ExpiresAt, t.UpdatedAt)
			if err != nil {
				return fmt.Errorf("extend tenant %s: %w", t.ID, err)
			}
		}
		if audit != nil {
			return insertAudit(ctx, tx, s.schema, audit)
		}
		return nil
	})
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *types.AuditEvent) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return insertAudit(ctx, conn, s.schema, e)
}

func (s *PostgresStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]*types.AuditEvent, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, kind, payload, actor, created_at
		FROM %s.audit_log WHERE tenant_id = $1
		ORDER BY created_at, id
		LIMIT $2`, s.schema), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &e.Payload, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s.audit_log WHERE created_at < $1`, s.schema), olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAudit(ctx context.Context, db execer, schema string, e *types.AuditEvent) error {
	_, err := db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.audit_log (tenant_id, kind, payload, actor)
		VALUES ($1, $2, $3, $4)`, schema),
		e.TenantID, e.Kind, e.Payload, e.Actor)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", e.TenantID, e.Kind, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*types.Tenant, error) {
	var t types.Tenant
	err := row.Scan(
		&t.ID, &t.BotToken, &t.OwnerContactID, &t.DisplayName, &t.CachePartition,
		&t.ContainerID, &t.SchemaName, &t.State, &t.Plan, &t.StartedAt, &t.ExpiresAt,
		&t.ContainerRunning, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}
