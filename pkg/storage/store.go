package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hutchhq/hutch/pkg/types"
)

// ErrUnchanged aborts UpdateTenant from inside mutate when the tenant is
// already in the requested state. The transaction rolls back, so neither
// the row nor the accompanying audit events are written.
var ErrUnchanged = errors.New("tenant unchanged")

// TenantFilter narrows ListTenants. Zero fields are ignored.
type TenantFilter struct {
	States         []types.SubscriptionState
	Owner          int64
	ExpiringBefore time.Time
	ExpiringAfter  time.Time
}

// Store is the persistence interface for the tenant registry. The
// Postgres implementation is authoritative; MemStore is a fake for tests.
//
// Every method is a single transaction. Audit events passed alongside a
// mutation are written in the same transaction as the mutation itself.
type Store interface {
	// CreateTenant inserts the tenant row, allocating the smallest free
	// cache partition ordinal inside the INSERT statement itself.
	// maxPartitions <= 0 means the key-prefix scheme with no ceiling.
	// Returns types.ErrDuplicateToken or types.ErrNoFreePartition.
	CreateTenant(ctx context.Context, t *types.Tenant, maxPartitions int, audit *types.AuditEvent) error

	GetTenant(ctx context.Context, id string) (*types.Tenant, error)
	GetTenantByToken(ctx context.Context, botToken string) (*types.Tenant, error)
	ListTenants(ctx context.Context, f TenantFilter) ([]*types.Tenant, error)

	// UpdateTenant loads the row under lock, applies mutate, persists the
	// result and the audit events atomically. A mutate error aborts the
	// transaction and is returned verbatim.
	UpdateTenant(ctx context.Context, id string, mutate func(*types.Tenant) error, audits ...*types.AuditEvent) (*types.Tenant, error)

	// DeleteTenant records the audit event and hard-deletes the row in
	// one transaction. Audit rows are not cascaded; they outlive the
	// tenant.
	DeleteTenant(ctx context.Context, id string, audit *types.AuditEvent) error

	// RecordPayment appends a ledger entry and applies the tenant
	// mutation (expiry extension) in one transaction.
	RecordPayment(ctx context.Context, p *types.Payment, mutate func(*types.Tenant) error, audit *types.AuditEvent) error

	AppendAudit(ctx context.Context, e *types.AuditEvent) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]*types.AuditEvent, error)
	PurgeAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close()
}
