package storage

import (
	"context"
	"sync"
	"time"

	"github.com/hutchhq/hutch/pkg/types"
)

// MemStore is an in-memory Store used by tests. It reproduces the
// allocator and uniqueness semantics of the Postgres store.
type MemStore struct {
	mu      sync.Mutex
	tenants map[string]*types.Tenant
	audits  []*types.AuditEvent
	pays    []*types.Payment
	nextID  int64
}

func NewMemStore() *MemStore {
	return &MemStore{tenants: make(map[string]*types.Tenant)}
}

func (m *MemStore) CreateTenant(_ context.Context, t *types.Tenant, maxPartitions int, audit *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ex := range m.tenants {
		if ex.BotToken == t.BotToken {
			return types.ErrDuplicateToken
		}
	}

	ceiling := maxPartitions
	if ceiling <= 0 {
		ceiling = 1 << 30
	}
	held := make(map[int]bool, len(m.tenants))
	for _, ex := range m.tenants {
		held[ex.CachePartition] = true
	}
	ord := -1
	for i := 0; i < ceiling; i++ {
		if !held[i] {
			ord = i
			break
		}
	}
	if ord < 0 {
		return types.ErrNoFreePartition
	}

	now := time.Now().UTC()
	t.CachePartition = ord
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.tenants[t.ID] = &cp
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return nil
}

func (m *MemStore) GetTenant(_ context.Context, id string) (*types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) GetTenantByToken(_ context.Context, botToken string) (*types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.BotToken == botToken {
			cp := *t
			return &cp, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *MemStore) ListTenants(_ context.Context, f TenantFilter) ([]*types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Tenant
	for _, t := range m.tenants {
		if len(f.States) > 0 {
			match := false
			for _, st := range f.States {
				if t.State == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if f.Owner != 0 && t.OwnerContactID != f.Owner {
			continue
		}
		if !f.ExpiringBefore.IsZero() && !t.ExpiresAt.Before(f.ExpiringBefore) {
			continue
		}
		if !f.ExpiringAfter.IsZero() && t.ExpiresAt.Before(f.ExpiringAfter) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) UpdateTenant(_ context.Context, id string, mutate func(*types.Tenant) error, audits ...*types.AuditEvent) (*types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	work := *t
	if err := mutate(&work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()
	m.tenants[id] = &work
	for _, a := range audits {
		m.appendAuditLocked(a)
	}
	cp := work
	return &cp, nil
}

func (m *MemStore) DeleteTenant(_ context.Context, id string, audit *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return types.ErrNotFound
	}
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	delete(m.tenants, id)
	return nil
}

func (m *MemStore) RecordPayment(_ context.Context, p *types.Payment, mutate func(*types.Tenant) error, audit *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[p.TenantID]
	if !ok {
		return types.ErrNotFound
	}
	work := *t
	if mutate != nil {
		if err := mutate(&work); err != nil {
			return err
		}
	}
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now().UTC()
	cp := *p
	m.pays = append(m.pays, &cp)
	work.UpdatedAt = time.Now().UTC()
	m.tenants[p.TenantID] = &work
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return nil
}

func (m *MemStore) AppendAudit(_ context.Context, e *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(e)
	return nil
}

func (m *MemStore) appendAuditLocked(e *types.AuditEvent) {
	m.nextID++
	cp := *e
	cp.ID = m.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, &cp)
}

func (m *MemStore) ListAudit(_ context.Context, tenantID string, limit int) ([]*types.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AuditEvent
	for _, e := range m.audits {
		if e.TenantID == tenantID {
			cp := *e
			out = append(out, &cp)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) PurgeAudit(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*types.AuditEvent
	var purged int64
	for _, e := range m.audits {
		if e.CreatedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.audits = kept
	return purged, nil
}

func (m *MemStore) Ping(context.Context) error { return nil }
func (m *MemStore) Close()                     {}

// Payments returns a copy of the ledger for assertions.
func (m *MemStore) Payments() []*types.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Payment, len(m.pays))
	copy(out, m.pays)
	return out
}

// AuditKinds returns the recorded audit kinds for a tenant, in order.
func (m *MemStore) AuditKinds(tenantID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []string
	for _, e := range m.audits {
		if e.TenantID == tenantID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}
