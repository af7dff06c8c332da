package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// Registry is the authoritative API over tenant records: CRUD, the
// subscription state machine, and audit emission. Every operation is one
// storage transaction; audit events ride in the same transaction as the
// change that produced them.
type Registry struct {
	store         storage.Store
	broker        *events.Broker
	maxPartitions int
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates a Registry. broker may be nil (no event fan-out).
// maxPartitions <= 0 selects the key-prefix scheme with no tenant ceiling.
func New(store storage.Store, broker *events.Broker, maxPartitions int) *Registry {
	return &Registry{
		store:         store,
		broker:        broker,
		maxPartitions: maxPartitions,
		logger:        log.WithComponent("registry"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RegisterParams carries tenant creation input.
type RegisterParams struct {
	BotToken       string
	OwnerContactID int64
	DisplayName    string
	Plan           types.Plan
	Trial          bool
	Actor          string
}

func (p *RegisterParams) validate() error {
	if !types.ValidBotToken(p.BotToken) {
		return types.NewProvisionError(types.FailInvalidInput, "malformed bot token", nil)
	}
	if p.OwnerContactID <= 0 {
		return types.NewProvisionError(types.FailInvalidInput, "owner contact id must be positive", nil)
	}
	if len(p.DisplayName) > 200 {
		return types.NewProvisionError(types.FailInvalidInput, "display name longer than 200 characters", nil)
	}
	if p.Plan == "" {
		p.Plan = types.PlanMonthly
	}
	if !p.Plan.Valid() {
		return types.NewProvisionError(types.FailInvalidInput, fmt.Sprintf("unknown plan %q", p.Plan), nil)
	}
	return nil
}

// Register creates the tenant row, allocating its cache partition
// atomically, and emits the created audit event in the same transaction.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*types.Tenant, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := r.now().Truncate(time.Second)
	id := types.NewTenantID()
	state := types.StateActive
	if p.Trial {
		state = types.StateTrial
	}
	t := &types.Tenant{
		ID:             id,
		BotToken:       p.BotToken,
		OwnerContactID: p.OwnerContactID,
		DisplayName:    p.DisplayName,
		ContainerID:    types.ContainerIdentity(id),
		SchemaName:     types.SchemaIdentity(id),
		State:          state,
		Plan:           p.Plan,
		StartedAt:      now,
		ExpiresAt:      now.Add(p.Plan.Duration()),
	}

	audit := &types.AuditEvent{
		TenantID: id,
		Kind:     types.AuditCreated,
		Actor:    p.Actor,
		Payload: map[string]string{
			"plan":  string(p.Plan),
			"state": string(state),
		},
	}
	if err := r.store.CreateTenant(ctx, t, r.maxPartitions, audit); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("tenant_id", t.ID).
		Int("cache_partition", t.CachePartition).
		Str("schema", t.SchemaName).
		Msg("tenant registered")
	r.publish(&events.Event{
		Type:           events.EventTenantCreated,
		TenantID:       t.ID,
		OwnerContactID: t.OwnerContactID,
		Message:        "tenant registered",
	})
	return t, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*types.Tenant, error) {
	return r.store.GetTenant(ctx, id)
}

func (r *Registry) GetByToken(ctx context.Context, token string) (*types.Tenant, error) {
	return r.store.GetTenantByToken(ctx, token)
}

func (r *Registry) List(ctx context.Context, f storage.TenantFilter) ([]*types.Tenant, error) {
	return r.store.ListTenants(ctx, f)
}

// MarkContainer updates the control plane's view of the container. The
// matching audit event rides in the update transaction; when the flag
// already matches, the update aborts and nothing is written.
func (r *Registry) MarkContainer(ctx context.Context, id string, running bool) (*types.Tenant, error) {
	kind := types.AuditContainerStopped
	evType := events.EventContainerStopped
	if running {
		kind = types.AuditContainerStarted
		evType = events.EventContainerStarted
	}
	t, err := r.store.UpdateTenant(ctx, id, func(t *types.Tenant) error {
		if t.ContainerRunning == running {
			return storage.ErrUnchanged
		}
		t.ContainerRunning = running
		return nil
	}, &types.AuditEvent{TenantID: id, Kind: kind})
	if errors.Is(err, storage.ErrUnchanged) {
		return r.store.GetTenant(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	r.publish(&events.Event{Type: evType, TenantID: id, OwnerContactID: t.OwnerContactID})
	return t, nil
}

// UpdateContainerID rebinds the tenant to a different container, used
// when a warm pool member is consumed by a tenant.
func (r *Registry) UpdateContainerID(ctx context.Context, id, containerID string) (*types.Tenant, error) {
	return r.store.UpdateTenant(ctx, id, func(t *types.Tenant) error {
		t.ContainerID = containerID
		return nil
	})
}

// Suspend moves a trial or active tenant to suspended and clears
// container_running. The caller is responsible for the actual stop.
func (r *Registry) Suspend(ctx context.Context, id, reason string) (*types.Tenant, error) {
	return r.suspend(ctx, id, reason, false)
}

// Expire is Suspend for the expiry sweep: it additionally records the
// expired audit event and publishes the expiry notification event.
func (r *Registry) Expire(ctx context.Context, id string) (*types.Tenant, error) {
	return r.suspend(ctx, id, "expired at "+r.now().Format(time.RFC3339), true)
}

func (r *Registry) suspend(ctx context.Context, id, reason string, expired bool) (*types.Tenant, error) {
	audits := []*types.AuditEvent{{
		TenantID: id,
		Kind:     types.AuditSuspended,
		Payload:  map[string]string{"reason": reason},
	}}
	if expired {
		audits = append(audits, &types.AuditEvent{TenantID: id, Kind: types.AuditExpired})
	}
	t, err := r.store.UpdateTenant(ctx, id, func(t *types.Tenant) error {
		if !t.State.CanTransitionTo(types.StateSuspended) {
			return types.InvalidTransitionError(t.State, types.StateSuspended)
		}
		t.State = types.StateSuspended
		t.ContainerRunning = false
		return nil
	}, audits...)
	if err != nil {
		return nil, err
	}

	evType := events.EventTenantSuspended
	if expired {
		evType = events.EventTenantExpired
	}
	r.logger.Info().Str("tenant_id", id).Str("reason", reason).Msg("tenant suspended")
	r.publish(&events.Event{Type: evType, TenantID: id, OwnerContactID: t.OwnerContactID, Message: reason})
	return t, nil
}

// Reactivate moves a suspended tenant back to active and extends expiry
// from max(now, expires_at) by extendBy.
func (r *Registry) Reactivate(ctx context.Context, id string, extendBy time.Duration) (*types.Tenant, error) {
	now := r.now().Truncate(time.Second)
	t, err := r.store.UpdateTenant(ctx, id, func(t *types.Tenant) error {
		if !t.State.CanTransitionTo(types.StateActive) {
			return types.InvalidTransitionError(t.State, types.StateActive)
		}
		t.State = types.StateActive
		t.ExpiresAt = extendFrom(now, t.ExpiresAt, extendBy)
		return nil
	}, &types.AuditEvent{
		TenantID: id,
		Kind:     types.AuditReactivated,
		Payload:  map[string]string{"extend_by": extendBy.String()},
	})
	if err != nil {
		return nil, err
	}
	r.publish(&events.Event{Type: events.EventTenantReactivated, TenantID: id, OwnerContactID: t.OwnerContactID})
	return t, nil
}

// Extend pushes expiry out by extendBy without changing state.
func (r *Registry) Extend(ctx context.Context, id string, extendBy time.Duration) (*types.Tenant, error) {
	now := r.now().Truncate(time.Second)
	t, err := r.store.UpdateTenant(ctx, id, func(t *types.Tenant) error {
		t.ExpiresAt = extendFrom(now, t.ExpiresAt, extendBy)
		return nil
	}, &types.AuditEvent{
		TenantID: id,
		Kind:     types.AuditExtended,
		Payload:  map[string]string{"extend_by": extendBy.String()},
	})
	if err != nil {
		return nil, err
	}
	r.publish(&events.Event{Type: events.EventTenantExtended, TenantID: id, OwnerContactID: t.OwnerContactID})
	return t, nil
}

// RecordPayment appends a ledger entry and extends expiry by the plan
// period in the same transaction.
func (r *Registry) RecordPayment(ctx context.Context, p *types.Payment, plan types.Plan) error {
	now := r.now().Truncate(time.Second)
	audit := &types.AuditEvent{
		TenantID: p.TenantID,
		Kind:     types.AuditPaymentRecorded,
		Payload: map[string]string{
			"method": p.Method,
			"plan":   string(plan),
		},
	}
	return r.store.RecordPayment(ctx, p, func(t *types.Tenant) error {
		t.ExpiresAt = extendFrom(now, t.ExpiresAt, plan.Duration())
		return nil
	}, audit)
}

// Delete records the deleted audit event and hard-deletes the row in one
// transaction; audit rows survive.
func (r *Registry) Delete(ctx context.Context, id, actor string) error {
	t, err := r.store.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	err = r.store.DeleteTenant(ctx, id, &types.AuditEvent{
		TenantID: id,
		Kind:     types.AuditDeleted,
		Actor:    actor,
	})
	if err != nil {
		return err
	}
	r.logger.Info().Str("tenant_id", id).Msg("tenant deleted")
	r.publish(&events.Event{Type: events.EventTenantDeleted, TenantID: id, OwnerContactID: t.OwnerContactID})
	return nil
}

// Expiring returns active tenants whose expiry falls before now+within.
func (r *Registry) Expiring(ctx context.Context, within time.Duration) ([]*types.Tenant, error) {
	return r.store.ListTenants(ctx, storage.TenantFilter{
		States:         []types.SubscriptionState{types.StateActive},
		ExpiringBefore: r.now().Add(within),
	})
}

// ExpiringBetween returns active tenants expiring inside [from, to),
// used for warning notifications.
func (r *Registry) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*types.Tenant, error) {
	return r.store.ListTenants(ctx, storage.TenantFilter{
		States:         []types.SubscriptionState{types.StateActive},
		ExpiringAfter:  from,
		ExpiringBefore: to,
	})
}

// Audit returns the audit trail for a tenant.
func (r *Registry) Audit(ctx context.Context, id string, limit int) ([]*types.AuditEvent, error) {
	return r.store.ListAudit(ctx, id, limit)
}

// PurgeAudit drops audit rows older than the cutoff and reports how many
// were removed. Retention is deployment policy; callers pass the cutoff.
func (r *Registry) PurgeAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	return r.store.PurgeAudit(ctx, olderThan)
}

func (r *Registry) publish(e *events.Event) {
	if r.broker != nil {
		r.broker.Publish(e)
	}
}

// extendFrom implements the expiry extension rule: the new expiry is
// max(now, current) + extendBy.
func extendFrom(now, current time.Time, extendBy time.Duration) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(extendBy)
}
