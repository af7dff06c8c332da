package enforcer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// Lifecycle is the part of the provisioning engine the sweep needs.
type Lifecycle interface {
	Expire(ctx context.Context, tenantID string) (*types.Tenant, error)
}

// RuntimeChecker reports actual container state for reconciliation.
type RuntimeChecker interface {
	Running(ctx context.Context, containerID string) (bool, error)
}

// Deduper suppresses repeat warnings. Once returns true the first time
// a key is seen within ttl.
type Deduper interface {
	Once(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisDeduper implements Deduper with SETNX, so deduplication holds
// across control-plane restarts and nodes.
type RedisDeduper struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisDeduper(rdb *redis.Client, prefix string) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, prefix: prefix}
}

func (d *RedisDeduper) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+":warned:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark warning %s: %w", key, err)
	}
	return ok, nil
}

// Options tunes the enforcer.
type Options struct {
	Interval      time.Duration
	WarningWindow time.Duration
	// AuditRetention of 0 keeps audit rows forever.
	AuditRetention time.Duration
}

// Enforcer periodically suspends expired subscriptions, warns owners
// whose expiry is close, and reconciles the stored container_running
// flag against the runtime.
type Enforcer struct {
	reg       *registry.Registry
	lifecycle Lifecycle
	rt        RuntimeChecker
	dedupe    Deduper
	broker    *events.Broker
	opts      Options
	logger    zerolog.Logger
	stopCh    chan struct{}
}

func New(reg *registry.Registry, lifecycle Lifecycle, rt RuntimeChecker, dedupe Deduper, broker *events.Broker, opts Options) *Enforcer {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.WarningWindow <= 0 {
		opts.WarningWindow = 72 * time.Hour
	}
	return &Enforcer{
		reg:       reg,
		lifecycle: lifecycle,
		rt:        rt,
		dedupe:    dedupe,
		broker:    broker,
		opts:      opts,
		logger:    log.WithComponent("enforcer"),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (e *Enforcer) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Enforcer) Stop() {
	close(e.stopCh)
}

func (e *Enforcer) run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	if err := e.Sweep(ctx); err != nil {
		e.logger.Error().Err(err).Msg("sweep failed")
	}
	for {
		select {
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.logger.Error().Err(err).Msg("sweep failed")
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one enforcement pass. Each phase continues past individual
// tenant errors so one bad record cannot stall enforcement for the rest.
func (e *Enforcer) Sweep(ctx context.Context) error {
	if err := e.suspendExpired(ctx); err != nil {
		return err
	}
	if err := e.warnExpiring(ctx); err != nil {
		return err
	}
	if err := e.reconcileContainers(ctx); err != nil {
		return err
	}
	return e.purgeAudit(ctx)
}

func (e *Enforcer) purgeAudit(ctx context.Context) error {
	if e.opts.AuditRetention <= 0 {
		return nil
	}
	purged, err := e.reg.PurgeAudit(ctx, time.Now().UTC().Add(-e.opts.AuditRetention))
	if err != nil {
		return fmt.Errorf("failed to purge audit rows: %w", err)
	}
	if purged > 0 {
		e.logger.Info().Int64("rows", purged).Msg("old audit rows purged")
	}
	return nil
}

func (e *Enforcer) suspendExpired(ctx context.Context) error {
	expired, err := e.reg.Expiring(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list expired tenants: %w", err)
	}
	for _, t := range expired {
		if _, err := e.lifecycle.Expire(ctx, t.ID); err != nil {
			e.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("failed to expire tenant")
			continue
		}
		metrics.ExpirationsTotal.Inc()
		e.logger.Info().Str("tenant_id", t.ID).Time("expired_at", t.ExpiresAt).
			Msg("expired tenant suspended")
	}
	return nil
}

func (e *Enforcer) warnExpiring(ctx context.Context) error {
	now := time.Now().UTC()
	expiring, err := e.reg.ExpiringBetween(ctx, now, now.Add(e.opts.WarningWindow))
	if err != nil {
		return fmt.Errorf("failed to list expiring tenants: %w", err)
	}
	for _, t := range expiring {
		// One warning per tenant per day inside the window.
		key := t.ID + ":" + now.Format("2006-01-02")
		first, err := e.dedupe.Once(ctx, key, 48*time.Hour)
		if err != nil {
			e.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("warning dedupe failed")
			continue
		}
		if !first {
			continue
		}
		left := t.ExpiresAt.Sub(now).Round(time.Hour)
		e.broker.Publish(&events.Event{
			Type:           events.EventTenantExpiring,
			TenantID:       t.ID,
			OwnerContactID: t.OwnerContactID,
			Message:        fmt.Sprintf("your subscription expires in %s", left),
		})
	}
	return nil
}

// reconcileContainers trues up container_running against the runtime.
// The runtime is the source of truth; the flag is a cached view.
func (e *Enforcer) reconcileContainers(ctx context.Context) error {
	tenants, err := e.reg.List(ctx, storage.TenantFilter{})
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	for _, t := range tenants {
		running, err := e.rt.Running(ctx, t.ContainerID)
		if err != nil {
			e.logger.Warn().Err(err).Str("tenant_id", t.ID).Msg("failed to check container")
			continue
		}
		if running == t.ContainerRunning {
			continue
		}
		if _, err := e.reg.MarkContainer(ctx, t.ID, running); err != nil {
			e.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("failed to reconcile container flag")
			continue
		}
		e.logger.Warn().Str("tenant_id", t.ID).Bool("running", running).
			Msg("container state drifted, flag reconciled")
	}
	return nil
}
