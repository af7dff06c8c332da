package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/hutchhq/hutch/pkg/warmpool"
)

// Materializer creates and drops tenant schemas.
type Materializer interface {
	Create(ctx context.Context, schema string) error
	Drop(ctx context.Context, schema string) error
}

// Runtime is the container surface the engine needs.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateAndStart(ctx context.Context, spec *types.ContainerSpec) error
	WaitHealthy(ctx context.Context, containerID string, timeout time.Duration) error
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Start(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	SetLabels(ctx context.Context, containerID string, labels map[string]string) error
}

// Pool is the warm-pool surface the engine needs. A nil Pool disables
// the warm path entirely.
type Pool interface {
	ClaimOne(ctx context.Context) (string, error)
	Activate(ctx context.Context, containerID string, cfg *warmpool.BotConfig) error
	Release(ctx context.Context, containerID string) error
	Decommission(ctx context.Context, containerID string) error
}

// Options tunes the engine.
type Options struct {
	Image         string
	BaseEnv       []string
	PrefixMode    bool
	HealthTimeout time.Duration
	StopGrace     time.Duration
}

// Step retry policy for transient infrastructure errors.
const (
	retryInitialInterval = time.Second
	retryMultiplier      = 2
	retryMaxAttempts     = 5
)

// Engine orchestrates tenant provisioning end to end: registry row,
// schema, container, with reverse-order compensation when a later step
// fails. It also owns the container side of suspend, reactivate, restart
// and teardown so those flows share one implementation.
type Engine struct {
	reg    *registry.Registry
	db     Materializer
	rt     Runtime
	pool   Pool
	opts   Options
	logger zerolog.Logger

	retryInitial time.Duration
}

func NewEngine(reg *registry.Registry, db Materializer, rt Runtime, pool Pool, opts Options) *Engine {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Engine{
		reg:          reg,
		db:           db,
		rt:           rt,
		pool:         pool,
		opts:         opts,
		logger:       log.WithComponent("provision"),
		retryInitial: retryInitialInterval,
	}
}

// Provision runs the full pipeline for one request. It always returns a
// result; failures are carried in the result's error fields together
// with the compensation report, never as a bare error.
func (e *Engine) Provision(ctx context.Context, req types.ProvisionRequest) *types.ProvisionResult {
	started := time.Now()
	res := e.provision(ctx, req)
	metrics.ObserveProvision(res.Success, res.WarmClaim, started)
	return res
}

func (e *Engine) provision(ctx context.Context, req types.ProvisionRequest) *types.ProvisionResult {
	tenant, err := e.reg.Register(ctx, registry.RegisterParams{
		BotToken:       req.BotToken,
		OwnerContactID: req.OwnerContactID,
		DisplayName:    req.DisplayName,
		Plan:           req.Plan,
		Actor:          actorOf(req),
	})
	if err != nil {
		return failure(registerFailure(err), nil)
	}
	logger := e.logger.With().Str("tenant_id", tenant.ID).Logger()

	if err := e.withRetry(ctx, func() error { return e.db.Create(ctx, tenant.SchemaName) }); err != nil {
		logger.Error().Err(err).Msg("schema materialization failed")
		comp := e.compensate(ctx, tenant, false, false)
		return failure(types.NewProvisionError(types.FailSchema, "schema materialization failed", err), comp)
	}

	if claimed := e.tryWarmPath(ctx, tenant, logger); claimed != nil {
		return claimed
	}
	return e.coldPath(ctx, tenant, logger)
}

// tryWarmPath binds a free warm bot to the tenant. A nil return means
// the cold path should run: either the pool is empty or activation
// failed and the claim was released.
func (e *Engine) tryWarmPath(ctx context.Context, tenant *types.Tenant, logger zerolog.Logger) *types.ProvisionResult {
	if e.pool == nil {
		return nil
	}
	containerID, err := e.pool.ClaimOne(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("warm pool claim failed, falling back to cold start")
		return nil
	}
	if containerID == "" {
		return nil
	}

	cfg := &warmpool.BotConfig{
		TenantID:       tenant.ID,
		BotToken:       tenant.BotToken,
		OwnerContactID: tenant.OwnerContactID,
		SchemaName:     tenant.SchemaName,
		CachePartition: tenant.CachePartition,
		DisplayName:    tenant.DisplayName,
	}
	if err := e.pool.Activate(ctx, containerID, cfg); err != nil {
		logger.Warn().Err(err).Str("container", containerID).
			Msg("warm activation failed, falling back to cold start")
		if relErr := e.pool.Release(context.WithoutCancel(ctx), containerID); relErr != nil {
			logger.Error().Err(relErr).Str("container", containerID).Msg("failed to release warm claim")
		}
		return nil
	}

	// The warm container becomes the tenant's container.
	if _, err := e.reg.UpdateContainerID(ctx, tenant.ID, containerID); err != nil {
		logger.Error().Err(err).Msg("failed to bind warm container")
		// The bot already consumed the activation config and is running
		// with the tenant's token; it cannot return to the free set.
		if decErr := e.pool.Decommission(context.WithoutCancel(ctx), containerID); decErr != nil {
			logger.Error().Err(decErr).Str("container", containerID).
				Msg("failed to decommission activated warm bot")
		}
		comp := e.compensate(ctx, tenant, true, false)
		return failure(types.NewProvisionError(types.FailTransient, "failed to bind warm container", err), comp)
	}
	if err := e.rt.SetLabels(ctx, containerID, map[string]string{
		types.LabelTenantID: tenant.ID,
		types.LabelSchema:   tenant.SchemaName,
		types.LabelPurpose:  types.PurposeTenantBot,
	}); err != nil {
		logger.Warn().Err(err).Str("container", containerID).Msg("failed to relabel warm container")
	}
	if _, err := e.reg.MarkContainer(ctx, tenant.ID, true); err != nil {
		logger.Error().Err(err).Msg("failed to mark container running")
	}

	logger.Info().Str("container", containerID).Msg("tenant provisioned from warm pool")
	return &types.ProvisionResult{
		Success:        true,
		TenantID:       tenant.ID,
		ContainerID:    containerID,
		CachePartition: tenant.CachePartition,
		SchemaName:     tenant.SchemaName,
		WarmClaim:      true,
		CompletedAt:    time.Now().UTC(),
	}
}

func (e *Engine) coldPath(ctx context.Context, tenant *types.Tenant, logger zerolog.Logger) *types.ProvisionResult {
	if err := e.withRetry(ctx, func() error { return e.rt.EnsureImage(ctx, e.opts.Image) }); err != nil {
		comp := e.compensate(ctx, tenant, true, false)
		return failure(containerFailure(err), comp)
	}

	spec := &types.ContainerSpec{
		Name:  tenant.ContainerID,
		Image: e.opts.Image,
		Env:   e.botEnv(tenant),
		Labels: map[string]string{
			types.LabelTenantID: tenant.ID,
			types.LabelSchema:   tenant.SchemaName,
			types.LabelPurpose:  types.PurposeTenantBot,
		},
	}
	if err := e.rt.CreateAndStart(ctx, spec); err != nil {
		logger.Error().Err(err).Msg("container start failed")
		comp := e.compensate(ctx, tenant, true, true)
		return failure(containerFailure(err), comp)
	}
	if err := e.rt.WaitHealthy(ctx, tenant.ContainerID, e.opts.HealthTimeout); err != nil {
		logger.Error().Err(err).Msg("container failed health check")
		comp := e.compensate(ctx, tenant, true, true)
		return failure(containerFailure(err), comp)
	}

	if _, err := e.reg.MarkContainer(ctx, tenant.ID, true); err != nil {
		logger.Error().Err(err).Msg("failed to mark container running")
	}

	logger.Info().Str("container", tenant.ContainerID).Msg("tenant provisioned")
	return &types.ProvisionResult{
		Success:        true,
		TenantID:       tenant.ID,
		ContainerID:    tenant.ContainerID,
		CachePartition: tenant.CachePartition,
		SchemaName:     tenant.SchemaName,
		CompletedAt:    time.Now().UTC(),
	}
}

// compensate tears down in reverse creation order: container, schema,
// tenant row. Each step is best effort and reported; a failed step does
// not stop the rest. The context is detached so compensation still runs
// when the job itself was cancelled.
func (e *Engine) compensate(ctx context.Context, tenant *types.Tenant, dropSchema, removeContainer bool) []string {
	ctx = context.WithoutCancel(ctx)
	metrics.CompensationsTotal.Inc()
	var report []string

	if removeContainer {
		if err := e.rt.Remove(ctx, tenant.ContainerID); err != nil {
			report = append(report, "container remove failed: "+err.Error())
		} else {
			report = append(report, "container removed")
		}
	}
	if dropSchema {
		if err := e.db.Drop(ctx, tenant.SchemaName); err != nil {
			report = append(report, "schema drop failed: "+err.Error())
		} else {
			report = append(report, "schema dropped")
		}
	}
	if err := e.reg.Delete(ctx, tenant.ID, "compensation"); err != nil {
		report = append(report, "tenant row delete failed: "+err.Error())
	} else {
		report = append(report, "tenant row deleted")
	}
	e.logger.Warn().Str("tenant_id", tenant.ID).Strs("compensation", report).
		Msg("provisioning compensated")
	return report
}

// Teardown removes a tenant completely: container, schema, registry row.
// Unlike compensation this is an admin-initiated operation and returns
// the first hard error.
func (e *Engine) Teardown(ctx context.Context, tenantID, actor string) error {
	tenant, err := e.reg.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := e.rt.Remove(ctx, tenant.ContainerID); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	if isWarmContainer(tenant.ContainerID) && e.pool != nil {
		if err := e.pool.Decommission(ctx, tenant.ContainerID); err != nil {
			e.logger.Warn().Err(err).Str("container", tenant.ContainerID).
				Msg("failed to clear warm state during teardown")
		}
	}
	if err := e.db.Drop(ctx, tenant.SchemaName); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	return e.reg.Delete(ctx, tenantID, actor)
}

// Suspend stops the container and moves the tenant to suspended.
func (e *Engine) Suspend(ctx context.Context, tenantID, reason string) (*types.Tenant, error) {
	tenant, err := e.reg.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.State.CanTransitionTo(types.StateSuspended) {
		return nil, types.InvalidTransitionError(tenant.State, types.StateSuspended)
	}
	if err := e.rt.Stop(ctx, tenant.ContainerID, e.opts.StopGrace); err != nil {
		return nil, fmt.Errorf("failed to stop container: %w", err)
	}
	return e.reg.Suspend(ctx, tenantID, reason)
}

// Expire is Suspend driven by the expiry sweep.
func (e *Engine) Expire(ctx context.Context, tenantID string) (*types.Tenant, error) {
	tenant, err := e.reg.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := e.rt.Stop(ctx, tenant.ContainerID, e.opts.StopGrace); err != nil {
		return nil, fmt.Errorf("failed to stop container: %w", err)
	}
	return e.reg.Expire(ctx, tenantID)
}

// Reactivate extends the subscription and brings the container back up.
func (e *Engine) Reactivate(ctx context.Context, tenantID string, extendBy time.Duration) (*types.Tenant, error) {
	tenant, err := e.reg.Reactivate(ctx, tenantID, extendBy)
	if err != nil {
		return nil, err
	}
	if err := e.rt.Start(ctx, tenant.ContainerID); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	if err := e.rt.WaitHealthy(ctx, tenant.ContainerID, e.opts.HealthTimeout); err != nil {
		return nil, err
	}
	return e.reg.MarkContainer(ctx, tenantID, true)
}

// Restart bounces the tenant's container.
func (e *Engine) Restart(ctx context.Context, tenantID string) (*types.Tenant, error) {
	tenant, err := e.reg.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := e.rt.Stop(ctx, tenant.ContainerID, e.opts.StopGrace); err != nil {
		return nil, fmt.Errorf("failed to stop container: %w", err)
	}
	if err := e.rt.Start(ctx, tenant.ContainerID); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	if err := e.rt.WaitHealthy(ctx, tenant.ContainerID, e.opts.HealthTimeout); err != nil {
		return nil, err
	}
	return e.reg.MarkContainer(ctx, tenantID, true)
}

// withRetry retries transient failures with exponential backoff, 1s
// initial and doubling, up to five attempts. Typed permanent failures
// and cancellation pass through immediately.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInitial
	bo.Multiplier = retryMultiplier
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		var pe *types.ProvisionError
		if errors.As(err, &pe) && !pe.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (e *Engine) botEnv(t *types.Tenant) []string {
	env := append([]string{}, e.opts.BaseEnv...)
	env = append(env,
		"TENANT_ID="+t.ID,
		"BOT_TOKEN="+t.BotToken,
		"ADMIN_IDS="+strconv.FormatInt(t.OwnerContactID, 10),
		"PG_SCHEMA="+t.SchemaName,
	)
	if e.opts.PrefixMode {
		env = append(env, "CACHE_KEY_PREFIX=t"+strconv.Itoa(t.CachePartition)+":")
	} else {
		env = append(env, "CACHE_PARTITION="+strconv.Itoa(t.CachePartition))
	}
	return env
}

func isWarmContainer(containerID string) bool {
	return len(containerID) > 8 && containerID[:8] == "warmbot-"
}

func actorOf(req types.ProvisionRequest) string {
	if req.SubmittedBy == 0 {
		return ""
	}
	return "contact:" + strconv.FormatInt(req.SubmittedBy, 10)
}

func registerFailure(err error) error {
	switch {
	case errors.Is(err, types.ErrDuplicateToken):
		return types.NewProvisionError(types.FailAlreadyExists, "bot token already registered", err)
	case errors.Is(err, types.ErrNoFreePartition):
		return types.NewProvisionError(types.FailOutOfCapacity, "no free cache partition", err)
	default:
		var pe *types.ProvisionError
		if errors.As(err, &pe) {
			return err
		}
		return types.NewProvisionError(types.FailTransient, "failed to register tenant", err)
	}
}

func containerFailure(err error) error {
	var pe *types.ProvisionError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewProvisionError(types.FailCancelled, "provisioning cancelled", err)
	}
	return types.NewProvisionError(types.FailTransient, "container runtime unavailable", err)
}

func failure(err error, compensation []string) *types.ProvisionResult {
	res := &types.ProvisionResult{
		Success:      false,
		Compensation: compensation,
		CompletedAt:  time.Now().UTC(),
	}
	var pe *types.ProvisionError
	if errors.As(err, &pe) {
		res.Error = pe.Kind
		res.ErrorDetail = pe.Error()
	} else {
		res.Error = types.FailInternal
		res.ErrorDetail = err.Error()
	}
	return res
}
