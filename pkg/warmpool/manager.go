package warmpool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

const warmPrefix = "warmbot-"

// Runtime is the container surface the pool needs.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateAndStart(ctx context.Context, spec *types.ContainerSpec) error
	Remove(ctx context.Context, containerID string) error
	Running(ctx context.Context, containerID string) (bool, error)
	ListManaged(ctx context.Context) ([]string, error)
}

// Options tunes the pool.
type Options struct {
	Image         string
	BaseEnv       []string
	MinFree       int
	MaxTotal      int
	ScaleBatch    int
	Interval      time.Duration
	ActivationTTL time.Duration
	ClaimWait     time.Duration
}

// Manager keeps a pool of pre-started bot containers so provisioning can
// bind a tenant in seconds instead of waiting out a cold start. Claiming
// goes through the state store's compare-and-swap, so the pool needs no
// locks of its own.
type Manager struct {
	runtime Runtime
	state   StateStore
	broker  *events.Broker
	opts    Options
	logger  zerolog.Logger
	stopCh  chan struct{}
}

func NewManager(rt Runtime, state StateStore, broker *events.Broker, opts Options) *Manager {
	if opts.MinFree <= 0 {
		opts.MinFree = 2
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = 10
	}
	if opts.ScaleBatch <= 0 {
		opts.ScaleBatch = 2
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ActivationTTL <= 0 {
		opts.ActivationTTL = 5 * time.Minute
	}
	if opts.ClaimWait <= 0 {
		opts.ClaimWait = 10 * time.Second
	}
	return &Manager{
		runtime: rt,
		state:   state,
		broker:  broker,
		opts:    opts,
		logger:  log.WithComponent("warmpool"),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop stops the reconcile loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	if err := m.Reconcile(ctx); err != nil {
		m.logger.Error().Err(err).Msg("pool reconcile failed")
	}
	for {
		select {
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				m.logger.Error().Err(err).Msg("pool reconcile failed")
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// members returns the warm container IDs currently known to the runtime,
// sorted by slot.
func (m *Manager) members(ctx context.Context) ([]string, error) {
	all, err := m.runtime.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	var warm []string
	for _, id := range all {
		if strings.HasPrefix(id, warmPrefix) {
			warm = append(warm, id)
		}
	}
	sort.Slice(warm, func(i, j int) bool { return slotOf(warm[i]) < slotOf(warm[j]) })
	return warm, nil
}

func slotOf(containerID string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(containerID, warmPrefix))
	if err != nil {
		return -1
	}
	return n
}

// Status reports every pool member with its current state and, for
// claimed or active members, the tenant holding the slot.
func (m *Manager) Status(ctx context.Context) ([]*types.WarmBot, error) {
	ids, err := m.members(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.WarmBot, 0, len(ids))
	for _, id := range ids {
		rec, err := m.state.Record(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, &types.WarmBot{
			Slot:          slotOf(id),
			ContainerID:   id,
			Status:        rec.Status,
			BoundTenantID: rec.BoundTenantID,
			ClaimedAt:     rec.ClaimedAt,
		})
	}
	return out, nil
}

// ClaimOne claims the lowest-slot waiting member. It returns "" when the
// pool has no free member; the caller then falls back to a cold start.
func (m *Manager) ClaimOne(ctx context.Context) (string, error) {
	ids, err := m.members(ctx)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		ok, err := m.state.Claim(ctx, id)
		if err != nil {
			return "", err
		}
		if ok {
			metrics.WarmClaimsTotal.WithLabelValues("hit").Inc()
			m.logger.Info().Str("container", id).Msg("warm bot claimed")
			return id, nil
		}
	}
	metrics.WarmClaimsTotal.WithLabelValues("miss").Inc()
	return "", nil
}

// Activate binds a claimed member to a tenant and waits for the bot to
// report active. On failure the claim is NOT released here; the caller
// decides between release and teardown.
func (m *Manager) Activate(ctx context.Context, containerID string, cfg *BotConfig) error {
	if err := m.state.Activate(ctx, containerID, cfg, m.opts.ActivationTTL); err != nil {
		return err
	}

	deadline := time.Now().Add(m.opts.ClaimWait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := m.state.Status(ctx, containerID)
		if err != nil {
			return err
		}
		if st == types.WarmActive {
			if err := m.state.Bind(ctx, containerID, cfg.TenantID); err != nil {
				m.logger.Warn().Err(err).Str("container", containerID).
					Msg("failed to record tenant binding")
			}
			m.logger.Info().Str("container", containerID).Str("tenant_id", cfg.TenantID).
				Msg("warm bot activated")
			return nil
		}
		if time.Now().After(deadline) {
			return types.NewContainerStartError(types.ReasonTimedOut,
				fmt.Errorf("warm bot %s did not activate within %s", containerID, m.opts.ClaimWait))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release returns a claimed member to the free set.
func (m *Manager) Release(ctx context.Context, containerID string) error {
	return m.state.Release(ctx, containerID)
}

// Decommission removes a member's container and shared state, used for
// members that died or were consumed by a tenant teardown.
func (m *Manager) Decommission(ctx context.Context, containerID string) error {
	if err := m.state.Clear(ctx, containerID); err != nil {
		return err
	}
	return m.runtime.Remove(ctx, containerID)
}

// Reconcile reaps dead members and scales the pool back up to MinFree
// free members, bounded by MaxTotal and ScaleBatch.
func (m *Manager) Reconcile(ctx context.Context) error {
	ids, err := m.members(ctx)
	if err != nil {
		return err
	}

	used := make(map[int]bool)
	var free, total int
	for _, id := range ids {
		running, err := m.runtime.Running(ctx, id)
		if err != nil {
			return err
		}
		if !running {
			m.logger.Warn().Str("container", id).Msg("reaping dead warm bot")
			if err := m.Decommission(ctx, id); err != nil {
				m.logger.Error().Err(err).Str("container", id).Msg("failed to reap warm bot")
			}
			continue
		}
		used[slotOf(id)] = true
		total++
		st, err := m.state.Status(ctx, id)
		if err != nil {
			return err
		}
		if st == types.WarmWaiting {
			free++
		}
	}

	want := m.opts.MinFree - free
	if room := m.opts.MaxTotal - total; want > room {
		want = room
	}
	if want > m.opts.ScaleBatch {
		want = m.opts.ScaleBatch
	}
	if want <= 0 {
		return nil
	}

	if err := m.runtime.EnsureImage(ctx, m.opts.Image); err != nil {
		return err
	}
	started := 0
	for i := 0; i < want; i++ {
		slot := nextSlot(used)
		if err := m.startMember(ctx, slot); err != nil {
			m.logger.Error().Err(err).Int("pool_slot", slot).Msg("failed to start warm bot")
			continue
		}
		used[slot] = true
		started++
	}
	if started > 0 {
		m.logger.Info().Int("started", started).Int("free_before", free).Msg("pool scaled up")
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:     events.EventPoolScaled,
				Metadata: map[string]string{"started": strconv.Itoa(started)},
			})
		}
	}
	return nil
}

func nextSlot(used map[int]bool) int {
	for i := 0; ; i++ {
		if !used[i] {
			return i
		}
	}
}

func (m *Manager) startMember(ctx context.Context, slot int) error {
	id := types.WarmContainerIdentity(slot)

	env := append([]string{}, m.opts.BaseEnv...)
	env = append(env, "POOL_CONTAINER_ID="+id)

	spec := &types.ContainerSpec{
		Name:  id,
		Image: m.opts.Image,
		Env:   env,
		Labels: map[string]string{
			types.LabelPurpose: types.PurposeWarmPool,
		},
	}
	if err := m.runtime.CreateAndStart(ctx, spec); err != nil {
		return err
	}
	// The bot flips this to waiting itself once its idle loop is up;
	// seeding unknown keeps a crashed starter out of the free set.
	return m.state.SetStatus(ctx, id, types.WarmUnknown)
}
