package warmpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

// fakeRuntime tracks containers in memory.
type fakeRuntime struct {
	mu       sync.Mutex
	running  map[string]bool
	pulled   []string
	removed  []string
	startErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: map[string]bool{}}
}

func (f *fakeRuntime) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeRuntime) CreateAndStart(_ context.Context, spec *types.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running[spec.Name] = true
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Running(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id], nil
}

func (f *fakeRuntime) ListManaged(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *MemStateStore) {
	t.Helper()
	rt := newFakeRuntime()
	state := NewMemStateStore()
	m := NewManager(rt, state, nil, Options{
		Image:     "registry.local/tenant-bot:stable",
		MinFree:   2,
		MaxTotal:  4,
		ClaimWait: 200 * time.Millisecond,
	})
	return m, rt, state
}

func TestReconcileScalesUpToMinFree(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Reconcile(ctx))
	assert.Len(t, rt.running, 2)

	// New members report waiting once their idle loop is up.
	for id := range rt.running {
		require.NoError(t, state.SetStatus(ctx, id, types.WarmWaiting))
	}
	require.NoError(t, m.Reconcile(ctx))
	assert.Len(t, rt.running, 2, "no growth while MinFree are free")
}

func TestReconcileRespectsMaxTotal(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	// Four claimed members fill the pool; no free slot may be added.
	for i := 0; i < 4; i++ {
		id := types.WarmContainerIdentity(i)
		rt.running[id] = true
		require.NoError(t, state.SetStatus(ctx, id, types.WarmClaimed))
	}
	require.NoError(t, m.Reconcile(ctx))
	assert.Len(t, rt.running, 4)
}

func TestReconcileReapsDeadMembers(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	dead := types.WarmContainerIdentity(0)
	rt.running[dead] = false
	require.NoError(t, state.SetStatus(ctx, dead, types.WarmWaiting))

	require.NoError(t, m.Reconcile(ctx))
	assert.Contains(t, rt.removed, dead)
	st, err := state.Status(ctx, dead)
	require.NoError(t, err)
	assert.Equal(t, types.WarmUnknown, st, "reaped member state is cleared")
}

func TestClaimOnePrefersLowestSlotAndIsExclusive(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := types.WarmContainerIdentity(i)
		rt.running[id] = true
		require.NoError(t, state.SetStatus(ctx, id, types.WarmWaiting))
	}
	hitsBefore := testutil.ToFloat64(metrics.WarmClaimsTotal.WithLabelValues("hit"))

	id, err := m.ClaimOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "warmbot-0", id)

	id, err = m.ClaimOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "warmbot-1", id, "claimed member is skipped")
	assert.Equal(t, hitsBefore+2, testutil.ToFloat64(metrics.WarmClaimsTotal.WithLabelValues("hit")))
}

func TestClaimOneEmptyPool(t *testing.T) {
	m, _, _ := newTestManager(t)
	missesBefore := testutil.ToFloat64(metrics.WarmClaimsTotal.WithLabelValues("miss"))

	id, err := m.ClaimOne(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, missesBefore+1, testutil.ToFloat64(metrics.WarmClaimsTotal.WithLabelValues("miss")))
}

func TestActivateWaitsForActiveStatus(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	id := types.WarmContainerIdentity(0)
	rt.running[id] = true
	require.NoError(t, state.SetStatus(ctx, id, types.WarmClaimed))

	// Simulate the bot picking up the config and going active.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = state.SetStatus(ctx, id, types.WarmActive)
	}()

	cfg := &BotConfig{TenantID: "t1", BotToken: "1:x", SchemaName: "bot_aa"}
	require.NoError(t, m.Activate(ctx, id, cfg))
	require.NotNil(t, state.Config(id))
	assert.Equal(t, "t1", state.Config(id).TenantID)
}

func TestActivateTimesOut(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	id := types.WarmContainerIdentity(0)
	rt.running[id] = true
	require.NoError(t, state.SetStatus(ctx, id, types.WarmClaimed))

	err := m.Activate(ctx, id, &BotConfig{TenantID: "t1"})
	require.Error(t, err)
	assert.Equal(t, types.FailContainerStart, types.KindOf(err))
}

func TestActivateRejectsDoubleActivation(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	id := types.WarmContainerIdentity(0)
	rt.running[id] = true
	require.NoError(t, state.SetStatus(ctx, id, types.WarmActive))

	require.NoError(t, m.Activate(ctx, id, &BotConfig{TenantID: "t1"}))
	err := m.Activate(ctx, id, &BotConfig{TenantID: "t2"})
	assert.ErrorContains(t, err, "pending activation")
}

func TestClaimStampsClaimTime(t *testing.T) {
	state := NewMemStateStore()
	ctx := context.Background()
	id := "warmbot-0"

	require.NoError(t, state.SetStatus(ctx, id, types.WarmWaiting))
	ok, err := state.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := state.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WarmClaimed, rec.Status)
	require.NotNil(t, rec.ClaimedAt)
	assert.WithinDuration(t, time.Now(), *rec.ClaimedAt, time.Second)
}

func TestStatusReportsTenantBinding(t *testing.T) {
	m, rt, state := newTestManager(t)
	ctx := context.Background()

	id := types.WarmContainerIdentity(0)
	rt.running[id] = true
	require.NoError(t, state.SetStatus(ctx, id, types.WarmWaiting))

	claimed, err := m.ClaimOne(ctx)
	require.NoError(t, err)
	require.Equal(t, id, claimed)

	// The bot picks up the config and flips its own record to active.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = state.SetStatus(ctx, id, types.WarmActive)
	}()
	require.NoError(t, m.Activate(ctx, id, &BotConfig{TenantID: "t1", BotToken: "1:x", SchemaName: "bot_aa"}))

	members, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, types.WarmActive, members[0].Status)
	assert.Equal(t, "t1", members[0].BoundTenantID, "operators can see which tenant holds the slot")
	require.NotNil(t, members[0].ClaimedAt)
}

func TestDecodeRecordToleratesBareStatus(t *testing.T) {
	rec := decodeRecord("waiting")
	assert.Equal(t, types.WarmWaiting, rec.Status)

	rec = decodeRecord(`{"status":"claimed","bound_tenant_id":"t1"}`)
	assert.Equal(t, types.WarmClaimed, rec.Status)
	assert.Equal(t, "t1", rec.BoundTenantID)

	rec = decodeRecord("garbage")
	assert.Equal(t, types.WarmUnknown, rec.Status)
}

func TestMemStateStoreClaimCAS(t *testing.T) {
	state := NewMemStateStore()
	ctx := context.Background()
	id := "warmbot-0"

	ok, err := state.Claim(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "unknown member cannot be claimed")

	require.NoError(t, state.SetStatus(ctx, id, types.WarmWaiting))
	ok, err = state.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = state.Claim(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")

	require.NoError(t, state.Release(ctx, id))
	ok, err = state.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "released member is claimable again")
}
