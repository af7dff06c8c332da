package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/hutchhq/hutch/pkg/warmpool"
)

type fakeDB struct {
	mu        sync.Mutex
	schemas   map[string]bool
	createErr error
}

func newFakeDB() *fakeDB { return &fakeDB{schemas: map[string]bool{}} }

func (f *fakeDB) Create(_ context.Context, schema string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.schemas[schema] = true
	return nil
}

func (f *fakeDB) Drop(_ context.Context, schema string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schemas, schema)
	return nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]bool
	labels     map[string]map[string]string
	startErr   error
	healthErr  error
	removed    []string
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{containers: map[string]bool{}} }

func (f *fakeRuntime) EnsureImage(context.Context, string) error { return nil }

func (f *fakeRuntime) CreateAndStart(_ context.Context, spec *types.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.containers[spec.Name] = true
	return nil
}

func (f *fakeRuntime) WaitHealthy(_ context.Context, _ string, _ time.Duration) error {
	return f.healthErr
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = false
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = true
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) SetLabels(_ context.Context, id string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labels == nil {
		f.labels = map[string]map[string]string{}
	}
	f.labels[id] = labels
	return nil
}

// fakePool hands out one pre-claimed warm container.
type fakePool struct {
	free           string
	activateErr    error
	released       []string
	decommissioned []string
	activated      *warmpool.BotConfig
}

func (f *fakePool) ClaimOne(context.Context) (string, error) {
	id := f.free
	f.free = ""
	return id, nil
}

func (f *fakePool) Activate(_ context.Context, _ string, cfg *warmpool.BotConfig) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = cfg
	return nil
}

func (f *fakePool) Release(_ context.Context, id string) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakePool) Decommission(_ context.Context, id string) error {
	f.decommissioned = append(f.decommissioned, id)
	return nil
}

func testToken(seed string) string {
	return "1234567:" + seed + strings.Repeat("x", 33-len(seed))
}

func testRequest(seed string) types.ProvisionRequest {
	return types.ProvisionRequest{
		BotToken:       testToken(seed),
		OwnerContactID: 42,
		DisplayName:    "Salon " + seed,
		Plan:           types.PlanMonthly,
	}
}

func newTestEngine(t *testing.T, pool Pool) (*Engine, *storage.MemStore, *fakeDB, *fakeRuntime) {
	t.Helper()
	store := storage.NewMemStore()
	reg := registry.New(store, nil, 0)
	db := newFakeDB()
	rt := newFakeRuntime()
	e := NewEngine(reg, db, rt, pool, Options{
		Image:         "registry.local/tenant-bot:stable",
		HealthTimeout: time.Second,
	})
	e.retryInitial = time.Millisecond
	return e, store, db, rt
}

func TestProvisionColdPathSuccess(t *testing.T) {
	e, store, db, rt := newTestEngine(t, nil)

	res := e.Provision(context.Background(), testRequest("a"))
	require.True(t, res.Success, res.ErrorDetail)
	assert.False(t, res.WarmClaim)
	assert.True(t, strings.HasPrefix(res.ContainerID, "tenantbot-"))
	assert.True(t, db.schemas[res.SchemaName])
	assert.True(t, rt.containers[res.ContainerID])

	tn, err := store.GetTenant(context.Background(), res.TenantID)
	require.NoError(t, err)
	assert.True(t, tn.ContainerRunning)
	assert.Contains(t, store.AuditKinds(tn.ID), types.AuditContainerStarted)
}

func TestProvisionDuplicateToken(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.True(t, e.Provision(ctx, testRequest("a")).Success)
	res := e.Provision(ctx, testRequest("a"))
	assert.False(t, res.Success)
	assert.Equal(t, types.FailAlreadyExists, res.Error)
	assert.Empty(t, res.Compensation, "nothing was created, nothing to compensate")
}

func TestProvisionSchemaFailureCompensatesTenantRow(t *testing.T) {
	e, store, db, _ := newTestEngine(t, nil)
	db.createErr = types.NewProvisionError(types.FailSchema, "ddl rejected", assert.AnError)

	res := e.Provision(context.Background(), testRequest("a"))
	require.False(t, res.Success)
	assert.Equal(t, types.FailSchema, res.Error)
	assert.Contains(t, res.Compensation, "tenant row deleted")
	assert.NotContains(t, strings.Join(res.Compensation, " "), "container")

	got, err := store.ListTenants(context.Background(), storage.TenantFilter{})
	require.NoError(t, err)
	assert.Empty(t, got, "tenant row must not survive a failed provision")
}

func TestProvisionContainerFailureFullCompensation(t *testing.T) {
	e, store, db, rt := newTestEngine(t, nil)
	rt.healthErr = types.NewContainerStartError(types.ReasonExitedImmediately, assert.AnError)

	res := e.Provision(context.Background(), testRequest("a"))
	require.False(t, res.Success)
	assert.Equal(t, types.FailContainerStart, res.Error)
	assert.Contains(t, res.ErrorDetail, string(types.ReasonExitedImmediately))
	assert.Equal(t, []string{"container removed", "schema dropped", "tenant row deleted"}, res.Compensation)
	assert.Empty(t, db.schemas)

	got, err := store.ListTenants(context.Background(), storage.TenantFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProvisionFreesPartitionAfterFailure(t *testing.T) {
	e, _, _, rt := newTestEngine(t, nil)
	ctx := context.Background()

	rt.healthErr = types.NewContainerStartError(types.ReasonTimedOut, assert.AnError)
	require.False(t, e.Provision(ctx, testRequest("a")).Success)

	rt.healthErr = nil
	res := e.Provision(ctx, testRequest("b"))
	require.True(t, res.Success)
	assert.Equal(t, 0, res.CachePartition, "failed provision must free its partition")
}

func TestProvisionWarmPath(t *testing.T) {
	pool := &fakePool{free: "warmbot-0"}
	e, store, _, rt := newTestEngine(t, pool)

	res := e.Provision(context.Background(), testRequest("a"))
	require.True(t, res.Success, res.ErrorDetail)
	assert.True(t, res.WarmClaim)
	assert.Equal(t, "warmbot-0", res.ContainerID)
	assert.Empty(t, rt.containers, "warm path starts no new container")

	require.NotNil(t, pool.activated)
	assert.Equal(t, res.TenantID, pool.activated.TenantID)
	assert.Equal(t, res.SchemaName, pool.activated.SchemaName)

	tn, err := store.GetTenant(context.Background(), res.TenantID)
	require.NoError(t, err)
	assert.Equal(t, "warmbot-0", tn.ContainerID)
	assert.True(t, tn.ContainerRunning)

	assert.Equal(t, map[string]string{
		types.LabelTenantID: res.TenantID,
		types.LabelSchema:   res.SchemaName,
		types.LabelPurpose:  types.PurposeTenantBot,
	}, rt.labels["warmbot-0"], "bound warm container carries the tenant labels")
}

func TestProvisionWarmActivationFailureFallsBackCold(t *testing.T) {
	pool := &fakePool{
		free:        "warmbot-0",
		activateErr: types.NewContainerStartError(types.ReasonTimedOut, assert.AnError),
	}
	e, _, _, rt := newTestEngine(t, pool)

	res := e.Provision(context.Background(), testRequest("a"))
	require.True(t, res.Success, res.ErrorDetail)
	assert.False(t, res.WarmClaim)
	assert.Equal(t, []string{"warmbot-0"}, pool.released, "failed claim must be released")
	assert.True(t, rt.containers[res.ContainerID])
}

// failingStore rejects tenant updates, simulating the control-plane
// database going away between activation and binding.
type failingStore struct {
	*storage.MemStore
	updateErr error
}

func (s *failingStore) UpdateTenant(ctx context.Context, id string, mutate func(*types.Tenant) error, audits ...*types.AuditEvent) (*types.Tenant, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.MemStore.UpdateTenant(ctx, id, mutate, audits...)
}

func TestProvisionWarmBindFailureDecommissionsBot(t *testing.T) {
	pool := &fakePool{free: "warmbot-0"}
	store := &failingStore{MemStore: storage.NewMemStore(), updateErr: errors.New("db down")}
	reg := registry.New(store, nil, 0)
	db := newFakeDB()
	rt := newFakeRuntime()
	e := NewEngine(reg, db, rt, pool, Options{
		Image:         "registry.local/tenant-bot:stable",
		HealthTimeout: time.Second,
	})
	e.retryInitial = time.Millisecond

	res := e.Provision(context.Background(), testRequest("a"))
	require.False(t, res.Success)
	assert.Equal(t, types.FailTransient, res.Error)

	// The bot already read the activation config; returning it to the
	// free set would leave it running with the customer's token.
	assert.Equal(t, []string{"warmbot-0"}, pool.decommissioned)
	assert.Empty(t, pool.released)
	assert.Contains(t, res.Compensation, "schema dropped")
	assert.Contains(t, res.Compensation, "tenant row deleted")
	assert.Empty(t, db.schemas)
}

func TestTeardownRemovesEverything(t *testing.T) {
	e, store, db, rt := newTestEngine(t, nil)
	ctx := context.Background()

	res := e.Provision(ctx, testRequest("a"))
	require.True(t, res.Success)

	require.NoError(t, e.Teardown(ctx, res.TenantID, "admin"))
	assert.Empty(t, db.schemas)
	assert.Contains(t, rt.removed, res.ContainerID)

	_, err := store.GetTenant(ctx, res.TenantID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, store.AuditKinds(res.TenantID), types.AuditDeleted)
}

func TestSuspendStopsContainer(t *testing.T) {
	e, _, _, rt := newTestEngine(t, nil)
	ctx := context.Background()

	res := e.Provision(ctx, testRequest("a"))
	require.True(t, res.Success)

	tn, err := e.Suspend(ctx, res.TenantID, "nonpayment")
	require.NoError(t, err)
	assert.Equal(t, types.StateSuspended, tn.State)
	assert.False(t, rt.containers[res.ContainerID])

	_, err = e.Suspend(ctx, res.TenantID, "again")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestReactivateRestartsContainer(t *testing.T) {
	e, _, _, rt := newTestEngine(t, nil)
	ctx := context.Background()

	res := e.Provision(ctx, testRequest("a"))
	require.True(t, res.Success)
	_, err := e.Suspend(ctx, res.TenantID, "nonpayment")
	require.NoError(t, err)

	tn, err := e.Reactivate(ctx, res.TenantID, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, tn.State)
	assert.True(t, tn.ContainerRunning)
	assert.True(t, rt.containers[res.ContainerID])
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)

	calls := 0
	err := e.withRetry(context.Background(), func() error {
		calls++
		return types.NewProvisionError(types.FailInvalidInput, "bad", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent failures must not be retried")

	calls = 0
	err = e.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryCapsTransientAttempts(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)

	calls := 0
	err := e.withRetry(context.Background(), func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls, "a persistently transient error gets five attempts")
}

func TestProvisionRecordsMetrics(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	before := testutil.ToFloat64(metrics.ProvisionsTotal.WithLabelValues("success", "cold"))

	res := e.Provision(context.Background(), testRequest("a"))
	require.True(t, res.Success, res.ErrorDetail)
	assert.Equal(t, before+1,
		testutil.ToFloat64(metrics.ProvisionsTotal.WithLabelValues("success", "cold")))
}

func TestCompensationIncrementsCounter(t *testing.T) {
	e, _, db, _ := newTestEngine(t, nil)
	db.createErr = types.NewProvisionError(types.FailSchema, "ddl rejected", assert.AnError)
	before := testutil.ToFloat64(metrics.CompensationsTotal)

	require.False(t, e.Provision(context.Background(), testRequest("a")).Success)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CompensationsTotal))
}
