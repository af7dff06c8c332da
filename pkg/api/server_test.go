package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

type fakeProvisioner struct {
	result    *types.ProvisionResult
	tornDown  []string
	suspended []string
}

func (f *fakeProvisioner) Provision(_ context.Context, req types.ProvisionRequest) *types.ProvisionResult {
	if f.result != nil {
		return f.result
	}
	return &types.ProvisionResult{Success: true, TenantID: "t-" + req.BotToken[:7]}
}

func (f *fakeProvisioner) Teardown(_ context.Context, tenantID, _ string) error {
	f.tornDown = append(f.tornDown, tenantID)
	return nil
}

func (f *fakeProvisioner) Suspend(_ context.Context, tenantID, _ string) (*types.Tenant, error) {
	f.suspended = append(f.suspended, tenantID)
	return &types.Tenant{ID: tenantID, State: types.StateSuspended}, nil
}

func (f *fakeProvisioner) Reactivate(_ context.Context, tenantID string, _ time.Duration) (*types.Tenant, error) {
	return &types.Tenant{ID: tenantID, State: types.StateActive}, nil
}

func (f *fakeProvisioner) Restart(_ context.Context, tenantID string) (*types.Tenant, error) {
	return &types.Tenant{ID: tenantID, ContainerRunning: true}, nil
}

type fakeJobStore struct {
	submitted []*types.ProvisionJob
	results   map[string]*types.ProvisionResult
}

func (f *fakeJobStore) Submit(_ context.Context, job *types.ProvisionJob) error {
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakeJobStore) Result(_ context.Context, jobID string) (*types.ProvisionResult, error) {
	res, ok := f.results[jobID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return res, nil
}

func (f *fakeJobStore) Depth(context.Context) (int64, error) { return int64(len(f.submitted)), nil }

type fakeInspector struct{}

func (fakeInspector) Stats(_ context.Context, containerID string) (*types.ContainerStats, error) {
	return &types.ContainerStats{Status: "running", MemoryBytes: 1 << 20}, nil
}

func (fakeInspector) Logs(_ context.Context, _ string, tail int) ([]string, error) {
	return []string{"bot started"}, nil
}

type fakeCluster struct {
	leader bool
	voters []string
}

func (c *fakeCluster) IsLeader() bool { return c.leader }
func (c *fakeCluster) Leader() string { return "10.0.0.1:7300" }
func (c *fakeCluster) AddVoter(nodeID, _ string) error {
	c.voters = append(c.voters, nodeID)
	return nil
}
func (c *fakeCluster) Stats() map[string]string { return map[string]string{"state": "Follower"} }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func testToken(seed string) string {
	return "1234567:" + seed + strings.Repeat("x", 33-len(seed))
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *fakeProvisioner, *fakeJobStore) {
	t.Helper()
	store := storage.NewMemStore()
	reg := registry.New(store, nil, 0)
	prov := &fakeProvisioner{}
	jobs := &fakeJobStore{results: make(map[string]*types.ProvisionResult)}
	return NewServer(reg, prov, jobs, fakeInspector{}, nil, nil, okPinger{}), reg, prov, jobs
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateTenantSynchronous(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	h := s.Router()

	w := doJSON(t, h, http.MethodPost, "/v1/tenants", map[string]any{
		"bot_token":        testToken("api"),
		"owner_contact_id": 42,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var res types.ProvisionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TenantID)
}

func TestCreateTenantRejectsUnknownFields(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/v1/tenants", map[string]any{
		"bot_token":        testToken("api"),
		"owner_contact_id": 42,
		"bogus_field":      true,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTenantFailureStatusFollowsKind(t *testing.T) {
	s, _, prov, _ := newTestServer(t)
	prov.result = &types.ProvisionResult{
		Success: false,
		Error:   types.FailAlreadyExists,
	}
	w := doJSON(t, s.Router(), http.MethodPost, "/v1/tenants", map[string]any{
		"bot_token":        testToken("dup"),
		"owner_contact_id": 42,
	})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestGetTenantRedactsToken(t *testing.T) {
	s, reg, _, _ := newTestServer(t)
	tenant, err := reg.Register(context.Background(), registry.RegisterParams{
		BotToken:       testToken("sec"),
		OwnerContactID: 7,
	})
	require.NoError(t, err)

	w := doJSON(t, s.Router(), http.MethodGet, "/v1/tenants/"+tenant.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), testToken("sec"))

	var got types.Tenant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, tenant.ID, got.ID)
}

func TestGetTenantNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodGet, "/v1/tenants/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTenantsFiltersByState(t *testing.T) {
	s, reg, _, _ := newTestServer(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, registry.RegisterParams{BotToken: testToken("one"), OwnerContactID: 1})
	require.NoError(t, err)
	_, err = reg.Register(ctx, registry.RegisterParams{BotToken: testToken("two"), OwnerContactID: 2, Trial: true})
	require.NoError(t, err)

	w := doJSON(t, s.Router(), http.MethodGet, "/v1/tenants?state=trial", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tenants []*types.Tenant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tenants))
	require.Len(t, tenants, 1)
	assert.Equal(t, types.StateTrial, tenants[0].State)
}

func TestDeleteTenant(t *testing.T) {
	s, reg, prov, _ := newTestServer(t)
	tenant, err := reg.Register(context.Background(), registry.RegisterParams{
		BotToken:       testToken("del"),
		OwnerContactID: 3,
	})
	require.NoError(t, err)

	w := doJSON(t, s.Router(), http.MethodDelete, "/v1/tenants/"+tenant.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{tenant.ID}, prov.tornDown)
}

func TestSubmitJobReturnsJobID(t *testing.T) {
	s, _, _, jobs := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/v1/jobs", map[string]any{
		"bot_token":        testToken("job"),
		"owner_contact_id": 9,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, "pending", body["status"])
	require.Len(t, jobs.submitted, 1)
	assert.Equal(t, body["job_id"], jobs.submitted[0].ID)
}

func TestSubmitJobRejectsBadToken(t *testing.T) {
	s, _, _, jobs := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/v1/jobs", map[string]any{
		"bot_token":        "not-a-token",
		"owner_contact_id": 9,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, jobs.submitted)
}

func TestJobResultLifecycle(t *testing.T) {
	s, _, _, jobs := newTestServer(t)
	h := s.Router()

	w := doJSON(t, h, http.MethodGet, "/v1/jobs/unknown", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	jobs.results["j1"] = &types.ProvisionResult{Success: true, TenantID: "t1"}
	w = doJSON(t, h, http.MethodGet, "/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res types.ProvisionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "t1", res.TenantID)
}

func TestExtendTenantByDays(t *testing.T) {
	s, reg, _, _ := newTestServer(t)
	tenant, err := reg.Register(context.Background(), registry.RegisterParams{
		BotToken:       testToken("ext"),
		OwnerContactID: 5,
	})
	require.NoError(t, err)
	before := tenant.ExpiresAt

	w := doJSON(t, s.Router(), http.MethodPost, "/v1/tenants/"+tenant.ID+"/extend", map[string]any{
		"days": 10,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var got types.Tenant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, before.Add(10*24*time.Hour), got.ExpiresAt)
}

func TestRecordPaymentExtendsSubscription(t *testing.T) {
	s, reg, _, _ := newTestServer(t)
	tenant, err := reg.Register(context.Background(), registry.RegisterParams{
		BotToken:       testToken("pay"),
		OwnerContactID: 6,
	})
	require.NoError(t, err)

	w := doJSON(t, s.Router(), http.MethodPost, "/v1/tenants/"+tenant.ID+"/payments", map[string]any{
		"amount_minor": 4990,
		"currency":     "USD",
		"method":       "card",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var got types.Tenant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.ExpiresAt.After(tenant.ExpiresAt))
}

func TestRecordPaymentRejectsNonPositiveAmount(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/v1/tenants/any/payments", map[string]any{
		"amount_minor": 0,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTenantStats(t *testing.T) {
	s, reg, _, _ := newTestServer(t)
	tenant, err := reg.Register(context.Background(), registry.RegisterParams{
		BotToken:       testToken("sts"),
		OwnerContactID: 8,
	})
	require.NoError(t, err)

	w := doJSON(t, s.Router(), http.MethodGet, "/v1/tenants/"+tenant.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats types.ContainerStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "running", stats.Status)
}

func TestPoolStatusDisabled(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodGet, "/v1/pool", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLeaderGateRejectsMutationsOnStandby(t *testing.T) {
	store := storage.NewMemStore()
	reg := registry.New(store, nil, 0)
	cluster := &fakeCluster{leader: false}
	s := NewServer(reg, &fakeProvisioner{}, &fakeJobStore{}, fakeInspector{}, nil, cluster, okPinger{})
	h := s.Router()

	w := doJSON(t, h, http.MethodPost, "/v1/tenants", map[string]any{
		"bot_token":        testToken("gtd"),
		"owner_contact_id": 1,
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "10.0.0.1:7300", body["leader"])

	// Reads still work on a standby.
	w = doJSON(t, h, http.MethodGet, "/v1/tenants", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestClusterJoin(t *testing.T) {
	store := storage.NewMemStore()
	reg := registry.New(store, nil, 0)
	cluster := &fakeCluster{leader: true}
	s := NewServer(reg, &fakeProvisioner{}, &fakeJobStore{}, fakeInspector{}, nil, cluster, okPinger{})

	w := doJSON(t, s.Router(), http.MethodPost, "/v1/cluster/join", map[string]any{
		"node_id": "node-2",
		"address": "10.0.0.2:7300",
	})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"node-2"}, cluster.voters)
}

func TestHealthEndpoints(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	h := s.Router()

	w := doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
