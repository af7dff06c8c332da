package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

// chanQueue is an in-memory JobQueue over a buffered channel.
type chanQueue struct {
	mu      sync.Mutex
	jobs    chan *types.ProvisionJob
	results map[string]*types.ProvisionResult
}

func newChanQueue() *chanQueue {
	return &chanQueue{
		jobs:    make(chan *types.ProvisionJob, 100),
		results: map[string]*types.ProvisionResult{},
	}
}

func (q *chanQueue) Submit(_ context.Context, job *types.ProvisionJob) error {
	q.jobs <- job
	return nil
}

func (q *chanQueue) Pop(ctx context.Context, wait time.Duration) (*types.ProvisionJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-time.After(wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *chanQueue) StoreResult(_ context.Context, jobID string, res *types.ProvisionResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[jobID] = res
	return nil
}

func (q *chanQueue) result(jobID string) *types.ProvisionResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.results[jobID]
}

// scriptedRunner returns canned results in order, then succeeds.
type scriptedRunner struct {
	mu     sync.Mutex
	script []*types.ProvisionResult
	calls  int
}

func (r *scriptedRunner) Provision(_ context.Context, _ types.ProvisionRequest) *types.ProvisionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.script) > 0 {
		res := r.script[0]
		r.script = r.script[1:]
		return res
	}
	return &types.ProvisionResult{Success: true, TenantID: "t1", CompletedAt: time.Now().UTC()}
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func testRequest() types.ProvisionRequest {
	return types.ProvisionRequest{
		BotToken:       "1234567:abcdefghijklmnopqrstuvwxyz0123456",
		OwnerContactID: 42,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCoordinatorProcessesJob(t *testing.T) {
	q := newChanQueue()
	runner := &scriptedRunner{}
	c := New(q, runner, openTestJournal(t), nil, Options{Concurrency: 2, PopWait: 50 * time.Millisecond})

	job := NewJob(testRequest())
	require.NoError(t, q.Submit(context.Background(), job))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	waitFor(t, func() bool { return q.result(job.ID) != nil })
	res := q.result(job.ID)
	assert.True(t, res.Success)

	orphans, err := c.journal.Orphans()
	require.NoError(t, err)
	assert.Empty(t, orphans, "finished job must leave the journal")
}

func TestCoordinatorRetriesTransientFailures(t *testing.T) {
	q := newChanQueue()
	runner := &scriptedRunner{script: []*types.ProvisionResult{
		{Success: false, Error: types.FailTransient, ErrorDetail: "db down"},
		{Success: false, Error: types.FailTransient, ErrorDetail: "db down"},
	}}
	c := New(q, runner, openTestJournal(t), nil, Options{Concurrency: 1, PopWait: 50 * time.Millisecond, MaxAttempts: 5})
	retriesBefore := testutil.ToFloat64(metrics.JobRetriesTotal)

	job := NewJob(testRequest())
	require.NoError(t, q.Submit(context.Background(), job))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	waitFor(t, func() bool { return q.result(job.ID) != nil })
	assert.True(t, q.result(job.ID).Success)
	assert.Equal(t, 3, runner.callCount())
	assert.Equal(t, retriesBefore+2, testutil.ToFloat64(metrics.JobRetriesTotal))
}

func TestCoordinatorDoesNotRetryPermanentFailures(t *testing.T) {
	q := newChanQueue()
	runner := &scriptedRunner{script: []*types.ProvisionResult{
		{Success: false, Error: types.FailAlreadyExists, ErrorDetail: "duplicate token"},
	}}
	c := New(q, runner, openTestJournal(t), nil, Options{Concurrency: 1, PopWait: 50 * time.Millisecond})

	job := NewJob(testRequest())
	require.NoError(t, q.Submit(context.Background(), job))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	waitFor(t, func() bool { return q.result(job.ID) != nil })
	assert.Equal(t, types.FailAlreadyExists, q.result(job.ID).Error)
	assert.Equal(t, 1, runner.callCount())
}

func TestCoordinatorGivesUpAfterMaxAttempts(t *testing.T) {
	q := newChanQueue()
	runner := &scriptedRunner{script: []*types.ProvisionResult{
		{Success: false, Error: types.FailTransient},
		{Success: false, Error: types.FailTransient},
		{Success: false, Error: types.FailTransient},
	}}
	c := New(q, runner, openTestJournal(t), nil, Options{Concurrency: 1, PopWait: 50 * time.Millisecond, MaxAttempts: 3})

	job := NewJob(testRequest())
	require.NoError(t, q.Submit(context.Background(), job))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	waitFor(t, func() bool { return q.result(job.ID) != nil })
	assert.Equal(t, types.FailTransient, q.result(job.ID).Error)
	assert.Equal(t, 3, runner.callCount(), "attempts are capped")
}

func TestRecoverRequeuesOrphanedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	// First process claims a job and "crashes" before finishing.
	j1, err := OpenJournal(path)
	require.NoError(t, err)
	job := NewJob(testRequest())
	job.Status = types.JobRunning
	require.NoError(t, j1.Record(job))
	require.NoError(t, j1.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	defer j2.Close()

	q := newChanQueue()
	runner := &scriptedRunner{}
	c := New(q, runner, j2, nil, Options{Concurrency: 1, PopWait: 50 * time.Millisecond})
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	waitFor(t, func() bool { return q.result(job.ID) != nil })
	assert.True(t, q.result(job.ID).Success)

	orphans, err := j2.Orphans()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestNewJobDefaults(t *testing.T) {
	job := NewJob(testRequest())
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.False(t, job.RequestedAt.IsZero())
}
