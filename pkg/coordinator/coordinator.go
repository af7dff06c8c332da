package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

// JobQueue is the queue surface the coordinator needs.
type JobQueue interface {
	Submit(ctx context.Context, job *types.ProvisionJob) error
	Pop(ctx context.Context, wait time.Duration) (*types.ProvisionJob, error)
	StoreResult(ctx context.Context, jobID string, res *types.ProvisionResult) error
}

// Runner executes one provisioning request.
type Runner interface {
	Provision(ctx context.Context, req types.ProvisionRequest) *types.ProvisionResult
}

// Options tunes the worker pool.
type Options struct {
	Concurrency int
	PopWait     time.Duration
	MaxAttempts int
}

// Coordinator consumes the provisioning queue with a bounded worker
// pool. Delivery is at least once: each claimed job is journaled before
// execution and the journal is drained back into the queue on startup,
// so a crash mid-job resubmits rather than loses it.
type Coordinator struct {
	queue   JobQueue
	runner  Runner
	journal *Journal
	broker  *events.Broker
	opts    Options
	logger  zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(queue JobQueue, runner Runner, journal *Journal, broker *events.Broker, opts Options) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PopWait <= 0 {
		opts.PopWait = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Coordinator{
		queue:   queue,
		runner:  runner,
		journal: journal,
		broker:  broker,
		opts:    opts,
		logger:  log.WithComponent("coordinator"),
		stopCh:  make(chan struct{}),
	}
}

// NewJob wraps a request into a pending job with a fresh ID.
func NewJob(req types.ProvisionRequest) *types.ProvisionJob {
	return &types.ProvisionJob{
		ID:          uuid.New().String(),
		RequestedAt: time.Now().UTC(),
		Input:       req,
		Status:      types.JobPending,
		Attempt:     1,
	}
}

// Start recovers orphaned jobs and launches the worker pool.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return err
	}
	for i := 0; i < c.opts.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.logger.Info().Int("workers", c.opts.Concurrency).Msg("coordinator started")
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// recover requeues every journaled job left behind by a crash. The
// journal is only written between claim and completion, so at startup
// any entry is an interrupted job.
func (c *Coordinator) recover(ctx context.Context) error {
	orphans, err := c.journal.Orphans()
	if err != nil {
		return err
	}
	for _, job := range orphans {
		job.Status = types.JobPending
		job.Attempt++
		if err := c.queue.Submit(ctx, job); err != nil {
			return err
		}
		if err := c.journal.Complete(job.ID); err != nil {
			return err
		}
		c.logger.Warn().Str("job_id", job.ID).Int("attempt", job.Attempt).
			Msg("requeued job interrupted by restart")
	}
	return nil
}

func (c *Coordinator) worker(ctx context.Context, n int) {
	defer c.wg.Done()
	logger := c.logger.With().Int("worker", n).Logger()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.queue.Pop(ctx, c.opts.PopWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("failed to pop job")
			continue
		}
		if job == nil {
			continue
		}
		c.process(ctx, job, logger)
	}
}

func (c *Coordinator) process(ctx context.Context, job *types.ProvisionJob, logger zerolog.Logger) {
	logger = logger.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	job.Status = types.JobRunning
	job.StartedAt = time.Now().UTC()
	if err := c.journal.Record(job); err != nil {
		logger.Error().Err(err).Msg("failed to journal job")
	}

	res := c.runner.Provision(ctx, job.Input)

	if !res.Success && c.shouldRetry(res, job) {
		job.Status = types.JobPending
		job.Attempt++
		if err := c.queue.Submit(context.WithoutCancel(ctx), job); err != nil {
			logger.Error().Err(err).Msg("failed to requeue job, storing failure instead")
			c.finish(ctx, job, res, logger)
			return
		}
		if err := c.journal.Complete(job.ID); err != nil {
			logger.Error().Err(err).Msg("failed to clear journal entry")
		}
		metrics.JobRetriesTotal.Inc()
		logger.Warn().Str("error", string(res.Error)).Msg("transient failure, job requeued")
		return
	}

	c.finish(ctx, job, res, logger)
}

func (c *Coordinator) shouldRetry(res *types.ProvisionResult, job *types.ProvisionJob) bool {
	return res.Error == types.FailTransient && job.Attempt < c.opts.MaxAttempts
}

func (c *Coordinator) finish(ctx context.Context, job *types.ProvisionJob, res *types.ProvisionResult, logger zerolog.Logger) {
	// Result first, journal second: a crash between the two re-runs the
	// job, it never loses the outcome.
	ctx = context.WithoutCancel(ctx)
	if err := c.queue.StoreResult(ctx, job.ID, res); err != nil {
		logger.Error().Err(err).Msg("failed to store job result")
	}
	if err := c.journal.Complete(job.ID); err != nil {
		logger.Error().Err(err).Msg("failed to clear journal entry")
	}

	if res.Success {
		logger.Info().Str("tenant_id", res.TenantID).Bool("warm_claim", res.WarmClaim).
			Msg("job completed")
	} else {
		logger.Error().Str("error", string(res.Error)).Str("detail", res.ErrorDetail).
			Msg("job failed")
	}
	if c.broker != nil {
		evType := events.EventJobCompleted
		msg := "your booking bot is ready"
		if !res.Success {
			evType = events.EventJobFailed
			msg = "provisioning failed: " + string(res.Error)
		}
		c.broker.Publish(&events.Event{
			Type:           evType,
			TenantID:       res.TenantID,
			OwnerContactID: job.Input.OwnerContactID,
			Message:        msg,
			Metadata:       map[string]string{"job_id": job.ID},
		})
	}
}
