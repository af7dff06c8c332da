package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/types"
)

// envelopeVersion guards against mixed-version deployments: a worker
// refuses payloads written by a format it does not know.
const envelopeVersion = 1

type envelope struct {
	Version int                 `json:"version"`
	Job     *types.ProvisionJob `json:"job"`
}

// Queue is the Redis-backed provisioning job queue plus its result
// store. Submission is LPUSH, consumption is blocking BRPOP, so jobs
// survive control-plane restarts and are handed to exactly one worker
// at a time.
type Queue struct {
	rdb       *redis.Client
	prefix    string
	resultTTL time.Duration
	logger    zerolog.Logger
}

// New creates a Queue on the given client. prefix namespaces all keys.
func New(rdb *redis.Client, prefix string, resultTTL time.Duration) *Queue {
	if prefix == "" {
		prefix = "hutch"
	}
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &Queue{
		rdb:       rdb,
		prefix:    prefix,
		resultTTL: resultTTL,
		logger:    log.WithComponent("queue"),
	}
}

func (q *Queue) queueKey() string {
	return q.prefix + ":deploy_queue"
}

func (q *Queue) resultKey(jobID string) string {
	return q.prefix + ":deploy_results:" + jobID
}

// Submit enqueues a provisioning job.
func (q *Queue) Submit(ctx context.Context, job *types.ProvisionJob) error {
	payload, err := json.Marshal(envelope{Version: envelopeVersion, Job: job})
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := q.rdb.LPush(ctx, q.queueKey(), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	q.logger.Info().Str("job_id", job.ID).Msg("job enqueued")
	return nil
}

// Pop blocks up to wait for the next job. A nil job with nil error
// means the wait elapsed with an empty queue.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (*types.ProvisionJob, error) {
	vals, err := q.rdb.BRPop(ctx, wait, q.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(vals))
	}

	return decodeJob([]byte(vals[1]))
}

func decodeJob(payload []byte) (*types.ProvisionJob, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported job envelope version %d", env.Version)
	}
	if env.Job == nil || env.Job.ID == "" {
		return nil, fmt.Errorf("job payload missing id")
	}
	return env.Job, nil
}

// StoreResult writes the job result with the configured TTL.
func (q *Queue) StoreResult(ctx context.Context, jobID string, res *types.ProvisionResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result for job %s: %w", jobID, err)
	}
	if err := q.rdb.Set(ctx, q.resultKey(jobID), payload, q.resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", jobID, err)
	}
	return nil
}

// Result fetches a stored job result. Unknown or expired job IDs return
// types.ErrNotFound.
func (q *Queue) Result(ctx context.Context, jobID string) (*types.ProvisionResult, error) {
	payload, err := q.rdb.Get(ctx, q.resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read result for job %s: %w", jobID, err)
	}
	var res types.ProvisionResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("failed to decode result for job %s: %w", jobID, err)
	}
	return &res, nil
}

// Depth returns the number of jobs waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}
