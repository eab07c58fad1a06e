package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// queueKey is the Redis list a failed upload attempt is pushed to for a
// later retry; dlqKey is where a job lands once it exhausts maxRetries.
// Adapted from the teacher's pkg/queue (worker:recordings / worker:dlq),
// trimmed to the one job type this module has a use for — the
// email/analytics job types there have no SPEC_FULL.md analog.
const (
	queueKey     = "switchboard:upload-retries"
	dlqKey       = "switchboard:upload-retries:dlq"
	maxRetries   = 3
	retryBackoff = 10 * time.Second
)

// RetryJob is a deferred upload attempt: the same (streamID, backend,
// bucket, recordsDir) a failed `/stream-upload` call already tried once.
type RetryJob struct {
	StreamID   string    `json:"stream_id"`
	Backend    string    `json:"backend"`
	Bucket     string    `json:"bucket"`
	RecordsDir string    `json:"records_dir"`
	Attempt    int       `json:"attempt"`
	QueuedAt   time.Time `json:"queued_at"`
}

// RetryQueue is a Redis-backed queue of failed upload attempts. A nil
// client makes every operation a no-op, so the retry path degrades
// gracefully when Redis isn't configured (same optional-dependency
// posture as internal/metrics and internal/audit).
type RetryQueue struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRetryQueue wraps an existing Redis client. A nil client disables the
// queue; a nil logger is replaced with a no-op logger.
func NewRetryQueue(client *redis.Client, log *zap.Logger) *RetryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryQueue{client: client, log: log}
}

// Enqueue pushes a fresh retry job (attempt 0) after an upload attempt
// fails. A no-op when the queue has no backing Redis client.
func (q *RetryQueue) Enqueue(ctx context.Context, job RetryJob) error {
	if q.client == nil {
		return nil
	}
	job.QueuedAt = time.Now()
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	if err := q.client.RPush(ctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.log.Info("upload retry enqueued", zap.String("stream_id", job.StreamID), zap.String("backend", job.Backend))
	return nil
}

// Dequeue blocks until a retry job is available or ctx is done. Returns
// (nil, nil) when the queue has no backing Redis client or ctx ends first.
func (q *RetryQueue) Dequeue(ctx context.Context) (*RetryJob, error) {
	if q.client == nil {
		<-ctx.Done()
		return nil, nil
	}
	result, err := q.client.BLPop(ctx, 0, queueKey).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job RetryJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.log.Warn("invalid retry job payload", zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// retryOrDLQ re-enqueues job with an incremented attempt count, or moves
// it to the dead-letter list once it has exhausted maxRetries.
func (q *RetryQueue) retryOrDLQ(ctx context.Context, job RetryJob) {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		q.log.Error("marshal retry job", zap.Error(err))
		return
	}
	if job.Attempt >= maxRetries {
		if err := q.client.RPush(ctx, dlqKey, raw).Err(); err != nil {
			q.log.Error("dlq push failed", zap.Error(err), zap.String("stream_id", job.StreamID))
			return
		}
		q.log.Warn("upload retry moved to DLQ", zap.String("stream_id", job.StreamID), zap.Int("attempt", job.Attempt))
		return
	}
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return
	}
	if err := q.client.RPush(ctx, queueKey, raw).Err(); err != nil {
		q.log.Error("re-enqueue retry job failed", zap.Error(err), zap.String("stream_id", job.StreamID))
	}
}

// Worker drains a RetryQueue, re-attempting each job against the named
// backend resolved from a Registry until it succeeds, hits maxRetries, or
// ctx is canceled.
type Worker struct {
	queue    *RetryQueue
	registry *Registry
	log      *zap.Logger
}

// NewWorker builds a retry Worker over queue and registry.
func NewWorker(queue *RetryQueue, registry *Registry, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: queue, registry: registry, log: log}
}

// Run processes retry jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.Warn("upload retry dequeue", zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		w.attempt(ctx, *job)
	}
}

func (w *Worker) attempt(ctx context.Context, job RetryJob) {
	backend, err := w.registry.Resolve(job.Backend)
	if err != nil {
		w.log.Warn("upload retry: unknown backend, dropping", zap.String("backend", job.Backend), zap.String("stream_id", job.StreamID))
		return
	}
	result, err := backend.Upload(ctx, job.StreamID, job.Bucket, job.RecordsDir)
	if err != nil {
		w.log.Warn("upload retry attempt failed", zap.String("stream_id", job.StreamID), zap.Int("attempt", job.Attempt), zap.Error(err))
		w.queue.retryOrDLQ(ctx, job)
		return
	}
	w.log.Info("upload retry succeeded", zap.String("stream_id", job.StreamID), zap.Int("attempt", job.Attempt), zap.Bool("already_running", result.AlreadyRunning))
}
