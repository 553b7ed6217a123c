// Package worker runs pipeline jobs from Redis list queues.
//
// The API enqueues one JSON job per background task; workers block on the
// queues in priority order and hand each job to the pipeline. A worker
// prefetches nothing beyond the job it is running, so a crashed worker loses
// at most one job and horizontal scaling is a matter of starting more
// processes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/cantara/internal/fault"
	"github.com/MrWong99/cantara/internal/observe"
)

// Queue names, highest priority first. GPU-heavy jobs (separation plus
// accurate pitch) must not starve behind cheap ones.
const (
	QueueGPUHeavy = "gpu-heavy"
	QueueGPU      = "gpu"
	QueueDefault  = "default"
)

// Job types.
const (
	JobPrepareReference = "prepare_reference"
	JobAnalyze          = "analyze"
)

const (
	queuePrefix = "queue:"

	// taskTimeout is the wall clock for one job including retries.
	taskTimeout = 10 * time.Minute

	// popBlock bounds one BRPOP so shutdown is noticed promptly.
	popBlock = 5 * time.Second

	// maxAttempts and the retry window for retryable faults.
	maxAttempts   = 3
	retryMinDelay = 30 * time.Second
	retryMaxDelay = 120 * time.Second
)

// Job is the unit of work on the wire.
type Job struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id,omitempty"`
	RefID      string    `json:"ref_id,omitempty"`
	SourceURL  string    `json:"source_url,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Pipeline is the job executor. Satisfied by *pipeline.Pipeline.
type Pipeline interface {
	PrepareReference(ctx context.Context, sessionID, refID, sourceURL string) error
	Analyze(ctx context.Context, sessionID, taskID string) error
}

// Enqueue pushes a job onto a queue. The producer side is a single call so
// the HTTP handlers stay free of queue mechanics.
func Enqueue(ctx context.Context, rdb redis.UniversalClient, queue string, job *Job) error {
	if job.Type == "" || job.SessionID == "" {
		return fmt.Errorf("worker: enqueue: incomplete job: %w", fault.ErrValidation)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("worker: marshal job: %w", err)
	}
	if err := rdb.LPush(ctx, queuePrefix+queue, raw).Err(); err != nil {
		return fmt.Errorf("worker: enqueue %s: %w", queue, err)
	}
	return nil
}

// QueueDepth reports the number of waiting jobs on a queue.
func QueueDepth(ctx context.Context, rdb redis.UniversalClient, queue string) (int64, error) {
	n, err := rdb.LLen(ctx, queuePrefix+queue).Result()
	if err != nil {
		return 0, fmt.Errorf("worker: depth %s: %w", queue, err)
	}
	return n, nil
}

// Worker consumes jobs from a fixed set of queues.
type Worker struct {
	rdb      redis.UniversalClient
	pipeline Pipeline
	queues   []string
	log      *slog.Logger
	metrics  *observe.Metrics

	timeout time.Duration
	block   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	rng     *rand.Rand
}

// Option configures a Worker.
type Option func(*Worker)

// WithQueues overrides the consumed queues, highest priority first.
func WithQueues(queues ...string) Option {
	return func(w *Worker) { w.queues = queues }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// withClocks compresses the job timeout and pop block. Test hook.
func withClocks(timeout, block time.Duration) Option {
	return func(w *Worker) {
		w.timeout = timeout
		w.block = block
	}
}

// withSleep replaces the retry sleep. Test hook.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) { w.sleep = sleep }
}

// New creates a Worker over the given Redis client and pipeline.
func New(rdb redis.UniversalClient, p Pipeline, opts ...Option) (*Worker, error) {
	if rdb == nil || p == nil {
		return nil, errors.New("worker: redis client and pipeline are required")
	}
	w := &Worker{
		rdb:      rdb,
		pipeline: p,
		queues:   []string{QueueGPUHeavy, QueueGPU, QueueDefault},
		timeout:  taskTimeout,
		block:    popBlock,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default().With("component", "worker")
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	if w.sleep == nil {
		w.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return w, nil
}

// Run consumes jobs until the context is cancelled. One job at a time; the
// caller decides how many Run loops to start.
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = queuePrefix + q
	}
	w.log.Info("worker started", "queues", w.queues)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := w.rdb.BRPop(ctx, w.block, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("queue pop failed", "error", err)
			if serr := w.sleep(ctx, time.Second); serr != nil {
				return serr
			}
			continue
		}
		// BRPOP yields [key, value].
		queue := res[0][len(queuePrefix):]
		w.handle(ctx, queue, []byte(res[1]))
	}
}

// handle decodes and executes one job, retrying retryable faults with a
// jittered delay. Errors never propagate to the Run loop; a failed job is
// logged and counted, and the pipeline has already marked the session.
func (w *Worker) handle(ctx context.Context, queue string, raw []byte) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		w.log.Error("undecodable job dropped", "queue", queue, "error", err)
		w.metrics.RecordTask(ctx, queue, "malformed")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	log := w.log.With("queue", queue, "type", job.Type, "session_id", job.SessionID)

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = w.execute(jobCtx, &job)
		if err == nil {
			break
		}
		if attempt == maxAttempts || !fault.Retryable(err) {
			break
		}
		delay := retryMinDelay + time.Duration(w.rng.Int63n(int64(retryMaxDelay-retryMinDelay)))
		log.Warn("job failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		w.metrics.RecordTask(jobCtx, queue, "retry")
		if serr := w.sleep(jobCtx, delay); serr != nil {
			err = fmt.Errorf("worker: retry wait: %w", serr)
			break
		}
	}

	if err != nil {
		log.Error("job failed", "error", err)
		w.metrics.RecordTask(ctx, queue, "error")
		return
	}
	log.Info("job done", "elapsed", time.Since(job.EnqueuedAt).Round(time.Millisecond))
	w.metrics.RecordTask(ctx, queue, "ok")
}

func (w *Worker) execute(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobPrepareReference:
		return w.pipeline.PrepareReference(ctx, job.SessionID, job.RefID, job.SourceURL)
	case JobAnalyze:
		return w.pipeline.Analyze(ctx, job.SessionID, job.TaskID)
	default:
		return fmt.Errorf("worker: unknown job type %q: %w", job.Type, fault.ErrValidation)
	}
}
