package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/settld/go-settle/core"
)

// ErrQueueFull marks a Schedule call against a queue at capacity.
var ErrQueueFull = errors.New("verify: queue is full")

// ErrQueueClosed marks a Schedule call after Stop.
var ErrQueueClosed = errors.New("verify: queue is closed")

type QueueConfig struct {
	Workers    int
	QueueDepth int
	// MaxAttempts bounds execution retries per job. Verification findings
	// are never retried; only worker execution failures are.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Handler receives the terminal result of a job: a parsed outcome, or the
// execution error that exhausted the retry budget.
type Handler func(ctx context.Context, job core.VerifyJob, outcome core.VerificationOutcome, execErr error) error

// Started is invoked once when a worker picks the job up.
type Started func(ctx context.Context, token string) error

// Queue is a bounded in-process verification queue with a fixed worker pool.
// Depth pressure is surfaced to callers immediately instead of blocking the
// upload path.
type Queue struct {
	cfg     QueueConfig
	runner  JobRunner
	handler Handler
	started Started
	logger  core.Logger
	metrics core.MetricsRecorder

	jobs chan core.VerifyJob

	mu     sync.Mutex
	closed bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewQueue(
	cfg QueueConfig,
	runner JobRunner,
	handler Handler,
	started Started,
	logger core.Logger,
	metrics core.MetricsRecorder,
) (*Queue, error) {
	if runner == nil {
		return nil, fmt.Errorf("verify: runner is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("verify: handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers * 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &Queue{
		cfg:     cfg,
		runner:  runner,
		handler: handler,
		started: started,
		logger:  logger,
		metrics: metrics,
		jobs:    make(chan core.VerifyJob, cfg.QueueDepth),
	}, nil
}

// Start launches the worker pool. The workers stop when Stop is called.
func (q *Queue) Start() {
	if q == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop closes intake and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// Schedule enqueues one job. A full queue fails fast.
func (q *Queue) Schedule(ctx context.Context, job core.VerifyJob) error {
	if q == nil {
		return fmt.Errorf("verify: queue is nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.metrics.IncCounter(ctx, "settle.verify_enqueued.total", 1, map[string]string{
			"tenant_id": job.TenantID,
		})
		q.metrics.ObserveHistogram(ctx, "settle.verify_queue_depth", float64(len(q.jobs)), nil)
		return nil
	default:
		q.metrics.IncCounter(ctx, "settle.verify_queue_full.total", 1, map[string]string{
			"tenant_id": job.TenantID,
		})
		return ErrQueueFull
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.process(ctx, job)
	}
}

// process runs one job to a terminal result. Execution failures are retried
// up to MaxAttempts with a fixed delay; a parsed outcome is terminal on the
// first attempt that produces one.
func (q *Queue) process(ctx context.Context, job core.VerifyJob) {
	if q.started != nil {
		if err := q.started(ctx, job.Token); err != nil && q.logger != nil {
			q.logger.Warn("mark run started failed", "token", job.Token, "error", err)
		}
	}

	var outcome core.VerificationOutcome
	var execErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		startedAt := time.Now()
		outcome, execErr = q.runner.Run(ctx, job)
		q.metrics.ObserveHistogram(ctx, "settle.verify_run.duration_ms", float64(time.Since(startedAt).Milliseconds()), map[string]string{
			"tenant_id": job.TenantID,
		})
		if execErr == nil {
			break
		}
		q.metrics.IncCounter(ctx, "settle.verify_exec_failed.total", 1, map[string]string{
			"tenant_id": job.TenantID,
			"timeout":   fmt.Sprintf("%t", errors.Is(execErr, ErrTimeout)),
		})
		if q.logger != nil {
			q.logger.Warn("verification attempt failed",
				"token", job.Token,
				"attempt", attempt,
				"max_attempts", q.cfg.MaxAttempts,
				"error", execErr,
			)
		}
		if attempt < q.cfg.MaxAttempts && q.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.RetryDelay):
			}
		}
	}

	if execErr != nil {
		q.metrics.IncCounter(ctx, "settle.verify_dead.total", 1, map[string]string{
			"tenant_id": job.TenantID,
		})
	}
	if err := q.handler(ctx, job, outcome, execErr); err != nil && q.logger != nil {
		q.logger.Error("verification result handling failed", "token", job.Token, "error", err)
	}
}

var _ core.VerificationScheduler = (*Queue)(nil)
