// Package delivery implements the durable retryable queue for outbound
// notifications. Jobs survive restarts in the backing store; retries back off
// linearly and exhausted jobs move to a dead-letter store for inspection and
// replay.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld/go-settle/core"
)

type Config struct {
	Target         string
	PollInterval   time.Duration
	BackoffStep    time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	DrainLimit     int
}

// Queue owns one delivery target: it enqueues jobs for it and drains them on
// a poll loop. Multiple queues over the same store serve multiple targets.
type Queue struct {
	cfg     Config
	store   core.DeliveryJobStore
	sink    core.DeliverySink
	alarm   *DeadLetterAlarm
	logger  core.Logger
	metrics core.MetricsRecorder

	now func() time.Time

	mu      sync.Mutex
	stopped chan struct{}
	done    chan struct{}
}

func NewQueue(
	cfg Config,
	store core.DeliveryJobStore,
	sink core.DeliverySink,
	alarm *DeadLetterAlarm,
	logger core.Logger,
	metrics core.MetricsRecorder,
) (*Queue, error) {
	if strings.TrimSpace(cfg.Target) == "" {
		return nil, fmt.Errorf("delivery: target is required")
	}
	if store == nil {
		return nil, fmt.Errorf("delivery: job store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("delivery: sink is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 50
	}
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &Queue{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		alarm:   alarm,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (q *Queue) Target() string {
	if q == nil {
		return ""
	}
	return q.cfg.Target
}

// IdempotencyKey derives the stable key for one logical notification. The
// same (token, event, target) always maps to the same key, so re-enqueueing
// after a crash or a duplicate trigger never creates a second job.
func IdempotencyKey(token string, event string, target string) string {
	sum := sha256.Sum256([]byte(token + "|" + event + "|" + target))
	return hex.EncodeToString(sum[:])
}

// EnqueueNotification persists one pending job for this queue's target.
func (q *Queue) EnqueueNotification(ctx context.Context, tenantID string, token string, event string, payload map[string]any) error {
	if q == nil {
		return fmt.Errorf("delivery: queue is nil")
	}
	token = strings.TrimSpace(token)
	event = strings.TrimSpace(event)
	if token == "" || event == "" {
		return fmt.Errorf("delivery: token and event are required")
	}

	now := q.now()
	job := core.DeliveryJob{
		SchemaVersion:  core.DeliveryJobSchemaVersion,
		ID:             uuid.NewString(),
		TenantID:       strings.TrimSpace(tenantID),
		IdempotencyKey: IdempotencyKey(token, event, q.cfg.Target),
		Target:         q.cfg.Target,
		Event:          event,
		Token:          token,
		Payload:        payload,
		AttemptCount:   0,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := q.store.InsertPending(ctx, job)
	if err != nil {
		return fmt.Errorf("delivery: enqueue %s for token %q: %w", event, token, err)
	}
	if !inserted {
		// Duplicate trigger for a job that already exists; nothing to do.
		q.metrics.IncCounter(ctx, "settle.delivery_enqueue_dedup.total", 1, map[string]string{
			"target": q.cfg.Target,
			"event":  event,
		})
		return nil
	}
	q.metrics.IncCounter(ctx, "settle.delivery_enqueued.total", 1, map[string]string{
		"target": q.cfg.Target,
		"event":  event,
	})
	return nil
}

// Start launches the poll loop. Stop shuts it down and waits for the
// in-flight drain to finish.
func (q *Queue) Start() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.stopped != nil {
		q.mu.Unlock()
		return
	}
	q.stopped = make(chan struct{})
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.loop()
}

func (q *Queue) Stop() {
	if q == nil {
		return
	}
	q.mu.Lock()
	stopped, done := q.stopped, q.done
	q.mu.Unlock()
	if stopped == nil {
		return
	}
	select {
	case <-stopped:
	default:
		close(stopped)
	}
	<-done
}

func (q *Queue) loop() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopped:
			return
		case <-ticker.C:
			if _, err := q.Drain(context.Background()); err != nil && q.logger != nil {
				q.logger.Error("delivery drain failed", "target", q.cfg.Target, "error", err)
			}
		}
	}
}

// Drain attempts every due pending job once, up to the drain limit. It
// returns how many jobs were attempted.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	if q == nil {
		return 0, fmt.Errorf("delivery: queue is nil")
	}
	due, err := q.store.DuePending(ctx, q.cfg.Target, q.now(), q.cfg.DrainLimit)
	if err != nil {
		return 0, fmt.Errorf("delivery: load due jobs: %w", err)
	}
	for _, job := range due {
		q.attempt(ctx, job)
	}
	if q.alarm != nil {
		counts, err := q.store.DeadLetterCounts(ctx, q.cfg.Target)
		if err != nil {
			if q.logger != nil {
				q.logger.Warn("dead-letter count check failed", "target", q.cfg.Target, "error", err)
			}
		} else {
			q.alarm.Observe(ctx, counts)
		}
	}
	return len(due), nil
}

// attempt runs one delivery attempt and persists the outcome: done, retry
// with linear backoff, or dead-letter at the attempt ceiling.
func (q *Queue) attempt(ctx context.Context, job core.DeliveryJob) {
	attemptCtx := ctx
	cancel := func() {}
	if q.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	}
	result := q.sink.Deliver(attemptCtx, q.cfg.Target, job)
	cancel()

	job.AttemptCount++
	job.UpdatedAt = q.now()

	if result.OK {
		if err := q.store.CompletePending(ctx, job.ID); err != nil && q.logger != nil {
			q.logger.Error("delivery completion failed", "target", q.cfg.Target, "job_id", job.ID, "error", err)
		}
		q.metrics.IncCounter(ctx, "settle.delivery_delivered.total", 1, map[string]string{
			"target": q.cfg.Target,
			"event":  job.Event,
		})
		return
	}

	job.LastError = result.Error
	if job.LastError == "" && result.StatusCode != 0 {
		job.LastError = fmt.Sprintf("status %d", result.StatusCode)
	}

	if job.AttemptCount >= q.cfg.MaxAttempts {
		if err := q.store.MoveToDeadLetter(ctx, job); err != nil {
			if q.logger != nil {
				q.logger.Error("dead-letter move failed", "target", q.cfg.Target, "job_id", job.ID, "error", err)
			}
			return
		}
		q.metrics.IncCounter(ctx, "settle.delivery_dead_letter.total", 1, map[string]string{
			"target":    q.cfg.Target,
			"tenant_id": job.TenantID,
		})
		if q.logger != nil {
			q.logger.Error("delivery exhausted",
				"target", q.cfg.Target,
				"token", job.Token,
				"event", job.Event,
				"attempts", job.AttemptCount,
				"last_error", job.LastError,
			)
		}
		return
	}

	// Linear backoff: the wait grows by one step per completed attempt.
	job.NextAttemptAt = q.now().Add(q.cfg.BackoffStep * time.Duration(job.AttemptCount))
	if err := q.store.UpdatePending(ctx, job); err != nil && q.logger != nil {
		q.logger.Error("delivery reschedule failed", "target", q.cfg.Target, "job_id", job.ID, "error", err)
	}
	q.metrics.IncCounter(ctx, "settle.delivery_retry.total", 1, map[string]string{
		"target": q.cfg.Target,
		"event":  job.Event,
	})
}

// Replay moves one dead-letter job back to pending. With resetAttempts the
// job restarts its retry budget; otherwise one more attempt is granted.
func (q *Queue) Replay(ctx context.Context, idempotencyKey string, resetAttempts bool) (core.DeliveryJob, error) {
	if q == nil {
		return core.DeliveryJob{}, fmt.Errorf("delivery: queue is nil")
	}
	job, err := q.store.Replay(ctx, strings.TrimSpace(idempotencyKey), resetAttempts, q.now())
	if err != nil {
		return core.DeliveryJob{}, fmt.Errorf("delivery: replay %q: %w", idempotencyKey, err)
	}
	q.metrics.IncCounter(ctx, "settle.delivery_replayed.total", 1, map[string]string{
		"target": q.cfg.Target,
	})
	return job, nil
}

var _ core.NotificationEnqueuer = (*Queue)(nil)
