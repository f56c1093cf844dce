package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// RunStore persists per-token run metadata. On-disk state is the sole source
// of truth; no in-memory view survives a restart.
type RunStore interface {
	Create(ctx context.Context, meta RunMeta) (RunMeta, error)
	Get(ctx context.Context, token string) (RunMeta, error)
	Update(ctx context.Context, meta RunMeta) (RunMeta, error)
}

// DedupIndexStore persists the (tenant, content hash) -> token mapping.
// Reserve inserts the entry if absent; when another writer got there first it
// returns the existing entry with existed=true instead of failing.
type DedupIndexStore interface {
	Lookup(ctx context.Context, tenantID string, contentHash string) (DedupEntry, bool, error)
	Reserve(ctx context.Context, entry DedupEntry) (DedupEntry, bool, error)
}

// DeliveryJobStore persists retryable delivery jobs across the pending and
// dead-letter stores. A job is present in at most one of the two.
type DeliveryJobStore interface {
	// InsertPending persists a new pending job. When the idempotency key
	// already exists in either store the job is not duplicated and
	// inserted=false is returned.
	InsertPending(ctx context.Context, job DeliveryJob) (inserted bool, err error)
	DuePending(ctx context.Context, target string, now time.Time, limit int) ([]DeliveryJob, error)
	UpdatePending(ctx context.Context, job DeliveryJob) error
	CompletePending(ctx context.Context, id string) error
	// MoveToDeadLetter removes the job from pending and inserts it into the
	// dead-letter store in one transaction.
	MoveToDeadLetter(ctx context.Context, job DeliveryJob) error
	GetDeadLetter(ctx context.Context, idempotencyKey string) (DeliveryJob, error)
	// Replay removes a dead-letter job and re-creates a pending job under the
	// same idempotency key.
	Replay(ctx context.Context, idempotencyKey string, resetAttempts bool, nextAttemptAt time.Time) (DeliveryJob, error)
	// DeadLetterCounts returns dead-letter counts keyed by (tenant, target).
	DeadLetterCounts(ctx context.Context, target string) (map[DeadLetterKey]int, error)
}

// DeadLetterKey identifies one (tenant, delivery target) alert bucket.
type DeadLetterKey struct {
	TenantID string
	Target   string
}

// DecisionStore persists decision reports. Create is conditional: it must
// insert only when no report exists for the token yet, atomically.
type DecisionStore interface {
	Create(ctx context.Context, report DecisionReport) (created bool, err error)
	Get(ctx context.Context, token string) (DecisionReport, bool, error)
}

// SignRequest asks a signer backend for a signature over a binding hash.
type SignRequest struct {
	BindingHash string
	Token       string
	TenantID    string
	Context     map[string]any
}

// SignResult is what a signer backend returns on success.
type SignResult struct {
	SignerKeyID   string
	Signature     string
	SignerReceipt string
}

// DecisionSigner signs decision binding hashes. Implementations must return
// ErrSignerNotConfigured when no backend is wired so callers can tell an
// operator error from a rejected request.
type DecisionSigner interface {
	SignBinding(ctx context.Context, req SignRequest) (SignResult, error)
}

// DeliveryResult is the sink outcome of one delivery attempt. Ordinary
// delivery failures are reported through OK/Error, not through a panic.
type DeliveryResult struct {
	OK         bool
	StatusCode int
	Error      string
}

// DeliverySink pushes one payload at a delivery target.
type DeliverySink interface {
	Deliver(ctx context.Context, target string, job DeliveryJob) DeliveryResult
}

// PolicyResolver returns the tenant policy fields the pipeline reads.
type PolicyResolver interface {
	Resolve(ctx context.Context, tenantID string) (ResolvedPolicy, error)
}

// DecisionRequest is one settlement transition attempt.
type DecisionRequest struct {
	Token       string
	TenantID    string
	Decision    string
	Actor       string
	OneTimeCode string
}

// DecisionAuthorizer checks the requesting actor against the tenant's
// configured authentication policy.
type DecisionAuthorizer interface {
	Authorize(ctx context.Context, req DecisionRequest, policy ResolvedPolicy) error
}

// AdmissionDecision is the outcome of one fail-fast admission attempt.
// Release is idempotent; calling it more than once releases the slot once.
type AdmissionDecision struct {
	OK      bool
	Scope   string
	Release func()
}

// AdmissionGate gates upload concurrency. Rejections are surfaced to the
// caller immediately; nothing is queued.
type AdmissionGate interface {
	TryAcquire(tenantID string) AdmissionDecision
}

// VerificationScheduler hands a job to the verification queue.
type VerificationScheduler interface {
	Schedule(ctx context.Context, job VerifyJob) error
}

// NotificationEnqueuer enqueues one outbound notification. Implementations
// derive the idempotency key from (token, event, target) so re-enqueueing the
// same logical notification never duplicates a job.
type NotificationEnqueuer interface {
	Target() string
	EnqueueNotification(ctx context.Context, tenantID string, token string, event string, payload map[string]any) error
}

// Contracts for running verification jobs on a shared go-job broker instead
// of the in-process pool. Mapped by adapters/gojob.

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// StoreProvider exposes the persisted stores the service depends on.
type StoreProvider interface {
	RunStore() RunStore
	DedupIndexStore() DedupIndexStore
	DeliveryJobStore() DeliveryJobStore
	DecisionStore() DecisionStore
}

// RepositoryStoreFactory builds a StoreProvider from a persistence client.
type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}
