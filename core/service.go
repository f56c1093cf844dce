package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

var (
	ErrRunNotFound = errors.New("core: run not found")
)

var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IngestResult is the outcome of a fully written, hash-verified upload.
type IngestResult struct {
	Path   string
	SHA256 string
	Size   int64
}

// UploadIngestor streams a request body to durable storage while hashing it.
type UploadIngestor interface {
	Ingest(ctx context.Context, body io.Reader, declaredLength int64, declaredSHA256 string) (IngestResult, error)
}

// UploadRequest is one inbound artifact submission.
type UploadRequest struct {
	TenantID      string
	Body          io.Reader
	ContentLength int64
	ContentHash   string
	Scope         RunScope
	ModeRequested string
	ModeRequired  string
}

// UploadResponse reports how a submission resolved.
type UploadResponse struct {
	Token        string
	Deduplicated bool
	Rerun        bool
}

type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	runStore        RunStore
	dedupIndexStore DedupIndexStore
	deliveryStore   DeliveryJobStore
	decisionStore   DecisionStore
	decisionSigner  DecisionSigner
	policyResolver  PolicyResolver
	authorizer      DecisionAuthorizer
	admissionGate   AdmissionGate
	scheduler       VerificationScheduler
	ingestor        UploadIngestor
	notifiers       []NotificationEnqueuer
	now             func() time.Time
}

func NewService(cfg Config, options ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("settle", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("settle"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	needsStores := builder.runStore == nil ||
		builder.dedupIndexStore == nil ||
		builder.deliveryJobStore == nil ||
		builder.decisionStore == nil
	if needsStores && builder.repositoryFactory != nil {
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			storeProvider, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			if storeProvider != nil {
				if builder.runStore == nil {
					builder.runStore = storeProvider.RunStore()
				}
				if builder.dedupIndexStore == nil {
					builder.dedupIndexStore = storeProvider.DedupIndexStore()
				}
				if builder.deliveryJobStore == nil {
					builder.deliveryJobStore = storeProvider.DeliveryJobStore()
				}
				if builder.decisionStore == nil {
					builder.decisionStore = storeProvider.DecisionStore()
				}
			}
		}
	}

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		runStore:        builder.runStore,
		dedupIndexStore: builder.dedupIndexStore,
		deliveryStore:   builder.deliveryJobStore,
		decisionStore:   builder.decisionStore,
		decisionSigner:  builder.decisionSigner,
		policyResolver:  builder.policyResolver,
		authorizer:      builder.authorizer,
		admissionGate:   builder.admissionGate,
		scheduler:       builder.scheduler,
		notifiers:       builder.notifiers,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// Config returns the resolved service configuration.
func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

// SetIngestor wires the upload ingestor. Kept out of NewService options so
// the ingestor can be built from the resolved upload configuration.
func (s *Service) SetIngestor(ingestor UploadIngestor) {
	if s == nil {
		return
	}
	s.ingestor = ingestor
}

// SetVerificationScheduler wires the verification queue after construction.
func (s *Service) SetVerificationScheduler(scheduler VerificationScheduler) {
	if s == nil {
		return
	}
	s.scheduler = scheduler
}

// SubmitUpload runs the ingestion pipeline for one artifact submission:
// dedup lookup, fail-fast admission, streamed ingest, run record creation,
// verification scheduling.
func (s *Service) SubmitUpload(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	startedAt := time.Now()
	response, err := s.submitUpload(ctx, req)
	s.observeOperation(ctx, startedAt, "upload_submit", err, map[string]any{
		"tenant_id": req.TenantID,
		"token":     response.Token,
		"deduped":   response.Deduplicated,
		"rerun":     response.Rerun,
	})
	if err != nil {
		return UploadResponse{}, s.mapError(err)
	}
	return response, nil
}

func (s *Service) submitUpload(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	if s == nil {
		return UploadResponse{}, fmt.Errorf("core: service is nil")
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return UploadResponse{}, fmt.Errorf("core: tenant id is required")
	}
	contentHash := strings.ToLower(strings.TrimSpace(req.ContentHash))
	if !sha256HexPattern.MatchString(contentHash) {
		return UploadResponse{}, fmt.Errorf("core: content hash must be sha256 hex")
	}
	if req.Body == nil {
		return UploadResponse{}, fmt.Errorf("core: request body is required")
	}
	if s.dedupIndexStore == nil || s.runStore == nil {
		return UploadResponse{}, fmt.Errorf("core: run and dedup stores are required")
	}
	if s.ingestor == nil {
		return UploadResponse{}, fmt.Errorf("core: upload ingestor is not configured")
	}
	if s.scheduler == nil {
		return UploadResponse{}, fmt.Errorf("core: verification scheduler is not configured")
	}

	resolution, err := s.resolveDedup(ctx, tenantID, contentHash, req.Scope)
	if err != nil {
		return UploadResponse{}, err
	}
	if resolution.Hit {
		return UploadResponse{Token: resolution.Token, Deduplicated: true}, nil
	}

	if s.admissionGate != nil {
		slot := s.admissionGate.TryAcquire(tenantID)
		if !slot.OK {
			return UploadResponse{}, newSettleError(
				fmt.Sprintf("core: admission capacity exceeded for scope %q", slot.Scope),
				goerrors.CategoryRateLimit,
				SettleErrorAdmissionRejected,
			).WithMetadata(map[string]any{"scope": slot.Scope, "tenant_id": tenantID})
		}
		if slot.Release != nil {
			defer slot.Release()
		}
	}

	ingested, err := s.ingestor.Ingest(ctx, req.Body, req.ContentLength, contentHash)
	if err != nil {
		return UploadResponse{}, err
	}

	token := resolution.Token
	rerun := resolution.Rerun
	if token == "" {
		token = NewToken()
		entry, existed, reserveErr := s.dedupIndexStore.Reserve(ctx, DedupEntry{
			TenantID:    tenantID,
			ContentHash: contentHash,
			Token:       token,
			Scope:       req.Scope,
			CreatedAt:   s.now(),
		})
		if reserveErr != nil {
			return UploadResponse{}, reserveErr
		}
		if existed {
			// Another writer minted the token first; the mapping is a
			// function, so reuse theirs.
			token = entry.Token
			rerun = true
		}
	}

	if err := s.upsertRunForUpload(ctx, token, tenantID, contentHash, ingested, req, rerun); err != nil {
		return UploadResponse{}, err
	}

	job := VerifyJob{
		Token:    token,
		TenantID: tenantID,
		Dir:      ingested.Path,
		Strict:   strings.EqualFold(strings.TrimSpace(req.Scope.ResolvedMode), VerifyModeStrict),
		Timeout:  s.config.Verify.Timeout,
	}
	if err := s.scheduler.Schedule(ctx, job); err != nil {
		return UploadResponse{}, err
	}

	return UploadResponse{Token: token, Rerun: rerun}, nil
}

func (s *Service) upsertRunForUpload(
	ctx context.Context,
	token string,
	tenantID string,
	contentHash string,
	ingested IngestResult,
	req UploadRequest,
	rerun bool,
) error {
	now := s.now()
	if rerun {
		meta, err := s.runStore.Get(ctx, token)
		if err != nil {
			if !errors.Is(err, ErrRunNotFound) {
				return err
			}
			rerun = false
		} else {
			meta.Scope = req.Scope
			meta.ModeRequested = strings.TrimSpace(req.ModeRequested)
			meta.ModeRequired = strings.TrimSpace(req.ModeRequired)
			meta.Status = RunStatusPending
			meta.VerifyOK = false
			meta.ManifestHash = ""
			meta.HeadAttestationHash = ""
			meta.ErrorCodes = nil
			meta.WarningCodes = nil
			meta.StartedAt = nil
			meta.FinishedAt = nil
			meta.StoragePath = ingested.Path
			meta.ContentSize = ingested.Size
			meta.UpdatedAt = now
			_, err = s.runStore.Update(ctx, meta)
			return err
		}
	}
	_, err := s.runStore.Create(ctx, RunMeta{
		SchemaVersion: RunMetaSchemaVersion,
		Token:         token,
		TenantID:      tenantID,
		ContentHash:   contentHash,
		ContentSize:   ingested.Size,
		StoragePath:   ingested.Path,
		Scope:         req.Scope,
		ModeRequested: strings.TrimSpace(req.ModeRequested),
		ModeRequired:  strings.TrimSpace(req.ModeRequired),
		Status:        RunStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return err
}

// MarkRunStarted records the start of a verification attempt.
func (s *Service) MarkRunStarted(ctx context.Context, token string) error {
	if s == nil || s.runStore == nil {
		return fmt.Errorf("core: run store is not configured")
	}
	meta, err := s.runStore.Get(ctx, strings.TrimSpace(token))
	if err != nil {
		return s.mapError(err)
	}
	now := s.now()
	meta.Status = RunStatusRunning
	meta.StartedAt = &now
	meta.UpdatedAt = now
	if _, err := s.runStore.Update(ctx, meta); err != nil {
		return s.mapError(err)
	}
	return nil
}

// HandleVerificationResult records one completed verification attempt and
// enqueues the downstream notifications. A verification failure is a failed
// run, not a server fault: the run record is still written and notifications
// still go out. Notification enqueue failures never propagate; they are
// logged and counted so they cannot vanish silently.
func (s *Service) HandleVerificationResult(
	ctx context.Context,
	job VerifyJob,
	outcome VerificationOutcome,
	execErr error,
) error {
	startedAt := time.Now()
	err := s.handleVerificationResult(ctx, job, outcome, execErr)
	s.observeOperation(ctx, startedAt, "verification_record", err, map[string]any{
		"tenant_id": job.TenantID,
		"token":     job.Token,
		"verify_ok": execErr == nil && outcome.OK,
	})
	if err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *Service) handleVerificationResult(
	ctx context.Context,
	job VerifyJob,
	outcome VerificationOutcome,
	execErr error,
) error {
	if s == nil || s.runStore == nil {
		return fmt.Errorf("core: run store is not configured")
	}
	meta, err := s.runStore.Get(ctx, strings.TrimSpace(job.Token))
	if err != nil {
		return err
	}

	now := s.now()
	meta.FinishedAt = &now
	meta.UpdatedAt = now
	if execErr != nil {
		meta.Status = RunStatusFailed
		meta.VerifyOK = false
		meta.ErrorCodes = sortedCodes(append(outcome.ErrorCodes, executionErrorCode(execErr)))
		meta.WarningCodes = sortedCodes(outcome.WarningCodes)
	} else {
		meta.Status = RunStatusCompleted
		meta.VerifyOK = outcome.OK
		meta.ManifestHash = strings.TrimSpace(outcome.ManifestHash)
		meta.HeadAttestationHash = strings.TrimSpace(outcome.HeadAttestationHash)
		meta.ErrorCodes = sortedCodes(outcome.ErrorCodes)
		meta.WarningCodes = sortedCodes(outcome.WarningCodes)
	}
	if _, err := s.runStore.Update(ctx, meta); err != nil {
		return err
	}

	event := EventRunVerified
	if execErr != nil || !outcome.OK {
		event = EventRunVerificationFailed
	}
	s.enqueueNotifications(ctx, meta.TenantID, meta.Token, event, map[string]any{
		"token":         meta.Token,
		"verify_ok":     meta.VerifyOK,
		"error_codes":   meta.ErrorCodes,
		"warning_codes": meta.WarningCodes,
	})
	return nil
}

// RevokeRun marks a run revoked. Revoked runs fail closed on dedup hits and
// decision transitions.
func (s *Service) RevokeRun(ctx context.Context, token string, reason string) error {
	startedAt := time.Now()
	err := s.revokeRun(ctx, token, reason)
	s.observeOperation(ctx, startedAt, "run_revoke", err, map[string]any{"token": token})
	if err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *Service) revokeRun(ctx context.Context, token string, reason string) error {
	if s == nil || s.runStore == nil {
		return fmt.Errorf("core: run store is not configured")
	}
	meta, err := s.runStore.Get(ctx, strings.TrimSpace(token))
	if err != nil {
		return err
	}
	if meta.Revoked {
		return nil
	}
	now := s.now()
	meta.Revoked = true
	meta.RevokedReason = strings.TrimSpace(reason)
	meta.RevokedAt = &now
	meta.UpdatedAt = now
	_, err = s.runStore.Update(ctx, meta)
	return err
}

// GetRun returns the persisted run record for a token.
func (s *Service) GetRun(ctx context.Context, token string) (RunMeta, error) {
	if s == nil || s.runStore == nil {
		return RunMeta{}, s.mapError(fmt.Errorf("core: run store is not configured"))
	}
	meta, err := s.runStore.Get(ctx, strings.TrimSpace(token))
	if err != nil {
		return RunMeta{}, s.mapError(err)
	}
	return meta, nil
}

func (s *Service) enqueueNotifications(
	ctx context.Context,
	tenantID string,
	token string,
	event string,
	payload map[string]any,
) {
	for _, notifier := range s.notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.EnqueueNotification(ctx, tenantID, token, event, payload); err != nil {
			s.recordCounter(ctx, metricName("notification_enqueue_failed", "total"), 1, map[string]string{
				"target": notifier.Target(),
				"event":  event,
			})
			s.logError(ctx, "notification enqueue failed", map[string]any{
				"tenant_id": tenantID,
				"token":     token,
				"event":     event,
				"target":    notifier.Target(),
				"error":     err.Error(),
			})
		}
	}
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper != nil {
		if mapped := mapper(err); mapped != nil {
			return mapped
		}
	}
	return err
}

func executionErrorCode(err error) string {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") {
		return "VERIFY_TIMEOUT"
	}
	return "VERIFY_EXEC_FAILED"
}
