package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	errWorkerTimedOut = errors.New("verify: worker timed out after 2m0s")
	errSinkDown       = errors.New("delivery endpoint unavailable")
)

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]RunMeta
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: map[string]RunMeta{}}
}

func (s *memRunStore) Create(_ context.Context, meta RunMeta) (RunMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := strings.TrimSpace(meta.Token)
	if _, exists := s.runs[token]; exists {
		return RunMeta{}, fmt.Errorf("memstore: run %q already exists", token)
	}
	s.runs[token] = meta
	return meta, nil
}

func (s *memRunStore) Get(_ context.Context, token string) (RunMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, found := s.runs[strings.TrimSpace(token)]
	if !found {
		return RunMeta{}, fmt.Errorf("memstore: run %q: %w", token, ErrRunNotFound)
	}
	return meta, nil
}

func (s *memRunStore) Update(_ context.Context, meta RunMeta) (RunMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := strings.TrimSpace(meta.Token)
	if _, found := s.runs[token]; !found {
		return RunMeta{}, fmt.Errorf("memstore: run %q: %w", token, ErrRunNotFound)
	}
	s.runs[token] = meta
	return meta, nil
}

type memDedupStore struct {
	mu      sync.Mutex
	entries map[string]DedupEntry
}

func newMemDedupStore() *memDedupStore {
	return &memDedupStore{entries: map[string]DedupEntry{}}
}

func dedupKey(tenantID string, contentHash string) string {
	return strings.TrimSpace(tenantID) + "|" + strings.ToLower(strings.TrimSpace(contentHash))
}

func (s *memDedupStore) Lookup(_ context.Context, tenantID string, contentHash string) (DedupEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.entries[dedupKey(tenantID, contentHash)]
	return entry, found, nil
}

func (s *memDedupStore) Reserve(_ context.Context, entry DedupEntry) (DedupEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(entry.TenantID, entry.ContentHash)
	if existing, found := s.entries[key]; found {
		return existing, true, nil
	}
	s.entries[key] = entry
	return entry, false, nil
}

type memDeliveryStore struct {
	mu      sync.Mutex
	pending []DeliveryJob
	dead    []DeliveryJob
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{}
}

func (s *memDeliveryStore) InsertPending(_ context.Context, job DeliveryJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range append(append([]DeliveryJob{}, s.pending...), s.dead...) {
		if existing.IdempotencyKey == job.IdempotencyKey && existing.Target == job.Target {
			return false, nil
		}
	}
	s.pending = append(s.pending, job)
	return true, nil
}

func (s *memDeliveryStore) DuePending(_ context.Context, target string, now time.Time, limit int) ([]DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []DeliveryJob{}
	for _, job := range s.pending {
		if job.Target == target && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	return due, nil
}

func (s *memDeliveryStore) UpdatePending(_ context.Context, job DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.pending {
		if existing.ID == job.ID {
			s.pending[i] = job
			return nil
		}
	}
	return fmt.Errorf("memstore: pending job %q not found", job.ID)
}

func (s *memDeliveryStore) CompletePending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.pending {
		if existing.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memDeliveryStore) MoveToDeadLetter(_ context.Context, job DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.pending {
		if existing.ID == job.ID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.dead = append(s.dead, job)
			return nil
		}
	}
	return fmt.Errorf("memstore: pending job %q not found", job.ID)
}

func (s *memDeliveryStore) GetDeadLetter(_ context.Context, idempotencyKey string) (DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.dead {
		if job.IdempotencyKey == idempotencyKey {
			return job, nil
		}
	}
	return DeliveryJob{}, fmt.Errorf("memstore: dead-letter job %q not found", idempotencyKey)
}

func (s *memDeliveryStore) Replay(_ context.Context, idempotencyKey string, resetAttempts bool, nextAttemptAt time.Time) (DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.dead {
		if job.IdempotencyKey != idempotencyKey {
			continue
		}
		s.dead = append(s.dead[:i], s.dead[i+1:]...)
		if resetAttempts {
			job.AttemptCount = 0
		}
		job.NextAttemptAt = nextAttemptAt
		s.pending = append(s.pending, job)
		return job, nil
	}
	return DeliveryJob{}, fmt.Errorf("memstore: dead-letter job %q not found", idempotencyKey)
}

func (s *memDeliveryStore) DeadLetterCounts(_ context.Context, target string) (map[DeadLetterKey]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[DeadLetterKey]int{}
	for _, job := range s.dead {
		if target != "" && job.Target != target {
			continue
		}
		counts[DeadLetterKey{TenantID: job.TenantID, Target: job.Target}]++
	}
	return counts, nil
}

type memDecisionStore struct {
	mu      sync.Mutex
	reports map[string]DecisionReport
}

func newMemDecisionStore() *memDecisionStore {
	return &memDecisionStore{reports: map[string]DecisionReport{}}
}

func (s *memDecisionStore) Create(_ context.Context, report DecisionReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := strings.TrimSpace(report.Token)
	if _, exists := s.reports[token]; exists {
		return false, nil
	}
	s.reports[token] = report
	return true, nil
}

func (s *memDecisionStore) Get(_ context.Context, token string) (DecisionReport, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, found := s.reports[strings.TrimSpace(token)]
	return report, found, nil
}

type stubIngestor struct {
	result IngestResult
	err    error
}

func (s stubIngestor) Ingest(_ context.Context, body io.Reader, _ int64, declaredSHA256 string) (IngestResult, error) {
	if s.err != nil {
		return IngestResult{}, s.err
	}
	if body != nil {
		io.Copy(io.Discard, body)
	}
	result := s.result
	if result.SHA256 == "" {
		result.SHA256 = declaredSHA256
	}
	if result.Path == "" {
		result.Path = "/tmp/artifacts/" + declaredSHA256
	}
	return result, nil
}

type captureScheduler struct {
	mu   sync.Mutex
	jobs []VerifyJob
	err  error
}

func (s *captureScheduler) Schedule(_ context.Context, job VerifyJob) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

type stubGate struct {
	allow    bool
	scope    string
	acquired int
	released int
}

func (g *stubGate) TryAcquire(string) AdmissionDecision {
	if !g.allow {
		return AdmissionDecision{OK: false, Scope: g.scope, Release: func() {}}
	}
	g.acquired++
	return AdmissionDecision{OK: true, Release: func() { g.released++ }}
}

type stubSigner struct {
	keyID string
	err   error
}

func (s stubSigner) SignBinding(_ context.Context, req SignRequest) (SignResult, error) {
	if s.err != nil {
		return SignResult{}, s.err
	}
	keyID := s.keyID
	if keyID == "" {
		keyID = "test-key"
	}
	return SignResult{
		SignerKeyID: keyID,
		Signature:   "sig:" + req.BindingHash,
	}, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	target string
	events []string
	tokens []string
	err    error
}

func (n *captureNotifier) Target() string { return n.target }

func (n *captureNotifier) EnqueueNotification(_ context.Context, _ string, token string, event string, _ map[string]any) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.tokens = append(n.tokens, token)
	return nil
}

type staticPolicyResolver struct {
	policy ResolvedPolicy
	err    error
}

func (r staticPolicyResolver) Resolve(context.Context, string) (ResolvedPolicy, error) {
	if r.err != nil {
		return ResolvedPolicy{}, r.err
	}
	return r.policy, nil
}

const testContentHash = "6ca13d52ca70c883e0f0bb101e425a89e8624de51db2d2392593af6a84118090"

func uploadBody() io.Reader {
	return bytes.NewReader([]byte("abc"))
}

type testEnv struct {
	service   *Service
	runs      *memRunStore
	dedup     *memDedupStore
	delivery  *memDeliveryStore
	decisions *memDecisionStore
	scheduler *captureScheduler
	notifier  *captureNotifier
}

func newTestService(t interface{ Fatalf(string, ...any) }, extra ...Option) *testEnv {
	env := &testEnv{
		runs:      newMemRunStore(),
		dedup:     newMemDedupStore(),
		delivery:  newMemDeliveryStore(),
		decisions: newMemDecisionStore(),
		scheduler: &captureScheduler{},
		notifier:  &captureNotifier{target: "webhook"},
	}
	options := []Option{
		WithRunStore(env.runs),
		WithDedupIndexStore(env.dedup),
		WithDeliveryJobStore(env.delivery),
		WithDecisionStore(env.decisions),
		WithVerificationScheduler(env.scheduler),
		WithNotificationEnqueuer(env.notifier),
		WithDecisionSigner(stubSigner{}),
	}
	options = append(options, extra...)
	service, err := NewService(DefaultConfig(), options...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	service.SetIngestor(stubIngestor{})
	env.service = service
	return env
}

func submitTestUpload(t interface{ Fatalf(string, ...any) }, env *testEnv, scope RunScope) UploadResponse {
	resp, err := env.service.SubmitUpload(context.Background(), UploadRequest{
		TenantID:    "tenant-a",
		Body:        uploadBody(),
		ContentHash: testContentHash,
		Scope:       scope,
	})
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}
	return resp
}

func completeVerification(t interface{ Fatalf(string, ...any) }, env *testEnv, token string, outcome VerificationOutcome) {
	err := env.service.HandleVerificationResult(context.Background(), VerifyJob{
		Token:    token,
		TenantID: "tenant-a",
	}, outcome, nil)
	if err != nil {
		t.Fatalf("HandleVerificationResult: %v", err)
	}
}
