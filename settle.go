// Package settle hosts third-party artifact uploads, runs external
// verification over them, and records tamper-evident signed settlement
// decisions. This file re-exports the core surface so hosts import one
// package.
package settle

import "github.com/settld/go-settle/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type RunScope = core.RunScope
type RunMeta = core.RunMeta
type DedupEntry = core.DedupEntry
type VerifyJob = core.VerifyJob
type VerificationOutcome = core.VerificationOutcome
type DeliveryJob = core.DeliveryJob
type DecisionReport = core.DecisionReport
type DecisionRequest = core.DecisionRequest
type ResolvedPolicy = core.ResolvedPolicy

type UploadRequest = core.UploadRequest
type UploadResponse = core.UploadResponse
type IngestResult = core.IngestResult

type RunStore = core.RunStore
type DedupIndexStore = core.DedupIndexStore
type DeliveryJobStore = core.DeliveryJobStore
type DecisionStore = core.DecisionStore
type DecisionSigner = core.DecisionSigner
type DeliverySink = core.DeliverySink
type UploadIngestor = core.UploadIngestor
type VerificationScheduler = core.VerificationScheduler
type NotificationEnqueuer = core.NotificationEnqueuer
type AdmissionGate = core.AdmissionGate
type PolicyResolver = core.PolicyResolver
type DecisionAuthorizer = core.DecisionAuthorizer

var (
	WithLogger                = core.WithLogger
	WithLoggerProvider        = core.WithLoggerProvider
	WithMetricsRecorder       = core.WithMetricsRecorder
	WithErrorFactory          = core.WithErrorFactory
	WithErrorMapper           = core.WithErrorMapper
	WithPersistenceClient     = core.WithPersistenceClient
	WithRepositoryFactory     = core.WithRepositoryFactory
	WithConfigProvider        = core.WithConfigProvider
	WithOptionsResolver       = core.WithOptionsResolver
	WithRunStore              = core.WithRunStore
	WithDedupIndexStore       = core.WithDedupIndexStore
	WithDeliveryJobStore      = core.WithDeliveryJobStore
	WithDecisionStore         = core.WithDecisionStore
	WithDecisionSigner        = core.WithDecisionSigner
	WithPolicyResolver        = core.WithPolicyResolver
	WithDecisionAuthorizer    = core.WithDecisionAuthorizer
	WithAdmissionGate         = core.WithAdmissionGate
	WithVerificationScheduler = core.WithVerificationScheduler
	WithNotificationEnqueuer  = core.WithNotificationEnqueuer
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
