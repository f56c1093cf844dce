package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	runStore          RunStore
	dedupIndexStore   DedupIndexStore
	deliveryJobStore  DeliveryJobStore
	decisionStore     DecisionStore
	decisionSigner    DecisionSigner
	policyResolver    PolicyResolver
	authorizer        DecisionAuthorizer
	admissionGate     AdmissionGate
	scheduler         VerificationScheduler
	notifiers         []NotificationEnqueuer
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRunStore(store RunStore) Option {
	return func(b *serviceBuilder) {
		b.runStore = store
	}
}

func WithDedupIndexStore(store DedupIndexStore) Option {
	return func(b *serviceBuilder) {
		b.dedupIndexStore = store
	}
}

func WithDeliveryJobStore(store DeliveryJobStore) Option {
	return func(b *serviceBuilder) {
		b.deliveryJobStore = store
	}
}

func WithDecisionStore(store DecisionStore) Option {
	return func(b *serviceBuilder) {
		b.decisionStore = store
	}
}

func WithDecisionSigner(signer DecisionSigner) Option {
	return func(b *serviceBuilder) {
		b.decisionSigner = signer
	}
}

func WithPolicyResolver(resolver PolicyResolver) Option {
	return func(b *serviceBuilder) {
		b.policyResolver = resolver
	}
}

func WithDecisionAuthorizer(authorizer DecisionAuthorizer) Option {
	return func(b *serviceBuilder) {
		b.authorizer = authorizer
	}
}

func WithAdmissionGate(gate AdmissionGate) Option {
	return func(b *serviceBuilder) {
		b.admissionGate = gate
	}
}

func WithVerificationScheduler(scheduler VerificationScheduler) Option {
	return func(b *serviceBuilder) {
		b.scheduler = scheduler
	}
}

func WithNotificationEnqueuer(enqueuer NotificationEnqueuer) Option {
	return func(b *serviceBuilder) {
		if enqueuer == nil {
			return
		}
		b.notifiers = append(b.notifiers, enqueuer)
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("settle", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return settleErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || cfg.Admission.GlobalMaxActive > 0 || cfg.Admission.TenantMaxActive > 0 {
		layer["admission"] = map[string]any{
			"global_max_active": cfg.Admission.GlobalMaxActive,
			"tenant_max_active": cfg.Admission.TenantMaxActive,
		}
	}
	if includeZero || strings.TrimSpace(cfg.Upload.Dir) != "" || cfg.Upload.MaxBytes > 0 {
		layer["upload"] = map[string]any{
			"dir":       cfg.Upload.Dir,
			"max_bytes": cfg.Upload.MaxBytes,
		}
	}
	if includeZero || cfg.Verify.Workers > 0 {
		layer["verify"] = map[string]any{
			"worker_bin":       cfg.Verify.WorkerBin,
			"workers":          cfg.Verify.Workers,
			"queue_depth":      cfg.Verify.QueueDepth,
			"timeout":          cfg.Verify.Timeout,
			"max_attempts":     cfg.Verify.MaxAttempts,
			"retry_delay":      cfg.Verify.RetryDelay,
			"hash_concurrency": cfg.Verify.HashConcurrency,
		}
	}
	if includeZero || cfg.Delivery.MaxAttempts > 0 {
		layer["delivery"] = map[string]any{
			"poll_interval":         cfg.Delivery.PollInterval,
			"backoff_step":          cfg.Delivery.BackoffStep,
			"max_attempts":          cfg.Delivery.MaxAttempts,
			"attempt_timeout":       cfg.Delivery.AttemptTimeout,
			"drain_limit":           cfg.Delivery.DrainLimit,
			"dead_letter_alert_min": cfg.Delivery.DeadLetterAlertMin,
		}
	}
	if includeZero || cfg.Decision.AllowWarningApprovals {
		layer["decision"] = map[string]any{
			"allow_warning_approvals": cfg.Decision.AllowWarningApprovals,
		}
	}
	return layer
}
