package core

import (
	"fmt"
	"strings"
	"time"
)

type AdmissionConfig struct {
	// Zero means uncapped.
	GlobalMaxActive int `koanf:"global_max_active" mapstructure:"global_max_active"`
	TenantMaxActive int `koanf:"tenant_max_active" mapstructure:"tenant_max_active"`
}

type UploadConfig struct {
	Dir      string `koanf:"dir" mapstructure:"dir"`
	MaxBytes int64  `koanf:"max_bytes" mapstructure:"max_bytes"`
}

type VerifyConfig struct {
	WorkerBin       string        `koanf:"worker_bin" mapstructure:"worker_bin"`
	Workers         int           `koanf:"workers" mapstructure:"workers"`
	QueueDepth      int           `koanf:"queue_depth" mapstructure:"queue_depth"`
	Timeout         time.Duration `koanf:"timeout" mapstructure:"timeout"`
	MaxAttempts     int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay      time.Duration `koanf:"retry_delay" mapstructure:"retry_delay"`
	HashConcurrency int           `koanf:"hash_concurrency" mapstructure:"hash_concurrency"`
}

type DeliveryConfig struct {
	PollInterval       time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	BackoffStep        time.Duration `koanf:"backoff_step" mapstructure:"backoff_step"`
	MaxAttempts        int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	AttemptTimeout     time.Duration `koanf:"attempt_timeout" mapstructure:"attempt_timeout"`
	DrainLimit         int           `koanf:"drain_limit" mapstructure:"drain_limit"`
	DeadLetterAlertMin int           `koanf:"dead_letter_alert_min" mapstructure:"dead_letter_alert_min"`
}

type DecisionConfig struct {
	AllowWarningApprovals bool `koanf:"allow_warning_approvals" mapstructure:"allow_warning_approvals"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Admission   AdmissionConfig `koanf:"admission" mapstructure:"admission"`
	Upload      UploadConfig    `koanf:"upload" mapstructure:"upload"`
	Verify      VerifyConfig    `koanf:"verify" mapstructure:"verify"`
	Delivery    DeliveryConfig  `koanf:"delivery" mapstructure:"delivery"`
	Decision    DecisionConfig  `koanf:"decision" mapstructure:"decision"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "settle",
		Admission: AdmissionConfig{
			GlobalMaxActive: 32,
			TenantMaxActive: 4,
		},
		Upload: UploadConfig{
			Dir:      "data/uploads",
			MaxBytes: 64 << 20,
		},
		Verify: VerifyConfig{
			Workers:         4,
			QueueDepth:      64,
			Timeout:         2 * time.Minute,
			MaxAttempts:     3,
			RetryDelay:      5 * time.Second,
			HashConcurrency: 4,
		},
		Delivery: DeliveryConfig{
			PollInterval:       5 * time.Second,
			BackoffStep:        30 * time.Second,
			MaxAttempts:        8,
			AttemptTimeout:     10 * time.Second,
			DrainLimit:         50,
			DeadLetterAlertMin: 5,
		},
		Decision: DecisionConfig{},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Admission.GlobalMaxActive < 0 || c.Admission.TenantMaxActive < 0 {
		return fmt.Errorf("core: admission caps must not be negative")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("core: upload.max_bytes must be positive")
	}
	if c.Verify.Workers <= 0 {
		return fmt.Errorf("core: verify.workers must be positive")
	}
	if c.Verify.MaxAttempts <= 0 {
		return fmt.Errorf("core: verify.max_attempts must be positive")
	}
	if c.Delivery.PollInterval <= 0 {
		return fmt.Errorf("core: delivery.poll_interval must be positive")
	}
	if c.Delivery.BackoffStep <= 0 {
		return fmt.Errorf("core: delivery.backoff_step must be positive")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("core: delivery.max_attempts must be positive")
	}
	return nil
}
