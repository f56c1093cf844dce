package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type runRecord struct {
	bun.BaseModel `bun:"table:settle_runs,alias:sr"`

	ID                  string     `bun:"id,pk"`
	SchemaVersion       int        `bun:"schema_version,notnull"`
	Token               string     `bun:"token,notnull"`
	TenantID            string     `bun:"tenant_id,notnull"`
	ContentHash         string     `bun:"content_hash,notnull"`
	ContentSize         int64      `bun:"content_size,notnull"`
	StoragePath         string     `bun:"storage_path"`
	VendorID            string     `bun:"vendor_id,notnull"`
	ContractID          string     `bun:"contract_id,notnull"`
	TemplateID          string     `bun:"template_id,notnull"`
	ConfigHash          string     `bun:"config_hash,notnull"`
	ResolvedMode        string     `bun:"resolved_mode,notnull"`
	TrustSetHash        string     `bun:"trust_set_hash"`
	PricingTrustSetHash string     `bun:"pricing_trust_set_hash"`
	PolicySetHash       string     `bun:"policy_set_hash"`
	ModeRequested       string     `bun:"mode_requested"`
	ModeRequired        string     `bun:"mode_required"`
	Status              string     `bun:"status,notnull"`
	VerifyOK            bool       `bun:"verify_ok,notnull"`
	ManifestHash        string     `bun:"manifest_hash"`
	HeadAttestationHash string     `bun:"head_attestation_hash"`
	ErrorCodes          []string   `bun:"error_codes,type:jsonb,notnull"`
	WarningCodes        []string   `bun:"warning_codes,type:jsonb,notnull"`
	Revoked             bool       `bun:"revoked,notnull"`
	RevokedReason       string     `bun:"revoked_reason"`
	RevokedAt           *time.Time `bun:"revoked_at,nullzero"`
	ExpiresAt           *time.Time `bun:"expires_at,nullzero"`
	RetentionUntil      *time.Time `bun:"retention_until,nullzero"`
	CreatedAt           time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	StartedAt           *time.Time `bun:"started_at,nullzero"`
	FinishedAt          *time.Time `bun:"finished_at,nullzero"`
	UpdatedAt           time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type dedupEntryRecord struct {
	bun.BaseModel `bun:"table:settle_dedup_index,alias:sdi"`

	ID                  string    `bun:"id,pk"`
	TenantID            string    `bun:"tenant_id,notnull"`
	ContentHash         string    `bun:"content_hash,notnull"`
	Token               string    `bun:"token,notnull"`
	VendorID            string    `bun:"vendor_id,notnull"`
	ContractID          string    `bun:"contract_id,notnull"`
	TemplateID          string    `bun:"template_id,notnull"`
	ConfigHash          string    `bun:"config_hash,notnull"`
	ResolvedMode        string    `bun:"resolved_mode"`
	TrustSetHash        string    `bun:"trust_set_hash"`
	PricingTrustSetHash string    `bun:"pricing_trust_set_hash"`
	PolicySetHash       string    `bun:"policy_set_hash"`
	CreatedAt           time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type deliveryJobRecord struct {
	bun.BaseModel `bun:"table:settle_delivery_jobs,alias:sdj"`

	ID             string         `bun:"id,pk"`
	SchemaVersion  int            `bun:"schema_version,notnull"`
	TenantID       string         `bun:"tenant_id,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	Target         string         `bun:"target,notnull"`
	Event          string         `bun:"event,notnull"`
	Token          string         `bun:"token,notnull"`
	Payload        map[string]any `bun:"payload,type:jsonb,notnull"`
	AttemptCount   int            `bun:"attempt_count,notnull"`
	NextAttemptAt  time.Time      `bun:"next_attempt_at,notnull"`
	LastError      string         `bun:"last_error"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:settle_delivery_dead_letters,alias:sdl"`

	ID             string         `bun:"id,pk"`
	SchemaVersion  int            `bun:"schema_version,notnull"`
	TenantID       string         `bun:"tenant_id,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	Target         string         `bun:"target,notnull"`
	Event          string         `bun:"event,notnull"`
	Token          string         `bun:"token,notnull"`
	Payload        map[string]any `bun:"payload,type:jsonb,notnull"`
	AttemptCount   int            `bun:"attempt_count,notnull"`
	LastError      string         `bun:"last_error"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	MovedAt        time.Time      `bun:"moved_at,nullzero,notnull,default:current_timestamp"`
}

type decisionReportRecord struct {
	bun.BaseModel `bun:"table:settle_decision_reports,alias:sdr"`

	ID                  string    `bun:"id,pk"`
	SchemaVersion       int       `bun:"schema_version,notnull"`
	Token               string    `bun:"token,notnull"`
	TenantID            string    `bun:"tenant_id,notnull"`
	Decision            string    `bun:"decision,notnull"`
	DecidedAt           time.Time `bun:"decided_at,notnull"`
	DecidedBy           string    `bun:"decided_by"`
	BindingHash         string    `bun:"binding_hash,notnull"`
	ManifestHash        string    `bun:"manifest_hash,notnull"`
	HeadAttestationHash string    `bun:"head_attestation_hash,notnull"`
	ErrorCodes          []string  `bun:"error_codes,type:jsonb,notnull"`
	WarningCodes        []string  `bun:"warning_codes,type:jsonb,notnull"`
	SignerKeyID         string    `bun:"signer_key_id,notnull"`
	Signature           string    `bun:"signature,notnull"`
	SignerReceipt       string    `bun:"signer_receipt"`
	CreatedAt           time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
