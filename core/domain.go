package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schema versions carried by persisted records. Readers reject versions they
// do not know instead of coercing unknown shapes.
const (
	RunMetaSchemaVersion        = 1
	DeliveryJobSchemaVersion    = 1
	DecisionReportSchemaVersion = 1
)

const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

const (
	DecisionApprove = "approve"
	DecisionHold    = "hold"
)

const (
	VerifyModeStandard = "standard"
	VerifyModeStrict   = "strict"
)

// Delivery events emitted by the pipeline.
const (
	EventRunVerified           = "run.verified"
	EventRunVerificationFailed = "run.verification_failed"
	EventDecisionRecorded      = "decision.recorded"
)

// RunScope is the identity metadata a content hash is bound to. Two uploads
// with the same bytes but conflicting scope never share a token.
type RunScope struct {
	VendorID            string
	ContractID          string
	TemplateID          string
	ConfigHash          string
	ResolvedMode        string
	TrustSetHash        string
	PricingTrustSetHash string
	PolicySetHash       string
}

// Identity returns the fields that must never change for a given
// (tenant, content hash) pair once a token exists.
func (s RunScope) Identity() RunScope {
	return RunScope{
		VendorID:   strings.TrimSpace(s.VendorID),
		ContractID: strings.TrimSpace(s.ContractID),
		TemplateID: strings.TrimSpace(s.TemplateID),
		ConfigHash: strings.TrimSpace(s.ConfigHash),
	}
}

// ConfigurationMatches reports whether the resolved verification
// configuration of a cached run still matches the current request.
func (s RunScope) ConfigurationMatches(other RunScope) bool {
	return strings.TrimSpace(s.ResolvedMode) == strings.TrimSpace(other.ResolvedMode) &&
		strings.TrimSpace(s.TrustSetHash) == strings.TrimSpace(other.TrustSetHash) &&
		strings.TrimSpace(s.PricingTrustSetHash) == strings.TrimSpace(other.PricingTrustSetHash) &&
		strings.TrimSpace(s.PolicySetHash) == strings.TrimSpace(other.PolicySetHash)
}

// DedupEntry maps (tenant, content hash) to a token. The mapping is a
// function: it is minted once and never rewritten to a different token.
type DedupEntry struct {
	TenantID    string
	ContentHash string
	Token       string
	Scope       RunScope
	CreatedAt   time.Time
}

// RunMeta is the persisted record of one verification run, keyed by token.
type RunMeta struct {
	SchemaVersion       int
	Token               string
	TenantID            string
	ContentHash         string
	ContentSize         int64
	StoragePath         string
	Scope               RunScope
	ModeRequested       string
	ModeRequired        string
	Status              string
	VerifyOK            bool
	ManifestHash        string
	HeadAttestationHash string
	ErrorCodes          []string
	WarningCodes        []string
	Revoked             bool
	RevokedReason       string
	RevokedAt           *time.Time
	ExpiresAt           *time.Time
	RetentionUntil      *time.Time
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
	UpdatedAt           time.Time
}

// Live reports whether the run may still be reused or decided on at the
// given instant: not revoked, not expired, not past retention.
func (m RunMeta) Live(now time.Time) bool {
	if m.Revoked {
		return false
	}
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return false
	}
	if m.RetentionUntil != nil && !now.Before(*m.RetentionUntil) {
		return false
	}
	return true
}

// Clean reports whether the verification outcome carries no error codes.
func (m RunMeta) Clean() bool {
	return m.VerifyOK && len(m.ErrorCodes) == 0
}

// CleanWithWarnings reports a clean outcome that still carries warning codes.
func (m RunMeta) CleanWithWarnings() bool {
	return m.Clean() && len(m.WarningCodes) > 0
}

// VerificationOutcome is the parsed result object of one worker execution.
type VerificationOutcome struct {
	OK                  bool           `json:"ok"`
	ManifestHash        string         `json:"manifest_hash"`
	HeadAttestationHash string         `json:"head_attestation_hash"`
	ErrorCodes          []string       `json:"error_codes"`
	WarningCodes        []string       `json:"warning_codes"`
	Details             map[string]any `json:"details"`
}

// VerifyJob describes one unit of verification work handed to the queue.
type VerifyJob struct {
	Token    string
	TenantID string
	Dir      string
	Strict   bool
	Timeout  time.Duration
}

// DeliveryJob is one outbound notification attempt record. A job lives in
// exactly one of the pending or dead-letter stores, never both.
type DeliveryJob struct {
	SchemaVersion  int
	ID             string
	TenantID       string
	IdempotencyKey string
	Target         string
	Event          string
	Token          string
	Payload        map[string]any
	AttemptCount   int
	NextAttemptAt  time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DecisionReport is the append-only, signed settlement decision for a token.
// At most one exists per token; once written it is immutable.
type DecisionReport struct {
	SchemaVersion       int
	Token               string
	TenantID            string
	Decision            string
	DecidedAt           time.Time
	DecidedBy           string
	BindingHash         string
	ManifestHash        string
	HeadAttestationHash string
	ErrorCodes          []string
	WarningCodes        []string
	SignerKeyID         string
	Signature           string
	SignerReceipt       string
	CreatedAt           time.Time
}

// ResolvedPolicy is the read-only tenant policy consumed by the pipeline.
type ResolvedPolicy struct {
	RequiredMode          string
	AllowWarningApprovals bool
	RequireDecisionCode   bool
	SignerKeyAllowList    []string
}

// AllowsSignerKey reports whether the policy permits the given signer key.
// An empty allow-list permits any key.
func (p ResolvedPolicy) AllowsSignerKey(keyID string) bool {
	if len(p.SignerKeyAllowList) == 0 {
		return true
	}
	keyID = strings.TrimSpace(keyID)
	for _, allowed := range p.SignerKeyAllowList {
		if strings.TrimSpace(allowed) == keyID {
			return true
		}
	}
	return false
}

// NewToken mints an opaque run token. Tokens are minted once per distinct
// (tenant, content hash, scope identity) and are immutable afterwards.
func NewToken() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
