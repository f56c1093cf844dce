package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/settld/go-settle/core"
)

type RunStore struct {
	db   *bun.DB
	repo repository.Repository[*runRecord]
}

func NewRunStore(db *bun.DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*runRecord](db, runHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid run repository wiring: %w", err)
		}
	}
	return &RunStore{db: db, repo: repo}, nil
}

func (s *RunStore) Create(ctx context.Context, meta core.RunMeta) (core.RunMeta, error) {
	if s == nil || s.db == nil {
		return core.RunMeta{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	token := strings.TrimSpace(meta.Token)
	if token == "" {
		return core.RunMeta{}, fmt.Errorf("sqlstore: token is required")
	}
	record := runToRecord(meta)
	record.ID = uuid.NewString()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.RunMeta{}, fmt.Errorf("sqlstore: insert run %q: %w", token, err)
	}
	return runToDomain(record), nil
}

func (s *RunStore) Get(ctx context.Context, token string) (core.RunMeta, error) {
	if s == nil || s.db == nil {
		return core.RunMeta{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return core.RunMeta{}, fmt.Errorf("sqlstore: token is required")
	}
	record := &runRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.RunMeta{}, fmt.Errorf("sqlstore: run %q: %w", token, core.ErrRunNotFound)
		}
		return core.RunMeta{}, err
	}
	return runToDomain(record), nil
}

func (s *RunStore) Update(ctx context.Context, meta core.RunMeta) (core.RunMeta, error) {
	if s == nil || s.db == nil {
		return core.RunMeta{}, fmt.Errorf("sqlstore: run store is not configured")
	}
	token := strings.TrimSpace(meta.Token)
	if token == "" {
		return core.RunMeta{}, fmt.Errorf("sqlstore: token is required")
	}
	record := runToRecord(meta)
	record.UpdatedAt = time.Now().UTC()
	result, err := s.db.NewUpdate().
		Model(record).
		Column(
			"status", "verify_ok", "manifest_hash", "head_attestation_hash",
			"error_codes", "warning_codes",
			"revoked", "revoked_reason", "revoked_at",
			"expires_at", "retention_until",
			"mode_requested", "mode_required", "resolved_mode",
			"trust_set_hash", "pricing_trust_set_hash", "policy_set_hash",
			"content_size", "storage_path",
			"started_at", "finished_at", "updated_at",
		).
		Where("token = ?", token).
		Exec(ctx)
	if err != nil {
		return core.RunMeta{}, fmt.Errorf("sqlstore: update run %q: %w", token, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return core.RunMeta{}, fmt.Errorf("sqlstore: run %q: %w", token, core.ErrRunNotFound)
	}
	return s.Get(ctx, token)
}

func runToRecord(meta core.RunMeta) *runRecord {
	return &runRecord{
		SchemaVersion:       meta.SchemaVersion,
		Token:               strings.TrimSpace(meta.Token),
		TenantID:            strings.TrimSpace(meta.TenantID),
		ContentHash:         strings.TrimSpace(meta.ContentHash),
		ContentSize:         meta.ContentSize,
		StoragePath:         meta.StoragePath,
		VendorID:            strings.TrimSpace(meta.Scope.VendorID),
		ContractID:          strings.TrimSpace(meta.Scope.ContractID),
		TemplateID:          strings.TrimSpace(meta.Scope.TemplateID),
		ConfigHash:          strings.TrimSpace(meta.Scope.ConfigHash),
		ResolvedMode:        strings.TrimSpace(meta.Scope.ResolvedMode),
		TrustSetHash:        strings.TrimSpace(meta.Scope.TrustSetHash),
		PricingTrustSetHash: strings.TrimSpace(meta.Scope.PricingTrustSetHash),
		PolicySetHash:       strings.TrimSpace(meta.Scope.PolicySetHash),
		ModeRequested:       meta.ModeRequested,
		ModeRequired:        meta.ModeRequired,
		Status:              meta.Status,
		VerifyOK:            meta.VerifyOK,
		ManifestHash:        meta.ManifestHash,
		HeadAttestationHash: meta.HeadAttestationHash,
		ErrorCodes:          cloneCodes(meta.ErrorCodes),
		WarningCodes:        cloneCodes(meta.WarningCodes),
		Revoked:             meta.Revoked,
		RevokedReason:       meta.RevokedReason,
		RevokedAt:           cloneTimePointer(meta.RevokedAt),
		ExpiresAt:           cloneTimePointer(meta.ExpiresAt),
		RetentionUntil:      cloneTimePointer(meta.RetentionUntil),
		CreatedAt:           meta.CreatedAt,
		StartedAt:           cloneTimePointer(meta.StartedAt),
		FinishedAt:          cloneTimePointer(meta.FinishedAt),
		UpdatedAt:           meta.UpdatedAt,
	}
}

func runToDomain(record *runRecord) core.RunMeta {
	if record == nil {
		return core.RunMeta{}
	}
	return core.RunMeta{
		SchemaVersion: record.SchemaVersion,
		Token:         record.Token,
		TenantID:      record.TenantID,
		ContentHash:   record.ContentHash,
		ContentSize:   record.ContentSize,
		StoragePath:   record.StoragePath,
		Scope: core.RunScope{
			VendorID:            record.VendorID,
			ContractID:          record.ContractID,
			TemplateID:          record.TemplateID,
			ConfigHash:          record.ConfigHash,
			ResolvedMode:        record.ResolvedMode,
			TrustSetHash:        record.TrustSetHash,
			PricingTrustSetHash: record.PricingTrustSetHash,
			PolicySetHash:       record.PolicySetHash,
		},
		ModeRequested:       record.ModeRequested,
		ModeRequired:        record.ModeRequired,
		Status:              record.Status,
		VerifyOK:            record.VerifyOK,
		ManifestHash:        record.ManifestHash,
		HeadAttestationHash: record.HeadAttestationHash,
		ErrorCodes:          cloneCodes(record.ErrorCodes),
		WarningCodes:        cloneCodes(record.WarningCodes),
		Revoked:             record.Revoked,
		RevokedReason:       record.RevokedReason,
		RevokedAt:           cloneTimePointer(record.RevokedAt),
		ExpiresAt:           cloneTimePointer(record.ExpiresAt),
		RetentionUntil:      cloneTimePointer(record.RetentionUntil),
		CreatedAt:           record.CreatedAt,
		StartedAt:           cloneTimePointer(record.StartedAt),
		FinishedAt:          cloneTimePointer(record.FinishedAt),
		UpdatedAt:           record.UpdatedAt,
	}
}

func cloneCodes(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return append([]string(nil), codes...)
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

var _ core.RunStore = (*RunStore)(nil)
