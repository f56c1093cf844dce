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

type DedupIndexStore struct {
	db   *bun.DB
	repo repository.Repository[*dedupEntryRecord]
}

func NewDedupIndexStore(db *bun.DB) (*DedupIndexStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*dedupEntryRecord](db, dedupEntryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dedup index repository wiring: %w", err)
		}
	}
	return &DedupIndexStore{db: db, repo: repo}, nil
}

func (s *DedupIndexStore) Lookup(ctx context.Context, tenantID string, contentHash string) (core.DedupEntry, bool, error) {
	if s == nil || s.db == nil {
		return core.DedupEntry{}, false, fmt.Errorf("sqlstore: dedup index store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	contentHash = strings.ToLower(strings.TrimSpace(contentHash))
	if tenantID == "" || contentHash == "" {
		return core.DedupEntry{}, false, fmt.Errorf("sqlstore: tenant id and content hash are required")
	}
	record := &dedupEntryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.content_hash = ?", contentHash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DedupEntry{}, false, nil
		}
		return core.DedupEntry{}, false, err
	}
	return dedupEntryToDomain(record), true, nil
}

// Reserve binds (tenant, content hash) to a token. The unique index on the
// pair makes concurrent reservations converge: the loser reads back the
// winner's entry and reports existed=true.
func (s *DedupIndexStore) Reserve(ctx context.Context, entry core.DedupEntry) (core.DedupEntry, bool, error) {
	if s == nil || s.db == nil {
		return core.DedupEntry{}, false, fmt.Errorf("sqlstore: dedup index store is not configured")
	}
	tenantID := strings.TrimSpace(entry.TenantID)
	contentHash := strings.ToLower(strings.TrimSpace(entry.ContentHash))
	token := strings.TrimSpace(entry.Token)
	if tenantID == "" || contentHash == "" || token == "" {
		return core.DedupEntry{}, false, fmt.Errorf("sqlstore: tenant id, content hash, and token are required")
	}

	record := &dedupEntryRecord{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		ContentHash:         contentHash,
		Token:               token,
		VendorID:            strings.TrimSpace(entry.Scope.VendorID),
		ContractID:          strings.TrimSpace(entry.Scope.ContractID),
		TemplateID:          strings.TrimSpace(entry.Scope.TemplateID),
		ConfigHash:          strings.TrimSpace(entry.Scope.ConfigHash),
		ResolvedMode:        strings.TrimSpace(entry.Scope.ResolvedMode),
		TrustSetHash:        strings.TrimSpace(entry.Scope.TrustSetHash),
		PricingTrustSetHash: strings.TrimSpace(entry.Scope.PricingTrustSetHash),
		PolicySetHash:       strings.TrimSpace(entry.Scope.PolicySetHash),
		CreatedAt:           time.Now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, found, getErr := s.Lookup(ctx, tenantID, contentHash)
			if getErr != nil {
				return core.DedupEntry{}, false, getErr
			}
			if !found {
				return core.DedupEntry{}, false, fmt.Errorf("sqlstore: dedup entry vanished for tenant %q hash %q", tenantID, contentHash)
			}
			return existing, true, nil
		}
		return core.DedupEntry{}, false, err
	}
	return dedupEntryToDomain(record), false, nil
}

func dedupEntryToDomain(record *dedupEntryRecord) core.DedupEntry {
	if record == nil {
		return core.DedupEntry{}
	}
	return core.DedupEntry{
		TenantID:    record.TenantID,
		ContentHash: record.ContentHash,
		Token:       record.Token,
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
		CreatedAt: record.CreatedAt,
	}
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ core.DedupIndexStore = (*DedupIndexStore)(nil)
