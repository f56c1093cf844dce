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

type DecisionStore struct {
	db   *bun.DB
	repo repository.Repository[*decisionReportRecord]
}

func NewDecisionStore(db *bun.DB) (*DecisionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*decisionReportRecord](db, decisionReportHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid decision repository wiring: %w", err)
		}
	}
	return &DecisionStore{db: db, repo: repo}, nil
}

// Create inserts the decision report only when no report exists for the
// token. The unique index on token is the atomicity mechanism: concurrent
// writers race the insert and exactly one wins.
func (s *DecisionStore) Create(ctx context.Context, report core.DecisionReport) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: decision store is not configured")
	}
	token := strings.TrimSpace(report.Token)
	if token == "" {
		return false, fmt.Errorf("sqlstore: token is required")
	}
	record := decisionReportToRecord(report)
	record.ID = uuid.NewString()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *DecisionStore) Get(ctx context.Context, token string) (core.DecisionReport, bool, error) {
	if s == nil || s.db == nil {
		return core.DecisionReport{}, false, fmt.Errorf("sqlstore: decision store is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return core.DecisionReport{}, false, fmt.Errorf("sqlstore: token is required")
	}
	record := &decisionReportRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DecisionReport{}, false, nil
		}
		return core.DecisionReport{}, false, err
	}
	return decisionReportToDomain(record), true, nil
}

func decisionReportToRecord(report core.DecisionReport) *decisionReportRecord {
	return &decisionReportRecord{
		SchemaVersion:       report.SchemaVersion,
		Token:               strings.TrimSpace(report.Token),
		TenantID:            strings.TrimSpace(report.TenantID),
		Decision:            report.Decision,
		DecidedAt:           report.DecidedAt.UTC(),
		DecidedBy:           report.DecidedBy,
		BindingHash:         report.BindingHash,
		ManifestHash:        report.ManifestHash,
		HeadAttestationHash: report.HeadAttestationHash,
		ErrorCodes:          cloneCodes(report.ErrorCodes),
		WarningCodes:        cloneCodes(report.WarningCodes),
		SignerKeyID:         report.SignerKeyID,
		Signature:           report.Signature,
		SignerReceipt:       report.SignerReceipt,
		CreatedAt:           report.CreatedAt,
	}
}

func decisionReportToDomain(record *decisionReportRecord) core.DecisionReport {
	if record == nil {
		return core.DecisionReport{}
	}
	return core.DecisionReport{
		SchemaVersion:       record.SchemaVersion,
		Token:               record.Token,
		TenantID:            record.TenantID,
		Decision:            record.Decision,
		DecidedAt:           record.DecidedAt,
		DecidedBy:           record.DecidedBy,
		BindingHash:         record.BindingHash,
		ManifestHash:        record.ManifestHash,
		HeadAttestationHash: record.HeadAttestationHash,
		ErrorCodes:          cloneCodes(record.ErrorCodes),
		WarningCodes:        cloneCodes(record.WarningCodes),
		SignerKeyID:         record.SignerKeyID,
		Signature:           record.Signature,
		SignerReceipt:       record.SignerReceipt,
		CreatedAt:           record.CreatedAt,
	}
}

var _ core.DecisionStore = (*DecisionStore)(nil)
