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

// ErrDeadLetterNotFound marks a replay request for a key with no dead-letter
// job.
var ErrDeadLetterNotFound = errors.New("sqlstore: dead-letter job not found")

type DeliveryJobStore struct {
	db   *bun.DB
	repo repository.Repository[*deliveryJobRecord]
}

func NewDeliveryJobStore(db *bun.DB) (*DeliveryJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deliveryJobRecord](db, deliveryJobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery job repository wiring: %w", err)
		}
	}
	return &DeliveryJobStore{db: db, repo: repo}, nil
}

// InsertPending persists one pending job. The unique index on
// (idempotency_key, target) across both tables makes duplicate triggers
// converge on the existing job.
func (s *DeliveryJobStore) InsertPending(ctx context.Context, job core.DeliveryJob) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	key := strings.TrimSpace(job.IdempotencyKey)
	if key == "" {
		return false, fmt.Errorf("sqlstore: idempotency key is required")
	}

	// The dead-letter table shares the key space; a dead job must not be
	// silently recreated as pending.
	exists, err := s.db.NewSelect().
		Model((*deadLetterRecord)(nil)).
		Where("idempotency_key = ?", key).
		Where("target = ?", strings.TrimSpace(job.Target)).
		Exists(ctx)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	record := deliveryJobToRecord(job)
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *DeliveryJobStore) DuePending(ctx context.Context, target string, now time.Time, limit int) ([]core.DeliveryJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records := []*deliveryJobRecord{}
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.target = ?", strings.TrimSpace(target)).
		Where("?TableAlias.next_attempt_at <= ?", now.UTC()).
		OrderExpr("?TableAlias.next_attempt_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]core.DeliveryJob, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, deliveryJobToDomain(record))
	}
	return jobs, nil
}

func (s *DeliveryJobStore) UpdatePending(ctx context.Context, job core.DeliveryJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return fmt.Errorf("sqlstore: job id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*deliveryJobRecord)(nil)).
		Set("attempt_count = ?", job.AttemptCount).
		Set("next_attempt_at = ?", job.NextAttemptAt.UTC()).
		Set("last_error = ?", job.LastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *DeliveryJobStore) CompletePending(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*deliveryJobRecord)(nil)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

// MoveToDeadLetter removes the pending row and inserts the dead-letter row
// in one transaction so the job is never in both stores or neither.
func (s *DeliveryJobStore) MoveToDeadLetter(ctx context.Context, job core.DeliveryJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return fmt.Errorf("sqlstore: job id is required")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewDelete().
			Model((*deliveryJobRecord)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return fmt.Errorf("sqlstore: pending job %q not found", id)
		}
		dead := &deadLetterRecord{
			ID:             uuid.NewString(),
			SchemaVersion:  job.SchemaVersion,
			TenantID:       job.TenantID,
			IdempotencyKey: job.IdempotencyKey,
			Target:         job.Target,
			Event:          job.Event,
			Token:          job.Token,
			Payload:        job.Payload,
			AttemptCount:   job.AttemptCount,
			LastError:      job.LastError,
			CreatedAt:      job.CreatedAt,
			MovedAt:        time.Now().UTC(),
		}
		if _, err := tx.NewInsert().Model(dead).Exec(ctx); err != nil {
			return err
		}
		return nil
	})
}

func (s *DeliveryJobStore) GetDeadLetter(ctx context.Context, idempotencyKey string) (core.DeliveryJob, error) {
	if s == nil || s.db == nil {
		return core.DeliveryJob{}, fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	record := &deadLetterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", strings.TrimSpace(idempotencyKey)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DeliveryJob{}, fmt.Errorf("sqlstore: key %q: %w", idempotencyKey, ErrDeadLetterNotFound)
		}
		return core.DeliveryJob{}, err
	}
	return deadLetterToDomain(record), nil
}

// Replay moves a dead-letter job back to pending in one transaction.
func (s *DeliveryJobStore) Replay(ctx context.Context, idempotencyKey string, resetAttempts bool, nextAttemptAt time.Time) (core.DeliveryJob, error) {
	if s == nil || s.db == nil {
		return core.DeliveryJob{}, fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return core.DeliveryJob{}, fmt.Errorf("sqlstore: idempotency key is required")
	}

	var replayed core.DeliveryJob
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		dead := &deadLetterRecord{}
		err := tx.NewSelect().
			Model(dead).
			Where("?TableAlias.idempotency_key = ?", idempotencyKey).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sqlstore: key %q: %w", idempotencyKey, ErrDeadLetterNotFound)
			}
			return err
		}
		if _, err := tx.NewDelete().
			Model((*deadLetterRecord)(nil)).
			Where("id = ?", dead.ID).
			Exec(ctx); err != nil {
			return err
		}

		attempts := dead.AttemptCount
		if resetAttempts {
			attempts = 0
		}
		now := time.Now().UTC()
		pending := &deliveryJobRecord{
			ID:             uuid.NewString(),
			SchemaVersion:  dead.SchemaVersion,
			TenantID:       dead.TenantID,
			IdempotencyKey: dead.IdempotencyKey,
			Target:         dead.Target,
			Event:          dead.Event,
			Token:          dead.Token,
			Payload:        dead.Payload,
			AttemptCount:   attempts,
			NextAttemptAt:  nextAttemptAt.UTC(),
			LastError:      dead.LastError,
			CreatedAt:      dead.CreatedAt,
			UpdatedAt:      now,
		}
		if _, err := tx.NewInsert().Model(pending).Exec(ctx); err != nil {
			return err
		}
		replayed = deliveryJobToDomain(pending)
		return nil
	})
	if err != nil {
		return core.DeliveryJob{}, err
	}
	return replayed, nil
}

func (s *DeliveryJobStore) DeadLetterCounts(ctx context.Context, target string) (map[core.DeadLetterKey]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: delivery job store is not configured")
	}
	rows := []struct {
		TenantID string `bun:"tenant_id"`
		Target   string `bun:"target"`
		Count    int    `bun:"count"`
	}{}
	query := s.db.NewSelect().
		Model((*deadLetterRecord)(nil)).
		ColumnExpr("tenant_id").
		ColumnExpr("target").
		ColumnExpr("count(*) AS count").
		GroupExpr("tenant_id, target")
	if target = strings.TrimSpace(target); target != "" {
		query = query.Where("target = ?", target)
	}
	if err := query.Scan(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[core.DeadLetterKey]int, len(rows))
	for _, row := range rows {
		counts[core.DeadLetterKey{TenantID: row.TenantID, Target: row.Target}] = row.Count
	}
	return counts, nil
}

func deliveryJobToRecord(job core.DeliveryJob) *deliveryJobRecord {
	payload := job.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &deliveryJobRecord{
		ID:             strings.TrimSpace(job.ID),
		SchemaVersion:  job.SchemaVersion,
		TenantID:       strings.TrimSpace(job.TenantID),
		IdempotencyKey: strings.TrimSpace(job.IdempotencyKey),
		Target:         strings.TrimSpace(job.Target),
		Event:          strings.TrimSpace(job.Event),
		Token:          strings.TrimSpace(job.Token),
		Payload:        payload,
		AttemptCount:   job.AttemptCount,
		NextAttemptAt:  job.NextAttemptAt.UTC(),
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

func deliveryJobToDomain(record *deliveryJobRecord) core.DeliveryJob {
	if record == nil {
		return core.DeliveryJob{}
	}
	return core.DeliveryJob{
		SchemaVersion:  record.SchemaVersion,
		ID:             record.ID,
		TenantID:       record.TenantID,
		IdempotencyKey: record.IdempotencyKey,
		Target:         record.Target,
		Event:          record.Event,
		Token:          record.Token,
		Payload:        record.Payload,
		AttemptCount:   record.AttemptCount,
		NextAttemptAt:  record.NextAttemptAt,
		LastError:      record.LastError,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func deadLetterToDomain(record *deadLetterRecord) core.DeliveryJob {
	if record == nil {
		return core.DeliveryJob{}
	}
	return core.DeliveryJob{
		SchemaVersion:  record.SchemaVersion,
		ID:             record.ID,
		TenantID:       record.TenantID,
		IdempotencyKey: record.IdempotencyKey,
		Target:         record.Target,
		Event:          record.Event,
		Token:          record.Token,
		Payload:        record.Payload,
		AttemptCount:   record.AttemptCount,
		LastError:      record.LastError,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.MovedAt,
	}
}

var _ core.DeliveryJobStore = (*DeliveryJobStore)(nil)
