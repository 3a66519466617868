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

	"github.com/shiplog/issuesync/core"
)

type WebhookDeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookDeliveryRecord]
	Now  func() time.Time
}

func NewWebhookDeliveryStore(db *bun.DB) (*WebhookDeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookDeliveryRecord](db, webhookDeliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook delivery repository wiring: %w", err)
		}
	}
	return &WebhookDeliveryStore{
		db:   db,
		repo: repo,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// Reserve claims the delivery for processing. A duplicate insert falls back
// to the surviving row: retry_ready rows are reclaimed (the sender is
// redelivering a failed delivery), anything else is a dedupe hit.
func (s *WebhookDeliveryStore) Reserve(
	ctx context.Context,
	platform core.Platform,
	deliveryID string,
	payload []byte,
) (core.DeliveryRecord, bool, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.DeliveryRecord{}, false, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return core.DeliveryRecord{}, false, fmt.Errorf("sqlstore: delivery id is required")
	}

	now := s.now()
	record := &webhookDeliveryRecord{
		ID:         uuid.NewString(),
		Platform:   string(platform),
		DeliveryID: deliveryID,
		Status:     core.DeliveryStatusPending,
		Attempts:   1,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.Get(ctx, platform, deliveryID)
			if getErr != nil {
				return core.DeliveryRecord{}, false, getErr
			}
			if existing.Status == core.DeliveryStatusRetry {
				return s.reclaim(ctx, platform, existing)
			}
			return existing, false, nil
		}
		return core.DeliveryRecord{}, false, err
	}
	return webhookDeliveryToDomain(record), true, nil
}

func (s *WebhookDeliveryStore) reclaim(
	ctx context.Context,
	platform core.Platform,
	existing core.DeliveryRecord,
) (core.DeliveryRecord, bool, error) {
	now := s.now()
	result, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", core.DeliveryStatusPending).
		Set("attempts = ?", existing.Attempts+1).
		Set("updated_at = ?", now).
		Where("platform = ?", string(platform)).
		Where("delivery_id = ?", existing.DeliveryID).
		Where("status = ?", core.DeliveryStatusRetry).
		Exec(ctx)
	if err != nil {
		return core.DeliveryRecord{}, false, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		refreshed, getErr := s.Get(ctx, platform, existing.DeliveryID)
		if getErr != nil {
			return core.DeliveryRecord{}, false, getErr
		}
		return refreshed, false, nil
	}
	existing.Status = core.DeliveryStatusPending
	existing.Attempts++
	existing.UpdatedAt = now
	return existing, true, nil
}

func (s *WebhookDeliveryStore) Get(
	ctx context.Context,
	platform core.Platform,
	deliveryID string,
) (core.DeliveryRecord, error) {
	if s == nil || s.repo == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("platform", "=", string(platform)),
		repository.SelectBy("delivery_id", "=", strings.TrimSpace(deliveryID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.DeliveryRecord{}, err
	}
	if len(records) == 0 {
		return core.DeliveryRecord{}, fmt.Errorf(
			"sqlstore: webhook delivery not found for platform %q delivery %q",
			platform,
			deliveryID,
		)
	}
	return webhookDeliveryToDomain(records[0]), nil
}

func (s *WebhookDeliveryStore) MarkProcessed(
	ctx context.Context,
	platform core.Platform,
	deliveryID string,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", core.DeliveryStatusProcessed).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("platform = ?", string(platform)).
		Where("delivery_id = ?", strings.TrimSpace(deliveryID)).
		Exec(ctx)
	return err
}

func (s *WebhookDeliveryStore) MarkRetry(
	ctx context.Context,
	platform core.Platform,
	deliveryID string,
	cause error,
	nextAttemptAt time.Time,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", core.DeliveryStatusRetry).
		Set("next_attempt_at = ?", nextAttemptAt.UTC()).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.now()).
		Where("platform = ?", string(platform)).
		Where("delivery_id = ?", strings.TrimSpace(deliveryID)).
		Exec(ctx)
	return err
}

func (s *WebhookDeliveryStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func webhookDeliveryToDomain(record *webhookDeliveryRecord) core.DeliveryRecord {
	if record == nil {
		return core.DeliveryRecord{}
	}
	result := core.DeliveryRecord{
		ID:         record.ID,
		Platform:   core.Platform(record.Platform),
		DeliveryID: record.DeliveryID,
		Status:     record.Status,
		Attempts:   record.Attempts,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
	if record.NextAttemptAt != nil {
		value := *record.NextAttemptAt
		result.NextAttemptAt = &value
	}
	return result
}

var _ core.DeliveryLedger = (*WebhookDeliveryStore)(nil)
