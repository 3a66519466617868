package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/shiplog/issuesync/core"
)

type RetryTaskStore struct {
	db   *bun.DB
	repo repository.Repository[*retryTaskRecord]
	Now  func() time.Time
}

func NewRetryTaskStore(db *bun.DB) (*RetryTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*retryTaskRecord](db, retryTaskHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid retry task repository wiring: %w", err)
		}
	}
	return &RetryTaskStore{
		db:   db,
		repo: repo,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *RetryTaskStore) Enqueue(ctx context.Context, task core.RetryTask) (core.RetryTask, error) {
	if s == nil || s.repo == nil {
		return core.RetryTask{}, fmt.Errorf("sqlstore: retry task store is not configured")
	}
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = core.RetryTaskStatusPending
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	record, err := s.repo.Create(ctx, retryTaskFromDomain(task))
	if err != nil {
		return core.RetryTask{}, err
	}
	return retryTaskToDomain(record), nil
}

// Claim marks due pending tasks in-flight and returns them. The status guard
// in the update keeps a concurrent sweeper from claiming the same task.
func (s *RetryTaskStore) Claim(ctx context.Context, now time.Time, limit int) ([]core.RetryTask, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: retry task store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", string(core.RetryTaskStatusPending)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.next_attempt_at IS NULL OR ?TableAlias.next_attempt_at <= ?", now.UTC())
		}),
		repository.OrderBy("next_attempt_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}

	claimed := make([]core.RetryTask, 0, len(records))
	for _, record := range records {
		result, err := s.db.NewUpdate().
			Model((*retryTaskRecord)(nil)).
			Set("status = ?", string(core.RetryTaskStatusInFlight)).
			Set("updated_at = ?", s.now()).
			Where("id = ?", record.ID).
			Where("status = ?", string(core.RetryTaskStatusPending)).
			Exec(ctx)
		if err != nil {
			return nil, err
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			continue
		}
		record.Status = string(core.RetryTaskStatusInFlight)
		claimed = append(claimed, retryTaskToDomain(record))
	}
	return claimed, nil
}

func (s *RetryTaskStore) Update(ctx context.Context, task core.RetryTask) (core.RetryTask, error) {
	if s == nil || s.db == nil {
		return core.RetryTask{}, fmt.Errorf("sqlstore: retry task store is not configured")
	}
	taskID := strings.TrimSpace(task.ID)
	if taskID == "" {
		return core.RetryTask{}, fmt.Errorf("sqlstore: task id is required")
	}
	task.UpdatedAt = s.now()

	result, err := s.db.NewUpdate().
		Model((*retryTaskRecord)(nil)).
		Set("status = ?", string(task.Status)).
		Set("attempts = ?", task.Attempts).
		Set("next_attempt_at = ?", cloneTimePointer(task.NextAttemptAt)).
		Set("last_error = ?", strings.TrimSpace(task.LastError)).
		Set("updated_at = ?", task.UpdatedAt).
		Where("id = ?", taskID).
		Exec(ctx)
	if err != nil {
		return core.RetryTask{}, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return core.RetryTask{}, core.ErrRetryTaskNotFound
	}
	return task, nil
}

func (s *RetryTaskStore) Complete(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: retry task store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*retryTaskRecord)(nil)).
		Set("status = ?", string(core.RetryTaskStatusSucceeded)).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(taskID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return core.ErrRetryTaskNotFound
	}
	return nil
}

func (s *RetryTaskStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func retryTaskFromDomain(task core.RetryTask) *retryTaskRecord {
	return &retryTaskRecord{
		ID:            task.ID,
		Platform:      string(task.Event.Platform),
		Kind:          task.Event.Kind,
		ExternalKey:   task.Event.ExternalKey,
		DeliveryID:    task.Event.DeliveryID,
		Payload:       append([]byte(nil), task.Event.Payload...),
		ReceivedAt:    task.Event.ReceivedAt,
		Status:        string(task.Status),
		Attempts:      task.Attempts,
		NextAttemptAt: cloneTimePointer(task.NextAttemptAt),
		LastError:     strings.TrimSpace(task.LastError),
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
	}
}

func retryTaskToDomain(record *retryTaskRecord) core.RetryTask {
	if record == nil {
		return core.RetryTask{}
	}
	return core.RetryTask{
		ID: record.ID,
		Event: core.WebhookEvent{
			Platform:    core.Platform(record.Platform),
			Kind:        record.Kind,
			ExternalKey: record.ExternalKey,
			DeliveryID:  record.DeliveryID,
			Payload:     append([]byte(nil), record.Payload...),
			ReceivedAt:  record.ReceivedAt,
		},
		Status:        core.RetryTaskStatus(record.Status),
		Attempts:      record.Attempts,
		NextAttemptAt: cloneTimePointer(record.NextAttemptAt),
		LastError:     record.LastError,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

var _ core.RetryTaskStore = (*RetryTaskStore)(nil)
