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

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
	Now  func() time.Time
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{
		db:   db,
		repo: repo,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *DeadLetterStore) Record(ctx context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	if s == nil || s.repo == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	if strings.TrimSpace(letter.ID) == "" {
		letter.ID = uuid.NewString()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = s.now()
	}
	record := &deadLetterRecord{
		ID:          letter.ID,
		TaskID:      strings.TrimSpace(letter.TaskID),
		Platform:    string(letter.Platform),
		ExternalKey: strings.TrimSpace(letter.ExternalKey),
		Kind:        strings.TrimSpace(letter.Kind),
		Attempts:    letter.Attempts,
		LastError:   strings.TrimSpace(letter.LastError),
		CreatedAt:   letter.CreatedAt,
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.DeadLetter{}, err
	}
	return deadLetterToDomain(created), nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	letters := make([]core.DeadLetter, 0, len(records))
	for _, record := range records {
		letters = append(letters, deadLetterToDomain(record))
	}
	return letters, nil
}

func (s *DeadLetterStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func deadLetterToDomain(record *deadLetterRecord) core.DeadLetter {
	if record == nil {
		return core.DeadLetter{}
	}
	return core.DeadLetter{
		ID:          record.ID,
		TaskID:      record.TaskID,
		Platform:    core.Platform(record.Platform),
		ExternalKey: record.ExternalKey,
		Kind:        record.Kind,
		Attempts:    record.Attempts,
		LastError:   record.LastError,
		CreatedAt:   record.CreatedAt,
	}
}

var _ core.DeadLetterStore = (*DeadLetterStore)(nil)
