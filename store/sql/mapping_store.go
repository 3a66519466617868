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

type EntityMappingStore struct {
	db   *bun.DB
	repo repository.Repository[*entityMappingRecord]
	Now  func() time.Time
}

func NewEntityMappingStore(db *bun.DB) (*EntityMappingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*entityMappingRecord](db, entityMappingHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid entity mapping repository wiring: %w", err)
		}
	}
	return &EntityMappingStore{
		db:   db,
		repo: repo,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *EntityMappingStore) FindMapping(
	ctx context.Context,
	platform core.Platform,
	externalKey string,
) (core.EntityMapping, error) {
	if s == nil || s.repo == nil {
		return core.EntityMapping{}, fmt.Errorf("sqlstore: entity mapping store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("platform", "=", string(platform)),
		repository.SelectBy("external_key", "=", strings.TrimSpace(externalKey)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.EntityMapping{}, core.ErrMappingNotFound
		}
		return core.EntityMapping{}, err
	}
	if len(records) == 0 {
		return core.EntityMapping{}, core.ErrMappingNotFound
	}
	return entityMappingToDomain(records[0]), nil
}

// CreateMapping inserts a fresh mapping and falls back to the surviving row
// when a concurrent first contact wins the unique index race. Both callers
// observe the same mapping either way.
func (s *EntityMappingStore) CreateMapping(
	ctx context.Context,
	platform core.Platform,
	externalKey string,
) (core.EntityMapping, error) {
	if s == nil || s.repo == nil {
		return core.EntityMapping{}, fmt.Errorf("sqlstore: entity mapping store is not configured")
	}
	externalKey = strings.TrimSpace(externalKey)
	if externalKey == "" {
		return core.EntityMapping{}, fmt.Errorf("sqlstore: external key is required")
	}

	now := s.now()
	record := &entityMappingRecord{
		ID:          uuid.NewString(),
		Platform:    string(platform),
		ExternalKey: externalKey,
		InternalID:  uuid.NewString(),
		CreatedAt:   now,
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if isUniqueViolation(err) {
			return s.FindMapping(ctx, platform, externalKey)
		}
		return core.EntityMapping{}, err
	}
	return entityMappingToDomain(created), nil
}

func (s *EntityMappingStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func entityMappingToDomain(record *entityMappingRecord) core.EntityMapping {
	if record == nil {
		return core.EntityMapping{}
	}
	return core.EntityMapping{
		ExternalKey: record.ExternalKey,
		InternalID:  record.InternalID,
		Platform:    core.Platform(record.Platform),
		CreatedAt:   record.CreatedAt,
	}
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ core.MappingStore = (*EntityMappingStore)(nil)
