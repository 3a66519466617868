package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/shiplog/issuesync/core"
)

type EntityStateStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewEntityStateStore(db *bun.DB) (*EntityStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &EntityStateStore{
		db: db,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *EntityStateStore) GetState(ctx context.Context, internalID string) (core.EntityState, error) {
	if s == nil || s.db == nil {
		return core.EntityState{}, fmt.Errorf("sqlstore: entity state store is not configured")
	}
	record := &entityStateRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.internal_id = ?", strings.TrimSpace(internalID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.EntityState{}, core.ErrEntityStateNotFound
		}
		return core.EntityState{}, err
	}
	return entityStateToDomain(record), nil
}

func (s *EntityStateStore) PutState(ctx context.Context, state core.EntityState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: entity state store is not configured")
	}
	internalID := strings.TrimSpace(state.InternalID)
	if internalID == "" {
		return fmt.Errorf("sqlstore: internal id is required")
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	record := &entityStateRecord{
		InternalID:  internalID,
		Platform:    string(state.Platform),
		ExternalKey: strings.TrimSpace(state.ExternalKey),
		Status:      string(state.Status),
		StatusLabel: strings.TrimSpace(state.StatusLabel),
		UpdatedAt:   updatedAt.UTC(),
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (internal_id) DO UPDATE").
		Set("platform = EXCLUDED.platform").
		Set("external_key = EXCLUDED.external_key").
		Set("status = EXCLUDED.status").
		Set("status_label = EXCLUDED.status_label").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *EntityStateStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func entityStateToDomain(record *entityStateRecord) core.EntityState {
	if record == nil {
		return core.EntityState{}
	}
	return core.EntityState{
		InternalID:  record.InternalID,
		Platform:    core.Platform(record.Platform),
		ExternalKey: record.ExternalKey,
		Status:      core.CanonicalStatus(record.Status),
		StatusLabel: record.StatusLabel,
		UpdatedAt:   record.UpdatedAt,
	}
}

var _ core.EntityStateStore = (*EntityStateStore)(nil)
