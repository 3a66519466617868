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

type PullRequestMetadataStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewPullRequestMetadataStore(db *bun.DB) (*PullRequestMetadataStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &PullRequestMetadataStore{
		db: db,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// PutMetadata overwrites the whole row so a delivered event can never leave
// a partially stale mix of fields behind.
func (s *PullRequestMetadataStore) PutMetadata(ctx context.Context, meta core.PullRequestMetadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: pull request metadata store is not configured")
	}
	internalID := strings.TrimSpace(meta.InternalID)
	if internalID == "" {
		return fmt.Errorf("sqlstore: internal id is required")
	}
	record := &pullRequestMetadataRecord{
		InternalID:       internalID,
		Number:           meta.Number,
		Title:            strings.TrimSpace(meta.Title),
		Author:           strings.TrimSpace(meta.Author),
		Additions:        meta.Additions,
		Deletions:        meta.Deletions,
		ReviewCycles:     meta.ReviewCycles,
		CreatedAt:        meta.CreatedAt.UTC(),
		MergedAt:         cloneTimePointer(meta.MergedAt),
		TimeToMergeHours: cloneFloatPointer(meta.TimeToMergeHours),
		UpdatedAt:        s.now(),
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (internal_id) DO UPDATE").
		Set("number = EXCLUDED.number").
		Set("title = EXCLUDED.title").
		Set("author = EXCLUDED.author").
		Set("additions = EXCLUDED.additions").
		Set("deletions = EXCLUDED.deletions").
		Set("review_cycles = EXCLUDED.review_cycles").
		Set("created_at = EXCLUDED.created_at").
		Set("merged_at = EXCLUDED.merged_at").
		Set("time_to_merge_hours = EXCLUDED.time_to_merge_hours").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *PullRequestMetadataStore) GetMetadata(ctx context.Context, internalID string) (core.PullRequestMetadata, error) {
	if s == nil || s.db == nil {
		return core.PullRequestMetadata{}, fmt.Errorf("sqlstore: pull request metadata store is not configured")
	}
	record := &pullRequestMetadataRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.internal_id = ?", strings.TrimSpace(internalID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.PullRequestMetadata{}, fmt.Errorf(
				"sqlstore: pull request metadata not found for %q", internalID)
		}
		return core.PullRequestMetadata{}, err
	}
	return core.PullRequestMetadata{
		InternalID:       record.InternalID,
		Number:           record.Number,
		Title:            record.Title,
		Author:           record.Author,
		Additions:        record.Additions,
		Deletions:        record.Deletions,
		ReviewCycles:     record.ReviewCycles,
		CreatedAt:        record.CreatedAt,
		MergedAt:         cloneTimePointer(record.MergedAt),
		TimeToMergeHours: cloneFloatPointer(record.TimeToMergeHours),
	}, nil
}

func (s *PullRequestMetadataStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func cloneFloatPointer(input *float64) *float64 {
	if input == nil {
		return nil
	}
	value := *input
	return &value
}

var _ core.PullRequestMetadataStore = (*PullRequestMetadataStore)(nil)
