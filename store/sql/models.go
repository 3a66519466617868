package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type entityMappingRecord struct {
	bun.BaseModel `bun:"table:issuesync_entity_mappings,alias:iem"`

	ID          string    `bun:"id,pk"`
	Platform    string    `bun:"platform,notnull"`
	ExternalKey string    `bun:"external_key,notnull"`
	InternalID  string    `bun:"internal_id,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type entityStateRecord struct {
	bun.BaseModel `bun:"table:issuesync_entity_states,alias:ies"`

	InternalID  string    `bun:"internal_id,pk"`
	Platform    string    `bun:"platform,notnull"`
	ExternalKey string    `bun:"external_key,notnull"`
	Status      string    `bun:"status,notnull"`
	StatusLabel string    `bun:"status_label"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type pullRequestMetadataRecord struct {
	bun.BaseModel `bun:"table:issuesync_pull_request_metadata,alias:iprm"`

	InternalID       string     `bun:"internal_id,pk"`
	Number           int        `bun:"number,notnull"`
	Title            string     `bun:"title"`
	Author           string     `bun:"author"`
	Additions        int        `bun:"additions,notnull"`
	Deletions        int        `bun:"deletions,notnull"`
	ReviewCycles     int        `bun:"review_cycles,notnull"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull"`
	MergedAt         *time.Time `bun:"merged_at,nullzero"`
	TimeToMergeHours *float64   `bun:"time_to_merge_hours"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type retryTaskRecord struct {
	bun.BaseModel `bun:"table:issuesync_retry_tasks,alias:irt"`

	ID            string     `bun:"id,pk"`
	Platform      string     `bun:"platform,notnull"`
	Kind          string     `bun:"kind,notnull"`
	ExternalKey   string     `bun:"external_key,notnull"`
	DeliveryID    string     `bun:"delivery_id"`
	Payload       []byte     `bun:"payload"`
	ReceivedAt    time.Time  `bun:"received_at,nullzero"`
	Status        string     `bun:"status,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	LastError     string     `bun:"last_error"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:issuesync_dead_letters,alias:idl"`

	ID          string    `bun:"id,pk"`
	TaskID      string    `bun:"task_id,notnull"`
	Platform    string    `bun:"platform,notnull"`
	ExternalKey string    `bun:"external_key,notnull"`
	Kind        string    `bun:"kind,notnull"`
	Attempts    int       `bun:"attempts,notnull"`
	LastError   string    `bun:"last_error"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:issuesync_webhook_deliveries,alias:iwd"`

	ID            string     `bun:"id,pk"`
	Platform      string     `bun:"platform,notnull"`
	DeliveryID    string     `bun:"delivery_id,notnull"`
	Status        string     `bun:"status,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	Payload       []byte     `bun:"payload"`
	LastError     string     `bun:"last_error"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
