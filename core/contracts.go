package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// MappingStore is the persistence contract for entity mappings. CreateMapping
// must be atomic under concurrent first contact for the same
// (platform, external key) pair: exactly one mapping survives and both
// callers observe it.
type MappingStore interface {
	FindMapping(ctx context.Context, platform Platform, externalKey string) (EntityMapping, error)
	CreateMapping(ctx context.Context, platform Platform, externalKey string) (EntityMapping, error)
}

type EntityStateStore interface {
	GetState(ctx context.Context, internalID string) (EntityState, error)
	PutState(ctx context.Context, state EntityState) error
}

// PullRequestMetadataStore overwrites the whole row on every put.
type PullRequestMetadataStore interface {
	PutMetadata(ctx context.Context, meta PullRequestMetadata) error
	GetMetadata(ctx context.Context, internalID string) (PullRequestMetadata, error)
}

// RetryTaskStore is the durable retry queue. Claim returns tasks whose
// next-eligible time has passed, marking them in-flight so a concurrent
// sweep cannot pick them up twice.
type RetryTaskStore interface {
	Enqueue(ctx context.Context, task RetryTask) (RetryTask, error)
	Claim(ctx context.Context, now time.Time, limit int) ([]RetryTask, error)
	Update(ctx context.Context, task RetryTask) (RetryTask, error)
	Complete(ctx context.Context, taskID string) error
}

type DeadLetterStore interface {
	Record(ctx context.Context, letter DeadLetter) (DeadLetter, error)
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// DeliveryLedger dedupes webhook deliveries at the intake boundary.
type DeliveryLedger interface {
	Reserve(ctx context.Context, platform Platform, deliveryID string, payload []byte) (DeliveryRecord, bool, error)
	Get(ctx context.Context, platform Platform, deliveryID string) (DeliveryRecord, error)
	MarkProcessed(ctx context.Context, platform Platform, deliveryID string) error
	MarkRetry(ctx context.Context, platform Platform, deliveryID string, cause error, nextAttemptAt time.Time) error
}

const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusProcessed = "processed"
	DeliveryStatusRetry     = "retry_ready"
)

type DeliveryRecord struct {
	ID            string
	Platform      Platform
	DeliveryID    string
	Status        string
	Attempts      int
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PlatformClient is the opaque outbound collaborator. Calls are bounded by a
// timeout and failures are treated as transient by the engine.
type PlatformClient interface {
	ReviewCycleCount(ctx context.Context, externalKey string, number int) (int, error)
}

// OperatorNotifier is the operator-visible failure channel: dead retry tasks
// and security rejections land here.
type OperatorNotifier interface {
	NotifyDeadLetter(ctx context.Context, letter DeadLetter)
	NotifySecurityRejection(ctx context.Context, event WebhookEvent, reason string)
}

type InboundRequest struct {
	Platform Platform
	Headers  map[string]string
	Body     []byte
	Metadata map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

// EventProcessor is implemented by the sync engine and consumed by intake and
// the retry coordinator.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event WebhookEvent) (SyncOutcome, error)
}

// EntityResolver maps an external identifier to an internal one with
// resolve-or-create semantics.
type EntityResolver interface {
	Resolve(ctx context.Context, platform Platform, externalKey string) (EntityMapping, error)
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type StoreProvider interface {
	MappingStore() MappingStore
	EntityStateStore() EntityStateStore
	PullRequestMetadataStore() PullRequestMetadataStore
	RetryTaskStore() RetryTaskStore
	DeadLetterStore() DeadLetterStore
	DeliveryLedger() DeliveryLedger
}
