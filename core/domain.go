package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMappingNotFound                  = errors.New("core: entity mapping not found")
	ErrEntityStateNotFound              = errors.New("core: entity state not found")
	ErrRetryTaskNotFound                = errors.New("core: retry task not found")
	ErrInvalidRetryTaskStatusTransition = errors.New("core: invalid retry task status transition")
	ErrInvalidPlatform                  = errors.New("core: invalid platform")
)

type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformJira   Platform = "jira"
)

func ParsePlatform(value string) (Platform, error) {
	switch Platform(strings.TrimSpace(strings.ToLower(value))) {
	case PlatformGitHub:
		return PlatformGitHub, nil
	case PlatformJira:
		return PlatformJira, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, value)
	}
}

type CanonicalStatus string

const (
	StatusBacklog  CanonicalStatus = "backlog"
	StatusActive   CanonicalStatus = "active"
	StatusReleased CanonicalStatus = "released"
	StatusUnknown  CanonicalStatus = "unknown"
)

// WebhookEvent is the unit of work flowing through the engine. Immutable once
// constructed; the sync engine owns it during processing and hands ownership
// to the retry coordinator on failure.
type WebhookEvent struct {
	Platform    Platform
	Kind        string
	ExternalKey string
	DeliveryID  string
	Payload     []byte
	ReceivedAt  time.Time
}

// Fingerprint returns the event's idempotency version: a SHA-256 digest over
// platform, external key, and event kind. It doubles as the dedupe key when
// the sender supplies no delivery id header.
func (e WebhookEvent) Fingerprint() string {
	sum := sha256.Sum256([]byte(string(e.Platform) + ":" + e.ExternalKey + ":" + e.Kind))
	return hex.EncodeToString(sum[:])
}

func (e WebhookEvent) Validate() error {
	if _, err := ParsePlatform(string(e.Platform)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Kind) == "" {
		return fmt.Errorf("core: event kind is required")
	}
	if strings.TrimSpace(e.ExternalKey) == "" {
		return fmt.Errorf("core: external key is required")
	}
	return nil
}

// EntityMapping binds an external identifier to an internal one. Created once
// per (platform, external key) pair and never deleted in normal operation.
type EntityMapping struct {
	ExternalKey string
	InternalID  string
	Platform    Platform
	CreatedAt   time.Time
}

// EntityState is the persisted canonical view of a tracked issue or pull
// request.
type EntityState struct {
	InternalID  string
	Platform    Platform
	ExternalKey string
	Status      CanonicalStatus
	StatusLabel string
	UpdatedAt   time.Time
}

// PullRequestMetadata is derived wholesale on every relevant event and
// overwritten as a unit so partial updates can never leave stale fields.
type PullRequestMetadata struct {
	InternalID       string
	Number           int
	Title            string
	Author           string
	Additions        int
	Deletions        int
	ReviewCycles     int
	CreatedAt        time.Time
	MergedAt         *time.Time
	TimeToMergeHours *float64
}

type SyncOutcomeKind string

const (
	SyncOutcomeSuccess     SyncOutcomeKind = "success"
	SyncOutcomeRetryQueued SyncOutcomeKind = "retry_queued"
	SyncOutcomeRejected    SyncOutcomeKind = "rejected"
)

type SyncOutcome struct {
	Kind       SyncOutcomeKind
	InternalID string
	Reason     string
}

func SuccessOutcome(internalID string) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeSuccess, InternalID: internalID}
}

func RetryQueuedOutcome(reason string) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeRetryQueued, Reason: strings.TrimSpace(reason)}
}

func RejectedOutcome(reason string) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeRejected, Reason: strings.TrimSpace(reason)}
}

type RetryTaskStatus string

const (
	RetryTaskStatusPending   RetryTaskStatus = "pending"
	RetryTaskStatusInFlight  RetryTaskStatus = "in_flight"
	RetryTaskStatusSucceeded RetryTaskStatus = "succeeded"
	RetryTaskStatusDead      RetryTaskStatus = "dead"
)

// RetryTask wraps a failed WebhookEvent awaiting re-execution. Succeeded and
// dead are terminal.
type RetryTask struct {
	ID            string
	Event         WebhookEvent
	Status        RetryTaskStatus
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (t *RetryTask) TransitionTo(status RetryTaskStatus, now time.Time) error {
	if t == nil {
		return nil
	}
	if t.Status == status {
		t.UpdatedAt = now
		return nil
	}
	if !retryTaskTransitionAllowed(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidRetryTaskStatusTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = now
	return nil
}

func retryTaskTransitionAllowed(current, next RetryTaskStatus) bool {
	allowed := map[RetryTaskStatus]map[RetryTaskStatus]struct{}{
		RetryTaskStatusPending: {
			RetryTaskStatusInFlight: {},
			RetryTaskStatusDead:     {},
		},
		RetryTaskStatusInFlight: {
			RetryTaskStatusSucceeded: {},
			RetryTaskStatusPending:   {},
			RetryTaskStatusDead:      {},
		},
		RetryTaskStatusSucceeded: {},
		RetryTaskStatusDead:      {},
	}
	_, ok := allowed[current][next]
	return ok
}

// DeadLetter is the terminal record for a task that exhausted its retry
// budget.
type DeadLetter struct {
	ID          string
	TaskID      string
	Platform    Platform
	ExternalKey string
	Kind        string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}
