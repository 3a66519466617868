// Package sync applies verified webhook events to canonical entity state.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shiplog/issuesync/core"
	"github.com/shiplog/issuesync/status"
)

// Resolver is the identity collaborator. WithEntityLock serializes state
// writes with resolution for the same (platform, external key) pair.
type Resolver interface {
	core.EntityResolver
	WithEntityLock(platform core.Platform, externalKey string, fn func() error) error
}

// Engine is the pipeline between intake and the stores: resolve identity,
// normalize status, persist state and pull request metadata. Transient
// collaborator failures queue the event for retry instead of failing the
// delivery.
type Engine struct {
	Resolver          Resolver
	States            core.EntityStateStore
	Metadata          core.PullRequestMetadataStore
	Retries           core.RetryTaskStore
	Platforms         map[core.Platform]core.PlatformClient
	Logger            core.Logger
	SyncTimeout       time.Duration
	PlatformTimeout   time.Duration
	InitialRetryDelay time.Duration
	Now               func() time.Time
}

func NewEngine(
	resolver Resolver,
	states core.EntityStateStore,
	metadata core.PullRequestMetadataStore,
	retries core.RetryTaskStore,
) *Engine {
	return &Engine{
		Resolver:          resolver,
		States:            states,
		Metadata:          metadata,
		Retries:           retries,
		SyncTimeout:       10 * time.Second,
		PlatformTimeout:   5 * time.Second,
		InitialRetryDelay: 2 * time.Second,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// ProcessEvent runs the pipeline and queues a retry task when a collaborator
// is transiently unavailable. Malformed events are rejected without retry.
func (e *Engine) ProcessEvent(ctx context.Context, event core.WebhookEvent) (core.SyncOutcome, error) {
	outcome, err := e.Apply(ctx, event)
	if err == nil {
		return outcome, nil
	}
	if core.IsTransientFailure(err) {
		return e.queueRetry(ctx, event, err)
	}
	return outcome, err
}

// Apply runs the pipeline without touching the retry queue. The retry
// coordinator re-executes queued tasks through here so a failed attempt
// never enqueues a second task.
func (e *Engine) Apply(ctx context.Context, event core.WebhookEvent) (core.SyncOutcome, error) {
	if e == nil || e.Resolver == nil || e.States == nil || e.Retries == nil {
		return core.SyncOutcome{}, fmt.Errorf("sync: engine requires resolver, state store, and retry store")
	}
	if err := event.Validate(); err != nil {
		return core.RejectedOutcome(err.Error()), nil
	}

	if e.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.SyncTimeout)
		defer cancel()
	}

	var github githubPayload
	var jira jiraPayload
	var decodeErr error
	switch event.Platform {
	case core.PlatformGitHub:
		github, decodeErr = decodeGitHubPayload(event)
	case core.PlatformJira:
		jira, decodeErr = decodeJiraPayload(event)
	}
	if decodeErr != nil {
		return core.RejectedOutcome(decodeErr.Error()), nil
	}

	mapping, err := e.Resolver.Resolve(ctx, event.Platform, event.ExternalKey)
	if err != nil {
		return core.SyncOutcome{}, err
	}

	label := statusLabel(event, github, jira)
	normalized := status.Normalize(event.Platform, label)

	err = e.Resolver.WithEntityLock(event.Platform, event.ExternalKey, func() error {
		if err := e.applyState(ctx, mapping, label, normalized); err != nil {
			return err
		}
		if event.Platform == core.PlatformGitHub && github.PullRequest != nil {
			return e.applyPullRequestMetadata(ctx, mapping, github)
		}
		return nil
	})
	if err != nil {
		return core.SyncOutcome{}, err
	}

	e.logInfo("sync: event applied",
		"platform", string(event.Platform),
		"external_key", event.ExternalKey,
		"kind", event.Kind,
		"status", string(normalized))
	return core.SuccessOutcome(mapping.InternalID), nil
}

func (e *Engine) applyState(
	ctx context.Context,
	mapping core.EntityMapping,
	label string,
	normalized core.CanonicalStatus,
) error {
	existing, err := e.States.GetState(ctx, mapping.InternalID)
	known := err == nil
	if err != nil && !errors.Is(err, core.ErrEntityStateNotFound) {
		return core.TransientFailure(err, "sync: state lookup failed")
	}

	if known && normalized == core.StatusUnknown && existing.Status != core.StatusUnknown {
		e.logWarn("sync: unknown status ignored for known entity",
			"internal_id", mapping.InternalID,
			"label", label,
			"current", string(existing.Status))
		return nil
	}
	if known && statusRank(existing.Status) > statusRank(normalized) {
		e.logWarn("sync: status regression applied as delivered",
			"internal_id", mapping.InternalID,
			"from", string(existing.Status),
			"to", string(normalized))
	}

	state := core.EntityState{
		InternalID:  mapping.InternalID,
		Platform:    mapping.Platform,
		ExternalKey: mapping.ExternalKey,
		Status:      normalized,
		StatusLabel: label,
		UpdatedAt:   e.now(),
	}
	if err := e.States.PutState(ctx, state); err != nil {
		return core.TransientFailure(err, "sync: state write failed")
	}
	return nil
}

// applyPullRequestMetadata derives the metadata row wholesale from the
// payload. Review cycles come from the platform client under its own
// timeout; without a client the count stays zero.
func (e *Engine) applyPullRequestMetadata(
	ctx context.Context,
	mapping core.EntityMapping,
	payload githubPayload,
) error {
	if e.Metadata == nil {
		return nil
	}
	pr := payload.PullRequest

	meta := core.PullRequestMetadata{
		InternalID: mapping.InternalID,
		Number:     pr.Number,
		Title:      pr.Title,
		Author:     pr.User.Login,
		Additions:  pr.Additions,
		Deletions:  pr.Deletions,
		CreatedAt:  pr.CreatedAt,
		MergedAt:   pr.MergedAt,
	}
	if pr.MergedAt != nil && !pr.CreatedAt.IsZero() {
		hours := math.Round(pr.MergedAt.Sub(pr.CreatedAt).Hours()*100) / 100
		meta.TimeToMergeHours = &hours
	}

	if client := e.Platforms[core.PlatformGitHub]; client != nil {
		cctx := ctx
		if e.PlatformTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, e.PlatformTimeout)
			defer cancel()
		}
		cycles, err := client.ReviewCycleCount(cctx, mapping.ExternalKey, pr.Number)
		if err != nil {
			return core.TransientFailure(err, "sync: review cycle lookup failed")
		}
		meta.ReviewCycles = cycles
	}

	if err := e.Metadata.PutMetadata(ctx, meta); err != nil {
		return core.TransientFailure(err, "sync: metadata write failed")
	}
	return nil
}

func (e *Engine) queueRetry(ctx context.Context, event core.WebhookEvent, cause error) (core.SyncOutcome, error) {
	now := e.now()
	next := now.Add(e.initialRetryDelay())
	// The failed inline attempt counts against the retry budget, so a
	// ceiling of N dead-letters after N consecutive failures.
	task := core.RetryTask{
		ID:            uuid.NewString(),
		Event:         event,
		Status:        core.RetryTaskStatusPending,
		Attempts:      1,
		NextAttemptAt: &next,
		LastError:     cause.Error(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := e.Retries.Enqueue(ctx, task); err != nil {
		return core.SyncOutcome{}, core.TransientFailure(err, "sync: retry enqueue failed")
	}
	e.logWarn("sync: event queued for retry",
		"platform", string(event.Platform),
		"external_key", event.ExternalKey,
		"error", cause.Error())
	return core.RetryQueuedOutcome(cause.Error()), nil
}

func statusRank(status core.CanonicalStatus) int {
	switch status {
	case core.StatusBacklog:
		return 0
	case core.StatusActive:
		return 1
	case core.StatusReleased:
		return 2
	default:
		return -1
	}
}

func (e *Engine) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) initialRetryDelay() time.Duration {
	if e != nil && e.InitialRetryDelay > 0 {
		return e.InitialRetryDelay
	}
	return 2 * time.Second
}

func (e *Engine) logInfo(msg string, args ...any) {
	if e == nil || e.Logger == nil {
		return
	}
	e.Logger.Info(msg, args...)
}

func (e *Engine) logWarn(msg string, args ...any) {
	if e == nil || e.Logger == nil {
		return
	}
	e.Logger.Warn(msg, args...)
}

var _ core.EventProcessor = (*Engine)(nil)
