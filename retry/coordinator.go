// Package retry re-executes failed sync work on an exponential backoff
// schedule, decoupled from webhook intake.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shiplog/issuesync/core"
)

// TaskExecutor re-runs a queued event through the sync pipeline without
// enqueueing a second task on failure.
type TaskExecutor interface {
	Apply(ctx context.Context, event core.WebhookEvent) (core.SyncOutcome, error)
}

type CoordinatorConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SweepInterval  time.Duration
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BatchSize:      50,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		SweepInterval:  15 * time.Second,
	}
}

// SweepStats reports one pass over the eligible tasks.
type SweepStats struct {
	Claimed   int
	Succeeded int
	Requeued  int
	Dead      int
}

type Coordinator struct {
	tasks    core.RetryTaskStore
	letters  core.DeadLetterStore
	executor TaskExecutor
	notifier core.OperatorNotifier
	logger   core.Logger
	config   CoordinatorConfig
	now      func() time.Time
}

func NewCoordinator(
	tasks core.RetryTaskStore,
	letters core.DeadLetterStore,
	executor TaskExecutor,
	config CoordinatorConfig,
) (*Coordinator, error) {
	if tasks == nil {
		return nil, fmt.Errorf("retry: task store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("retry: task executor is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultCoordinatorConfig().BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultCoordinatorConfig().MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultCoordinatorConfig().InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultCoordinatorConfig().MaxBackoff
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultCoordinatorConfig().SweepInterval
	}
	return &Coordinator{
		tasks:    tasks,
		letters:  letters,
		executor: executor,
		config:   config,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (c *Coordinator) WithNotifier(notifier core.OperatorNotifier) *Coordinator {
	if c != nil {
		c.notifier = notifier
	}
	return c
}

func (c *Coordinator) WithLogger(logger core.Logger) *Coordinator {
	if c != nil {
		c.logger = logger
	}
	return c
}

// WithClock overrides the clock for deterministic scheduling in tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if c != nil && now != nil {
		c.now = now
	}
	return c
}

// Run sweeps eligible tasks on the configured interval until the context is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if c == nil || c.tasks == nil {
		return fmt.Errorf("retry: coordinator is not configured")
	}
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Sweep(ctx, c.config.BatchSize); err != nil {
				c.logWarn("retry: sweep failed", "error", err.Error())
			}
		}
	}
}

// Sweep claims tasks whose next attempt is due and re-executes each once.
// A failed attempt is requeued with exponential backoff until the attempt
// ceiling, then dead-lettered.
func (c *Coordinator) Sweep(ctx context.Context, batchSize int) (SweepStats, error) {
	if c == nil || c.tasks == nil {
		return SweepStats{}, fmt.Errorf("retry: coordinator is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = c.config.BatchSize
	}
	claimed, err := c.tasks.Claim(ctx, c.now(), limit)
	if err != nil {
		return SweepStats{}, err
	}

	stats := SweepStats{Claimed: len(claimed)}
	var sweepErr error
	for _, task := range claimed {
		switch outcome := c.executeOnce(ctx, task); outcome {
		case core.RetryTaskStatusSucceeded:
			stats.Succeeded++
		case core.RetryTaskStatusPending:
			stats.Requeued++
		case core.RetryTaskStatusDead:
			stats.Dead++
		default:
			sweepErr = joinErrors(sweepErr, fmt.Errorf("retry: task %s left in %s", task.ID, outcome))
		}
	}
	return stats, sweepErr
}

func (c *Coordinator) executeOnce(ctx context.Context, task core.RetryTask) core.RetryTaskStatus {
	now := c.now()
	task.Attempts++

	// Only a clean success completes the task. Any other outcome keeps
	// burning attempts until the ceiling dead-letters it, so rejected
	// replays still surface on the operator channel.
	outcome, err := c.executor.Apply(ctx, task.Event)
	if err == nil && outcome.Kind == core.SyncOutcomeSuccess {
		if markErr := c.tasks.Complete(ctx, task.ID); markErr != nil {
			c.logWarn("retry: task completion mark failed", "task_id", task.ID, "error", markErr.Error())
		}
		c.logInfo("retry: task succeeded",
			"task_id", task.ID,
			"attempts", task.Attempts,
			"external_key", task.Event.ExternalKey)
		return core.RetryTaskStatusSucceeded
	}
	if err == nil {
		err = fmt.Errorf("retry: sync outcome %s: %s", outcome.Kind, outcome.Reason)
	}

	task.LastError = err.Error()
	if task.Attempts >= c.config.MaxAttempts {
		return c.deadLetter(ctx, task, now)
	}

	next := now.Add(c.nextBackoffDelay(task.Attempts))
	task.NextAttemptAt = &next
	if transitionErr := task.TransitionTo(core.RetryTaskStatusPending, now); transitionErr != nil {
		c.logWarn("retry: requeue transition failed", "task_id", task.ID, "error", transitionErr.Error())
		return task.Status
	}
	if _, updateErr := c.tasks.Update(ctx, task); updateErr != nil {
		c.logWarn("retry: requeue persist failed", "task_id", task.ID, "error", updateErr.Error())
		return task.Status
	}
	c.logWarn("retry: task requeued",
		"task_id", task.ID,
		"attempts", task.Attempts,
		"next_attempt_at", next.Format(time.RFC3339),
		"error", err.Error())
	return core.RetryTaskStatusPending
}

func (c *Coordinator) deadLetter(ctx context.Context, task core.RetryTask, now time.Time) core.RetryTaskStatus {
	task.NextAttemptAt = nil
	if err := task.TransitionTo(core.RetryTaskStatusDead, now); err != nil {
		c.logWarn("retry: dead transition failed", "task_id", task.ID, "error", err.Error())
		return task.Status
	}
	if _, err := c.tasks.Update(ctx, task); err != nil {
		c.logWarn("retry: dead persist failed", "task_id", task.ID, "error", err.Error())
		return task.Status
	}

	letter := core.DeadLetter{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Platform:    task.Event.Platform,
		ExternalKey: task.Event.ExternalKey,
		Kind:        task.Event.Kind,
		Attempts:    task.Attempts,
		LastError:   task.LastError,
		CreatedAt:   now,
	}
	if c.letters != nil {
		if recorded, err := c.letters.Record(ctx, letter); err != nil {
			c.logWarn("retry: dead letter record failed", "task_id", task.ID, "error", err.Error())
		} else {
			letter = recorded
		}
	}
	if c.notifier != nil {
		c.notifier.NotifyDeadLetter(ctx, letter)
	}
	c.logError("retry: task dead lettered",
		"task_id", task.ID,
		"platform", string(task.Event.Platform),
		"external_key", task.Event.ExternalKey,
		"attempts", task.Attempts,
		"error", task.LastError)
	return core.RetryTaskStatusDead
}

func (c *Coordinator) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(c.config.InitialBackoff)
	multiplier := math.Pow(2, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next < 0 {
		return c.config.MaxBackoff
	}
	if next > c.config.MaxBackoff {
		return c.config.MaxBackoff
	}
	return next
}

func (c *Coordinator) logInfo(msg string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Info(msg, args...)
}

func (c *Coordinator) logWarn(msg string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Warn(msg, args...)
}

func (c *Coordinator) logError(msg string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Error(msg, args...)
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
