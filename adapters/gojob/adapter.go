package gojob

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/shiplog/issuesync/core"
)

const (
	JobIDSyncEvent  = "issuesync.event.sync"
	JobIDRetrySweep = "issuesync.retry.sweep"
)

const (
	paramPlatform    = "platform"
	paramKind        = "kind"
	paramExternalKey = "external_key"
	paramDeliveryID  = "delivery_id"
	paramPayload     = "payload"
	paramReceivedAt  = "received_at"
)

// RetryPolicy bounds queue nack behavior so a failing event cannot loop
// forever.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func (p RetryPolicy) normalize(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage flattens a webhook event into a go-job message. The
// delivery id doubles as the idempotency key so queue level deduplication
// lines up with the delivery ledger.
func ToExecutionMessage(event core.WebhookEvent) *job.ExecutionMessage {
	idempotencyKey := strings.TrimSpace(event.DeliveryID)
	if idempotencyKey == "" {
		idempotencyKey = event.Fingerprint()
	}
	return &job.ExecutionMessage{
		JobID: JobIDSyncEvent,
		Parameters: map[string]any{
			paramPlatform:    string(event.Platform),
			paramKind:        event.Kind,
			paramExternalKey: event.ExternalKey,
			paramDeliveryID:  event.DeliveryID,
			paramPayload:     base64.StdEncoding.EncodeToString(event.Payload),
			paramReceivedAt:  event.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
		IdempotencyKey: idempotencyKey,
	}
}

// FromExecutionMessage rebuilds the webhook event from queue parameters.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.WebhookEvent, error) {
	if msg == nil {
		return core.WebhookEvent{}, fmt.Errorf("gojob: execution message is required")
	}
	if msg.JobID != JobIDSyncEvent {
		return core.WebhookEvent{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}

	platform, err := core.ParsePlatform(stringParam(msg.Parameters, paramPlatform))
	if err != nil {
		return core.WebhookEvent{}, fmt.Errorf("gojob: %w", err)
	}

	event := core.WebhookEvent{
		Platform:    platform,
		Kind:        stringParam(msg.Parameters, paramKind),
		ExternalKey: stringParam(msg.Parameters, paramExternalKey),
		DeliveryID:  stringParam(msg.Parameters, paramDeliveryID),
	}
	if encoded := stringParam(msg.Parameters, paramPayload); encoded != "" {
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return core.WebhookEvent{}, fmt.Errorf("gojob: decode payload: %w", err)
		}
		event.Payload = payload
	}
	if raw := stringParam(msg.Parameters, paramReceivedAt); raw != "" {
		receivedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return core.WebhookEvent{}, fmt.Errorf("gojob: parse received_at: %w", err)
		}
		event.ReceivedAt = receivedAt
	}
	if err := event.Validate(); err != nil {
		return core.WebhookEvent{}, fmt.Errorf("gojob: %w", err)
	}
	return event, nil
}

// EventEnqueuer publishes webhook events onto a go-job queue.
type EventEnqueuer struct {
	enqueuer queue.Enqueuer
}

func NewEventEnqueuer(enqueuer queue.Enqueuer) *EventEnqueuer {
	return &EventEnqueuer{enqueuer: enqueuer}
}

func (e *EventEnqueuer) EnqueueEvent(ctx context.Context, event core.WebhookEvent) error {
	if e == nil || e.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("gojob: %w", err)
	}
	return e.enqueuer.Enqueue(ctx, ToExecutionMessage(event))
}

// EventConsumer drains queue deliveries through the sync engine. Transient
// failures nack with requeue, malformed messages dead-letter immediately.
type EventConsumer struct {
	processor core.EventProcessor
	policy    RetryPolicy
	logger    core.Logger
}

func NewEventConsumer(processor core.EventProcessor, policy RetryPolicy, logger core.Logger) *EventConsumer {
	return &EventConsumer{processor: processor, policy: policy, logger: logger}
}

func (c *EventConsumer) Handle(ctx context.Context, delivery queue.Delivery, attempt int) error {
	if c == nil || c.processor == nil {
		return fmt.Errorf("gojob: event processor is required")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}

	event, err := FromExecutionMessage(delivery.Message())
	if err != nil {
		c.logWarn("gojob: dropping undecodable delivery", "error", err.Error())
		return delivery.Nack(ctx, c.policy.normalize(queue.NackOptions{
			DeadLetter: true,
			Reason:     err.Error(),
		}, attempt))
	}

	outcome, err := c.processor.ProcessEvent(ctx, event)
	if err != nil {
		if core.IsTransientFailure(err) {
			return delivery.Nack(ctx, c.policy.normalize(queue.NackOptions{
				Delay:   time.Second,
				Requeue: true,
				Reason:  err.Error(),
			}, attempt))
		}
		c.logWarn("gojob: terminal delivery failure",
			"external_key", event.ExternalKey, "error", err.Error())
		return delivery.Nack(ctx, c.policy.normalize(queue.NackOptions{
			DeadLetter: true,
			Reason:     err.Error(),
		}, attempt))
	}

	// Retry queued and rejected outcomes are both handled downstream by the
	// engine's own stores, so the queue delivery is done either way.
	if outcome.Kind == core.SyncOutcomeRejected {
		c.logWarn("gojob: delivery rejected",
			"external_key", event.ExternalKey, "reason", outcome.Reason)
	}
	return delivery.Ack(ctx)
}

func (c *EventConsumer) logWarn(msg string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Warn(msg, args...)
}

// LoggingHook reports worker lifecycle transitions through the service logger.
type LoggingHook struct {
	logger core.Logger
}

func NewLoggingHook(logger core.Logger) *LoggingHook {
	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.log("debug", "gojob: job started", event)
}

func (h *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.log("info", "gojob: job succeeded", event)
}

func (h *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	h.log("error", "gojob: job failed", event)
}

func (h *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	h.log("warn", "gojob: job retrying", event)
}

func (h *LoggingHook) log(level string, msg string, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	args := []any{
		"attempt", event.Attempt,
		"duration", event.Duration.String(),
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message != nil {
		args = append(args, "job_id", message.JobID, "idempotency_key", message.IdempotencyKey)
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	switch level {
	case "debug":
		h.logger.Debug(msg, args...)
	case "warn":
		h.logger.Warn(msg, args...)
	case "error":
		h.logger.Error(msg, args...)
	default:
		h.logger.Info(msg, args...)
	}
}

func stringParam(params map[string]any, key string) string {
	if len(params) == 0 {
		return ""
	}
	value, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

var _ worker.Hook = (*LoggingHook)(nil)
