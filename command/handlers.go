package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/shiplog/issuesync/core"
	"github.com/shiplog/issuesync/retry"
)

// IntakeService is the verified webhook boundary, implemented by
// webhooks.Intake.
type IntakeService interface {
	Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

// SweepService drains due retry tasks, implemented by retry.Coordinator.
type SweepService interface {
	Sweep(ctx context.Context, batchSize int) (retry.SweepStats, error)
}

type ProcessWebhookCommand struct {
	service IntakeService
}

func NewProcessWebhookCommand(service IntakeService) *ProcessWebhookCommand {
	return &ProcessWebhookCommand{service: service}
}

func (c *ProcessWebhookCommand) Execute(ctx context.Context, msg ProcessWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: intake service is required")
	}
	out, err := c.service.Process(ctx, msg.Request)
	if err != nil {
		// Rejected deliveries still carry a result for the transport layer.
		storeResult(ctx, out)
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SyncEventCommand struct {
	processor core.EventProcessor
}

func NewSyncEventCommand(processor core.EventProcessor) *SyncEventCommand {
	return &SyncEventCommand{processor: processor}
}

func (c *SyncEventCommand) Execute(ctx context.Context, msg SyncEventMessage) error {
	if c == nil || c.processor == nil {
		return commandDependencyError("command: event processor is required")
	}
	out, err := c.processor.ProcessEvent(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SweepRetriesCommand struct {
	service SweepService
}

func NewSweepRetriesCommand(service SweepService) *SweepRetriesCommand {
	return &SweepRetriesCommand{service: service}
}

func (c *SweepRetriesCommand) Execute(ctx context.Context, msg SweepRetriesMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sweep service is required")
	}
	out, err := c.service.Sweep(ctx, msg.BatchSize)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
