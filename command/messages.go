package command

import (
	"fmt"
	"strings"

	"github.com/shiplog/issuesync/core"
)

const (
	TypeProcessWebhook = "issuesync.command.webhook.process"
	TypeSyncEvent      = "issuesync.command.event.sync"
	TypeSweepRetries   = "issuesync.command.retry.sweep"
)

type ProcessWebhookMessage struct {
	Request core.InboundRequest
}

func (ProcessWebhookMessage) Type() string { return TypeProcessWebhook }

func (m ProcessWebhookMessage) Validate() error {
	if strings.TrimSpace(string(m.Request.Platform)) == "" {
		return commandInvalidInputError("command: platform is required")
	}
	if _, err := core.ParsePlatform(string(m.Request.Platform)); err != nil {
		return commandWrapValidation(err, "command: unsupported platform")
	}
	if len(m.Request.Body) == 0 {
		return commandInvalidInputError("command: request body is required")
	}
	return nil
}

type SyncEventMessage struct {
	Event core.WebhookEvent
}

func (SyncEventMessage) Type() string { return TypeSyncEvent }

func (m SyncEventMessage) Validate() error {
	if err := m.Event.Validate(); err != nil {
		return commandWrapValidation(err, "command: invalid webhook event")
	}
	return nil
}

type SweepRetriesMessage struct {
	BatchSize int
}

func (SweepRetriesMessage) Type() string { return TypeSweepRetries }

func (m SweepRetriesMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandInvalidInputError(fmt.Sprintf("command: batch size %d is negative", m.BatchSize))
	}
	return nil
}
