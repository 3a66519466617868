package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ProcessWebhookMessage] = (*ProcessWebhookCommand)(nil)
	_ gocmd.Commander[SyncEventMessage]      = (*SyncEventCommand)(nil)
	_ gocmd.Commander[SweepRetriesMessage]   = (*SweepRetriesCommand)(nil)
)
