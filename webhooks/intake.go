package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shiplog/issuesync/core"
)

// Intake is the delivery boundary: verify the signature, parse the event,
// dedupe against the delivery ledger, then hand the event to the sync engine.
// Senders retry on their own schedule, so every path out of here maps to the
// at-least-once contract: ok, unauthorized, or accepted-for-retry.
type Intake struct {
	Templates  map[core.Platform]PlatformWebhookTemplate
	Ledger     core.DeliveryLedger
	Engine     core.EventProcessor
	Notifier   core.OperatorNotifier
	Logger     core.Logger
	RetryDelay time.Duration
	Now        func() time.Time
}

func NewIntake(
	templates map[core.Platform]PlatformWebhookTemplate,
	ledger core.DeliveryLedger,
	engine core.EventProcessor,
) *Intake {
	return &Intake{
		Templates:  templates,
		Ledger:     ledger,
		Engine:     engine,
		RetryDelay: 2 * time.Second,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (i *Intake) Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if i == nil || i.Engine == nil || i.Ledger == nil {
		return core.InboundResult{}, fmt.Errorf("webhooks: intake requires engine and ledger")
	}

	platform, err := core.ParsePlatform(string(req.Platform))
	if err != nil {
		return core.InboundResult{}, err
	}
	req.Platform = platform

	template, ok := i.Templates[platform]
	if !ok {
		return core.InboundResult{}, fmt.Errorf("webhooks: no template registered for platform %q", platform)
	}

	if template.Verifier != nil {
		if err := template.Verifier.Verify(ctx, req); err != nil {
			i.notifySecurityRejection(ctx, platform, req, err)
			return core.InboundResult{
				Accepted:   false,
				StatusCode: http.StatusUnauthorized,
				Metadata: map[string]any{
					"platform": string(platform),
					"rejected": true,
				},
			}, err
		}
	}

	event, err := template.Parser(req, i.now())
	if err != nil {
		return core.InboundResult{
			Accepted:   false,
			StatusCode: http.StatusBadRequest,
			Metadata:   map[string]any{"platform": string(platform)},
		}, err
	}

	if !template.Routes(event.Kind) {
		i.logInfo("intake: unrouted event acknowledged",
			"platform", string(platform), "kind", event.Kind)
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"platform": string(platform),
				"kind":     event.Kind,
				"routed":   false,
			},
		}, nil
	}

	if err := event.Validate(); err != nil {
		return core.InboundResult{
			Accepted:   false,
			StatusCode: http.StatusBadRequest,
			Metadata:   map[string]any{"platform": string(platform), "kind": event.Kind},
		}, err
	}

	deliveryID := i.deliveryID(template, req, event)

	// A ledger outage still answers with the accepted-for-retry shape: the
	// sender's redelivery is the recovery path.
	_, reserved, err := i.Ledger.Reserve(ctx, platform, deliveryID, req.Body)
	if err != nil {
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusAccepted,
			Metadata: map[string]any{
				"platform":    string(platform),
				"delivery_id": deliveryID,
				"queued":      false,
				"retriable":   true,
			},
		}, core.TransientFailure(err, "webhooks: delivery ledger unavailable")
	}
	if !reserved {
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"platform":    string(platform),
				"delivery_id": deliveryID,
				"deduped":     true,
			},
		}, nil
	}

	outcome, err := i.Engine.ProcessEvent(ctx, event)
	if err != nil {
		if core.IsSecurityRejection(err) {
			_ = i.Ledger.MarkProcessed(ctx, platform, deliveryID)
			return core.InboundResult{
				Accepted:   false,
				StatusCode: http.StatusUnauthorized,
				Metadata:   map[string]any{"platform": string(platform), "delivery_id": deliveryID},
			}, err
		}
		_ = i.Ledger.MarkRetry(ctx, platform, deliveryID, err, i.now().Add(i.retryDelay()))
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusAccepted,
			Metadata: map[string]any{
				"platform":    string(platform),
				"delivery_id": deliveryID,
				"queued":      true,
			},
		}, nil
	}

	switch outcome.Kind {
	case core.SyncOutcomeRetryQueued:
		_ = i.Ledger.MarkRetry(ctx, platform, deliveryID,
			fmt.Errorf("webhooks: %s", nonEmptyReason(outcome.Reason)), i.now().Add(i.retryDelay()))
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusAccepted,
			Metadata: map[string]any{
				"platform":    string(platform),
				"delivery_id": deliveryID,
				"queued":      true,
				"reason":      outcome.Reason,
			},
		}, nil
	case core.SyncOutcomeRejected:
		if err := i.Ledger.MarkProcessed(ctx, platform, deliveryID); err != nil {
			return core.InboundResult{}, err
		}
		return core.InboundResult{
			Accepted:   false,
			StatusCode: http.StatusBadRequest,
			Metadata: map[string]any{
				"platform":    string(platform),
				"delivery_id": deliveryID,
				"reason":      outcome.Reason,
			},
		}, nil
	default:
		if err := i.Ledger.MarkProcessed(ctx, platform, deliveryID); err != nil {
			return core.InboundResult{}, err
		}
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"platform":    string(platform),
				"delivery_id": deliveryID,
				"internal_id": outcome.InternalID,
			},
		}, nil
	}
}

// deliveryID prefers the sender's delivery header and falls back to the
// event fingerprint so senders that omit the header still dedupe.
func (i *Intake) deliveryID(template PlatformWebhookTemplate, req core.InboundRequest, event core.WebhookEvent) string {
	if template.Extractor != nil {
		if id, err := template.Extractor(req); err == nil && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	if strings.TrimSpace(event.DeliveryID) != "" {
		return strings.TrimSpace(event.DeliveryID)
	}
	return event.Fingerprint()
}

func (i *Intake) notifySecurityRejection(ctx context.Context, platform core.Platform, req core.InboundRequest, cause error) {
	i.logWarn("intake: signature rejected", "platform", string(platform), "error", cause.Error())
	if i.Notifier == nil {
		return
	}
	i.Notifier.NotifySecurityRejection(ctx, core.WebhookEvent{
		Platform:   platform,
		Payload:    req.Body,
		ReceivedAt: i.now(),
	}, cause.Error())
}

func (i *Intake) now() time.Time {
	if i != nil && i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func (i *Intake) retryDelay() time.Duration {
	if i != nil && i.RetryDelay > 0 {
		return i.RetryDelay
	}
	return 2 * time.Second
}

func (i *Intake) logInfo(msg string, args ...any) {
	if i == nil || i.Logger == nil {
		return
	}
	i.Logger.Info(msg, args...)
}

func (i *Intake) logWarn(msg string, args ...any) {
	if i == nil || i.Logger == nil {
		return
	}
	i.Logger.Warn(msg, args...)
}

func nonEmptyReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "sync engine requested retry"
	}
	return reason
}
