package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shiplog/issuesync/core"
)

// EventParser turns a verified inbound request into the engine's event shape.
// Parsers only establish identity (platform, kind, external key); the sync
// engine reads the payload again for status and metadata.
type EventParser func(req core.InboundRequest, receivedAt time.Time) (core.WebhookEvent, error)

type githubEnvelope struct {
	Action      string `json:"action"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Issue *struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type jiraEnvelope struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        *struct {
		Key string `json:"key"`
	} `json:"issue"`
}

// ParseGitHubEvent builds an event keyed "owner/repo#number". The kind comes
// from the X-GitHub-Event header; kinds without an addressable entity (ping,
// push) keep an empty external key and are left to the router to drop.
func ParseGitHubEvent(req core.InboundRequest, receivedAt time.Time) (core.WebhookEvent, error) {
	kind := strings.TrimSpace(headerValue(req.Headers, "X-GitHub-Event"))
	if kind == "" {
		return core.WebhookEvent{}, fmt.Errorf("webhooks: X-GitHub-Event header is required")
	}

	var envelope githubEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return core.WebhookEvent{}, fmt.Errorf("webhooks: decode github payload: %w", err)
	}

	externalKey := ""
	repo := strings.TrimSpace(envelope.Repository.FullName)
	switch {
	case envelope.PullRequest != nil && repo != "":
		externalKey = fmt.Sprintf("%s#%d", repo, envelope.PullRequest.Number)
	case envelope.Issue != nil && repo != "":
		externalKey = fmt.Sprintf("%s#%d", repo, envelope.Issue.Number)
	}

	return core.WebhookEvent{
		Platform:    core.PlatformGitHub,
		Kind:        kind,
		ExternalKey: externalKey,
		DeliveryID:  strings.TrimSpace(headerValue(req.Headers, "X-GitHub-Delivery")),
		Payload:     req.Body,
		ReceivedAt:  receivedAt,
	}, nil
}

// ParseJiraEvent builds an event keyed by the Jira issue key. The kind is the
// payload's webhookEvent field, e.g. "jira:issue_updated".
func ParseJiraEvent(req core.InboundRequest, receivedAt time.Time) (core.WebhookEvent, error) {
	var envelope jiraEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return core.WebhookEvent{}, fmt.Errorf("webhooks: decode jira payload: %w", err)
	}
	kind := strings.TrimSpace(envelope.WebhookEvent)
	if kind == "" {
		return core.WebhookEvent{}, fmt.Errorf("webhooks: jira webhookEvent field is required")
	}

	externalKey := ""
	if envelope.Issue != nil {
		externalKey = strings.TrimSpace(envelope.Issue.Key)
	}

	return core.WebhookEvent{
		Platform:    core.PlatformJira,
		Kind:        kind,
		ExternalKey: externalKey,
		DeliveryID:  strings.TrimSpace(headerValue(req.Headers, "X-Atlassian-Webhook-Identifier")),
		Payload:     req.Body,
		ReceivedAt:  receivedAt,
	}, nil
}
