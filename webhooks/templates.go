package webhooks

import (
	"strings"
)

// PlatformWebhookTemplate bundles the verifier, delivery id extraction,
// parser, and routed kinds for one sending platform.
type PlatformWebhookTemplate struct {
	Platform  string
	Verifier  Verifier
	Extractor DeliveryIDExtractor
	Parser    EventParser
	Routed    map[string]struct{}
}

// Routes reports whether the template handles the event kind. Unrouted kinds
// are acknowledged without side effects.
func (t PlatformWebhookTemplate) Routes(kind string) bool {
	if len(t.Routed) == 0 {
		return false
	}
	_, ok := t.Routed[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}

func NewGitHubWebhookTemplate(secret string) PlatformWebhookTemplate {
	return PlatformWebhookTemplate{
		Platform: "github",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		Extractor: HeaderDeliveryIDExtractor("X-GitHub-Delivery", "X-Request-Id"),
		Parser:    ParseGitHubEvent,
		Routed: map[string]struct{}{
			"pull_request": {},
			"issues":       {},
		},
	}
}

func NewJiraWebhookTemplate(secret string) PlatformWebhookTemplate {
	return PlatformWebhookTemplate{
		Platform: "jira",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Hub-Signature",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		Extractor: HeaderDeliveryIDExtractor("X-Atlassian-Webhook-Identifier", "X-Request-Id"),
		Parser:    ParseJiraEvent,
		Routed: map[string]struct{}{
			"jira:issue_created": {},
			"jira:issue_updated": {},
		},
	}
}
