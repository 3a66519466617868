package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shiplog/issuesync/core"
)

type githubPayload struct {
	Action      string `json:"action"`
	PullRequest *struct {
		Number    int        `json:"number"`
		Title     string     `json:"title"`
		State     string     `json:"state"`
		Draft     bool       `json:"draft"`
		Merged    bool       `json:"merged"`
		Additions int        `json:"additions"`
		Deletions int        `json:"deletions"`
		CreatedAt time.Time  `json:"created_at"`
		MergedAt  *time.Time `json:"merged_at"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Issue *struct {
		Number int    `json:"number"`
		State  string `json:"state"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        *struct {
		Key    string `json:"key"`
		Fields struct {
			Status struct {
				Name string `json:"name"`
			} `json:"status"`
		} `json:"fields"`
	} `json:"issue"`
}

func decodeGitHubPayload(event core.WebhookEvent) (githubPayload, error) {
	var payload githubPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return githubPayload{}, fmt.Errorf("sync: decode github payload: %w", err)
	}
	return payload, nil
}

func decodeJiraPayload(event core.WebhookEvent) (jiraPayload, error) {
	var payload jiraPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return jiraPayload{}, fmt.Errorf("sync: decode jira payload: %w", err)
	}
	return payload, nil
}

// statusLabel extracts the platform's raw status string for normalization.
// Pull requests report "merged" and "draft" ahead of the open/closed state
// because GitHub keeps state "closed" for merged pull requests.
func statusLabel(event core.WebhookEvent, github githubPayload, jira jiraPayload) string {
	switch event.Platform {
	case core.PlatformGitHub:
		if github.PullRequest != nil {
			switch {
			case github.PullRequest.Merged:
				return "merged"
			case github.PullRequest.Draft:
				return "draft"
			default:
				return strings.TrimSpace(github.PullRequest.State)
			}
		}
		if github.Issue != nil {
			if action := strings.TrimSpace(github.Action); action == "reopened" {
				return action
			}
			return strings.TrimSpace(github.Issue.State)
		}
		return ""
	case core.PlatformJira:
		if jira.Issue != nil {
			return strings.TrimSpace(jira.Issue.Fields.Status.Name)
		}
		return ""
	default:
		return ""
	}
}
