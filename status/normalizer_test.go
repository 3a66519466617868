package status

import (
	"testing"

	"github.com/shiplog/issuesync/core"
)

func TestNormalize_GitHubLabels(t *testing.T) {
	cases := []struct {
		label string
		want  core.CanonicalStatus
	}{
		{"open", core.StatusActive},
		{"Reopened", core.StatusActive},
		{"draft", core.StatusBacklog},
		{"closed", core.StatusReleased},
		{"merged", core.StatusReleased},
		{"In Progress", core.StatusActive},
		{"labeled", core.StatusUnknown},
		{"", core.StatusUnknown},
	}
	for _, tc := range cases {
		if got := Normalize(core.PlatformGitHub, tc.label); got != tc.want {
			t.Fatalf("normalize github %q: got %q, want %q", tc.label, got, tc.want)
		}
	}
}

func TestNormalize_JiraLabels(t *testing.T) {
	cases := []struct {
		label string
		want  core.CanonicalStatus
	}{
		{"To Do", core.StatusBacklog},
		{"Backlog", core.StatusBacklog},
		{"In Progress", core.StatusActive},
		{"In Review", core.StatusActive},
		{"Blocked", core.StatusActive},
		{"Done", core.StatusReleased},
		{"Released", core.StatusReleased},
		{"Needs Triage", core.StatusUnknown},
	}
	for _, tc := range cases {
		if got := Normalize(core.PlatformJira, tc.label); got != tc.want {
			t.Fatalf("normalize jira %q: got %q, want %q", tc.label, got, tc.want)
		}
	}
}

func TestNormalize_UnknownPlatformNeverPanics(t *testing.T) {
	if got := Normalize(core.Platform("linear"), "open"); got != core.StatusUnknown {
		t.Fatalf("expected unknown status for unmapped platform, got %q", got)
	}
}

func TestKnown(t *testing.T) {
	if !Known(core.PlatformJira, "Done") {
		t.Fatalf("expected Done to be a known jira label")
	}
	if Known(core.PlatformGitHub, "synchronize") {
		t.Fatalf("expected synchronize to be unknown")
	}
}
