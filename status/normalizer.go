// Package status maps platform-specific state vocabulary onto the canonical
// status enumeration. The tables are static and the mapping is pure, so
// unknown upstream vocabulary can never block event processing.
package status

import (
	"strings"

	"github.com/shiplog/issuesync/core"
)

var githubStatuses = map[string]core.CanonicalStatus{
	"open":        core.StatusActive,
	"reopened":    core.StatusActive,
	"draft":       core.StatusBacklog,
	"closed":      core.StatusReleased,
	"merged":      core.StatusReleased,
	"in progress": core.StatusActive,
}

var jiraStatuses = map[string]core.CanonicalStatus{
	"to do":       core.StatusBacklog,
	"backlog":     core.StatusBacklog,
	"open":        core.StatusBacklog,
	"selected":    core.StatusBacklog,
	"in progress": core.StatusActive,
	"in review":   core.StatusActive,
	"blocked":     core.StatusActive,
	"done":        core.StatusReleased,
	"released":    core.StatusReleased,
	"closed":      core.StatusReleased,
}

// Normalize returns the canonical status for a platform label. Unmapped
// labels normalize to StatusUnknown rather than failing.
func Normalize(platform core.Platform, label string) core.CanonicalStatus {
	table := tableFor(platform)
	if table == nil {
		return core.StatusUnknown
	}
	if status, ok := table[strings.TrimSpace(strings.ToLower(label))]; ok {
		return status
	}
	return core.StatusUnknown
}

// Known reports whether the label maps to a non-UNKNOWN status.
func Known(platform core.Platform, label string) bool {
	return Normalize(platform, label) != core.StatusUnknown
}

func tableFor(platform core.Platform) map[string]core.CanonicalStatus {
	switch platform {
	case core.PlatformGitHub:
		return githubStatuses
	case core.PlatformJira:
		return jiraStatuses
	default:
		return nil
	}
}
