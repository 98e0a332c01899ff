package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
)

var promptPlaceholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// Interpolate fills a role definition template. Placeholders without a value
// interpolate to the empty string; the placeholder schema is linted at
// config load, so anything unknown here is a deliberately optional field
// (pr_number before a PR exists, for instance).
func Interpolate(template string, values map[string]string) string {
	return promptPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		return values[name]
	})
}

// promptValues assembles the interpolation map for one agent.
func promptValues(cfg *config.Config, a *registry.Agent, limits Limits, triggerEvent string) map[string]string {
	values := map[string]string{
		"agent_id":       a.ID,
		"role":           a.Role,
		"owner":          cfg.Project.Owner,
		"repo":           cfg.Project.Repo,
		"default_branch": cfg.Project.DefaultBranch,
		"issue_number":   fmt.Sprintf("%d", a.IssueNumber),
		"branch_name":    a.Branch,
		"worktree_path":  a.WorktreePath,
		"max_iterations": fmt.Sprintf("%d", limits.MaxIterations),
		"max_tool_calls": fmt.Sprintf("%d", limits.MaxToolCalls),
		"max_turns":      fmt.Sprintf("%d", limits.MaxTurns),
		"pm_mention":     "@" + cfg.GitHub.BotLogin,
		"trigger_event":  triggerEvent,
	}
	if a.PRNumber > 0 {
		values["pr_number"] = fmt.Sprintf("%d", a.PRNumber)
	}
	return values
}

// BranchForRole derives the branch name for a role and issue from the
// configured templates. Roles map onto template families by name; anything
// unrecognized falls back to the feature template.
func BranchForRole(cfg *config.Config, role string, issueNumber int) string {
	tmpl := cfg.BranchNaming.Feature
	switch {
	case strings.Contains(role, "security"):
		if cfg.BranchNaming.Security != "" {
			tmpl = cfg.BranchNaming.Security
		}
	case strings.Contains(role, "infra"):
		if cfg.BranchNaming.Infra != "" {
			tmpl = cfg.BranchNaming.Infra
		}
	case strings.Contains(role, "doc"):
		if cfg.BranchNaming.Docs != "" {
			tmpl = cfg.BranchNaming.Docs
		}
	case strings.Contains(role, "bug") || strings.Contains(role, "fix"):
		if cfg.BranchNaming.Bugfix != "" {
			tmpl = cfg.BranchNaming.Bugfix
		}
	}
	if tmpl == "" {
		tmpl = "feature/issue-{issue_number}"
	}
	return Interpolate(tmpl, map[string]string{
		"issue_number": fmt.Sprintf("%d", issueNumber),
	})
}
