package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
)

func TestInterpolate(t *testing.T) {
	got := Interpolate("Work on {owner}/{repo} issue {issue_number} as {role}.", map[string]string{
		"owner":        "octo",
		"repo":         "widgets",
		"issue_number": "42",
		"role":         "feat-dev",
	})
	assert.Equal(t, "Work on octo/widgets issue 42 as feat-dev.", got)
}

func TestInterpolateMissingValuesAreEmpty(t *testing.T) {
	got := Interpolate("PR: {pr_number}.", map[string]string{})
	assert.Equal(t, "PR: .", got)
}

func TestBranchForRole(t *testing.T) {
	cfg := &config.Config{}
	cfg.BranchNaming = config.BranchNamingConfig{
		Feature:  "feature/issue-{issue_number}",
		Security: "security/issue-{issue_number}",
		Infra:    "infra/issue-{issue_number}",
		Docs:     "docs/issue-{issue_number}",
		Bugfix:   "bugfix/issue-{issue_number}",
	}

	assert.Equal(t, "feature/issue-7", BranchForRole(cfg, "feat-dev", 7))
	assert.Equal(t, "security/issue-7", BranchForRole(cfg, "security-review", 7))
	assert.Equal(t, "infra/issue-7", BranchForRole(cfg, "infra-dev", 7))
	assert.Equal(t, "docs/issue-7", BranchForRole(cfg, "doc-writer", 7))
	assert.Equal(t, "bugfix/issue-7", BranchForRole(cfg, "bugfix-dev", 7))
	assert.Equal(t, "feature/issue-7", BranchForRole(cfg, "pr-review", 7))
}

func TestBranchForRoleFallback(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, "feature/issue-3", BranchForRole(cfg, "anything", 3))
}
