package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenarioSplitsTurns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.txt")
	content := `Looking at the issue.
{"tool": "comment", "message": "starting"}
---
{"tool": "report_blocked", "blocker_issue": 9}
---
{"tool": "report_complete", "summary": "done"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	turns, err := loadScenario(path)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Contains(t, turns[0], `"comment"`)
	assert.Contains(t, turns[1], `"report_blocked"`)
	assert.Contains(t, turns[2], `"report_complete"`)
}

func TestNextTurnAdvancesPerSession(t *testing.T) {
	dir := t.TempDir()

	for want := 0; want < 3; want++ {
		got, err := nextTurn(dir, "squadron-feat-dev-issue-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := nextTurn(dir, "squadron-feat-dev-issue-2")
	require.NoError(t, err)
	assert.Equal(t, 0, other)
}

func TestRespondFollowsScenarioThenCompletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.txt")
	require.NoError(t, os.WriteFile(path, []byte(`{"tool": "comment", "message": "hi"}`), 0o644))

	assert.Contains(t, respond(path, "go", 0), `"comment"`)
	// Past the script the mock finishes instead of looping.
	assert.Contains(t, respond(path, "go", 1), `"report_complete"`)
}

func TestRespondWithoutScenarioCompletes(t *testing.T) {
	assert.Contains(t, respond("", "go", 0), `"report_complete"`)
}
