package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubEnvBansExactNames(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"GITHUB_TOKEN=ghp_secret",
		"GH_TOKEN=gho_secret",
		"GITHUB_WEBHOOK_SECRET=whsec",
		"GITHUB_APP_ID=12345",
		"GITHUB_PRIVATE_KEY=-----BEGIN",
		"GITHUB_INSTALLATION_ID=678",
		"COPILOT_GITHUB_TOKEN=tok",
		"SQUADRON_DASHBOARD_API_KEY=dash",
		"HOME=/home/agent",
	}

	got := ScrubEnv(env)
	assert.ElementsMatch(t, []string{"PATH=/usr/bin", "HOME=/home/agent"}, got)
}

func TestScrubEnvBansSubstrings(t *testing.T) {
	env := []string{
		"STRIPE_API_KEY=sk_live",
		"MY_SECRET_KEY=abc",
		"SOME_PRIVATE_KEY=def",
		"SLACK_ACCESS_TOKEN=xoxb",
		"CI_AUTH_TOKEN=tok",
		"TERM=xterm",
	}

	got := ScrubEnv(env)
	assert.Equal(t, []string{"TERM=xterm"}, got)
}

func TestScrubEnvAllowlistSurvives(t *testing.T) {
	env := []string{
		"ANTHROPIC_API_KEY=sk-ant",
		"OPENAI_API_KEY=sk-oai",
		"RANDOM_API_KEY=nope",
	}

	got := ScrubEnv(env)
	assert.ElementsMatch(t, []string{"ANTHROPIC_API_KEY=sk-ant", "OPENAI_API_KEY=sk-oai"}, got)
}

func TestScrubEnvDropsMalformedEntries(t *testing.T) {
	got := ScrubEnv([]string{"NOEQUALS", "OK=1"})
	assert.Equal(t, []string{"OK=1"}, got)
}
