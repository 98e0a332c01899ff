// Package session supervises the LLM CLI subprocesses agents run inside:
// session lifecycle, prompt delivery, health checking, and the environment
// scrubbing that keeps framework credentials out of agent reach.
package session

import "strings"

// bannedEnvNames are framework credentials that must never reach an agent
// subprocess, named exactly.
var bannedEnvNames = map[string]bool{
	"GITHUB_APP_ID":              true,
	"GITHUB_PRIVATE_KEY":         true,
	"GITHUB_WEBHOOK_SECRET":      true,
	"GITHUB_INSTALLATION_ID":     true,
	"COPILOT_GITHUB_TOKEN":       true,
	"GITHUB_TOKEN":               true,
	"GH_TOKEN":                   true,
	"SQUADRON_DASHBOARD_API_KEY": true,
}

// bannedEnvSubstrings catch credential-shaped variables the exact list
// misses. Matched case-sensitively against the upper-cased name.
var bannedEnvSubstrings = []string{
	"API_KEY",
	"SECRET_KEY",
	"PRIVATE_KEY",
	"ACCESS_TOKEN",
	"AUTH_TOKEN",
}

// allowedEnvNames are exempt from the substring ban: the LLM provider key
// is the one credential the agent subprocess legitimately needs.
var allowedEnvNames = map[string]bool{
	"ANTHROPIC_API_KEY": true,
	"OPENAI_API_KEY":    true,
	"GEMINI_API_KEY":    true,
}

// ScrubEnv filters a KEY=VALUE environment list down to what an agent
// subprocess may see. Entries without '=' are dropped.
func ScrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, entry := range env {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		name := entry[:eq]
		if envAllowed(name) {
			out = append(out, entry)
		}
	}
	return out
}

func envAllowed(name string) bool {
	if bannedEnvNames[name] {
		return false
	}
	if allowedEnvNames[name] {
		return true
	}
	upper := strings.ToUpper(name)
	for _, sub := range bannedEnvSubstrings {
		if strings.Contains(upper, sub) {
			return false
		}
	}
	return true
}
