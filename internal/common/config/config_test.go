package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Project.Owner = "octo"
	cfg.Project.Repo = "widgets"
	cfg.Webhook.Secret = "s3cret"
	cfg.GitHub.BotLogin = "squadron-bot"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Runtime.ReconciliationInterval = 300
	cfg.CircuitBreakers.Defaults.WarningThreshold = 0.8
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing owner", func(c *Config) { c.Project.Owner = "" }, "project.owner"},
		{"missing secret", func(c *Config) { c.Webhook.Secret = "" }, "webhook.secret"},
		{"missing bot login", func(c *Config) { c.GitHub.BotLogin = "" }, "github.botLogin"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad interval", func(c *Config) { c.Runtime.ReconciliationInterval = 0 }, "reconciliationInterval"},
		{"bad threshold", func(c *Config) { c.CircuitBreakers.Defaults.WarningThreshold = 1.5 }, "warningThreshold"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateRejectsUnknownPlaceholder(t *testing.T) {
	cfg := validConfig()
	cfg.AgentRoles = map[string]RoleConfig{
		"feat-dev": {Definition: "Work on {issue_numbr}."},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issue_numbr")
}

func TestValidateAcceptsRecognizedPlaceholders(t *testing.T) {
	cfg := validConfig()
	cfg.AgentRoles = map[string]RoleConfig{
		"feat-dev": {
			Definition: "You are {agent_id} ({role}) on {owner}/{repo}, issue {issue_number}, branch {branch_name} in {worktree_path}. Budget: {max_iterations} iterations.",
			Triggers: []TriggerConfig{
				{Event: "issue_labeled", Label: "agent:feat-dev", Action: TriggerActionSpawn},
			},
		},
	}
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsRoleWithoutDefinition(t *testing.T) {
	cfg := validConfig()
	cfg.AgentRoles = map[string]RoleConfig{"feat-dev": {}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definition")
}

func TestValidateRejectsUnknownTriggerAction(t *testing.T) {
	cfg := validConfig()
	cfg.AgentRoles = map[string]RoleConfig{
		"feat-dev": {
			Definition: "Work.",
			Triggers:   []TriggerConfig{{Event: "issue_labeled", Action: "detonate"}},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detonate")
}

func TestValidateRejectsTriggerWithoutEvent(t *testing.T) {
	cfg := validConfig()
	cfg.AgentRoles = map[string]RoleConfig{
		"feat-dev": {
			Definition: "Work.",
			Triggers:   []TriggerConfig{{Action: TriggerActionSpawn}},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event is required")
}

func TestForRoleMergesOverridesOntoDefaults(t *testing.T) {
	c := CircuitBreakersConfig{
		Defaults: CircuitBreakerConfig{
			MaxActiveDuration: 3600,
			MaxIterations:     50,
			MaxToolCalls:      200,
			WarningThreshold:  0.8,
			CleanupTimeout:    30,
		},
		Roles: map[string]CircuitBreakerConfig{
			"pr-review": {MaxIterations: 10, CleanupTimeout: 60},
		},
	}

	merged := c.ForRole("pr-review")
	assert.Equal(t, 10, merged.MaxIterations)
	assert.Equal(t, 60, merged.CleanupTimeout)
	assert.Equal(t, 3600, merged.MaxActiveDuration)
	assert.Equal(t, 200, merged.MaxToolCalls)

	assert.Equal(t, c.Defaults, c.ForRole("unknown-role"))
}

func TestDurationAccessors(t *testing.T) {
	b := CircuitBreakerConfig{MaxActiveDuration: 3600, MaxSleepDuration: 86400, CleanupTimeout: 45}
	assert.Equal(t, time.Hour, b.MaxActiveDurationTime())
	assert.Equal(t, 24*time.Hour, b.MaxSleepDurationTime())
	assert.Equal(t, 45*time.Second, b.CleanupTimeoutTime())

	r := RuntimeConfig{ReconciliationInterval: 300, SeenEventRetention: 72}
	assert.Equal(t, 5*time.Minute, r.ReconciliationIntervalDuration())
	assert.Equal(t, 72*time.Hour, r.SeenEventRetentionDuration())
}

func TestDataPaths(t *testing.T) {
	d := DataConfig{Dir: "/var/lib/squadron"}
	assert.Equal(t, "/var/lib/squadron/registry.db", d.RegistryPath())
	assert.Equal(t, "/var/lib/squadron/worktrees", d.WorktreesDir())
}

func TestLoadWithPathReadsYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
project:
  owner: octo
  repo: widgets
webhook:
  secret: s3cret
github:
  botLogin: squadron-bot
logging:
  level: debug
  format: json
agentRoles:
  feat-dev:
    definition: "Work issue {issue_number}."
    singleton: true
    assignableLabels: ["agent:feat-dev"]
    triggers:
      - event: issue_labeled
        label: "agent:feat-dev"
        action: spawn
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "squadron.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "octo/widgets", cfg.Project.FullName())
	role := cfg.AgentRoles["feat-dev"]
	assert.True(t, role.Singleton)
	assert.Equal(t, []string{"agent:feat-dev"}, role.AssignableLabels)
	require.Len(t, role.Triggers, 1)
	assert.Equal(t, TriggerActionSpawn, role.Triggers[0].Action)

	// Defaults fill what the file leaves out.
	assert.Equal(t, 300, cfg.Runtime.ReconciliationInterval)
	assert.Equal(t, 50, cfg.CircuitBreakers.Defaults.MaxIterations)
}

func TestLoadResolvesDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	defPath := filepath.Join(dir, "feat-dev.md")
	require.NoError(t, os.WriteFile(defPath, []byte("Work issue {issue_number} carefully."), 0o644))

	yaml := `
project:
  owner: octo
  repo: widgets
webhook:
  secret: s3cret
github:
  botLogin: squadron-bot
logging:
  level: info
  format: json
agentRoles:
  feat-dev:
    definitionFile: ` + defPath + `
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "squadron.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "Work issue {issue_number} carefully.", cfg.AgentRoles["feat-dev"].Definition)
}

func TestLoadBindsWebhookSecretFromEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
project:
  owner: octo
  repo: widgets
github:
  botLogin: squadron-bot
logging:
  level: info
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "squadron.yaml"), []byte(yaml), 0o644))
	t.Setenv("GITHUB_WEBHOOK_SECRET", "from-env")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
}
