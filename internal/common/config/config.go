// Package config provides configuration management for Squadron.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Squadron.
type Config struct {
	Server          ServerConfig             `mapstructure:"server"`
	Project         ProjectConfig            `mapstructure:"project"`
	Webhook         WebhookConfig            `mapstructure:"webhook"`
	GitHub          GitHubConfig             `mapstructure:"github"`
	NATS            NATSConfig               `mapstructure:"nats"`
	Logging         LoggingConfig            `mapstructure:"logging"`
	Data            DataConfig               `mapstructure:"data"`
	Runtime         RuntimeConfig            `mapstructure:"runtime"`
	AgentRoles      map[string]RoleConfig    `mapstructure:"agentRoles"`
	BranchNaming    BranchNamingConfig       `mapstructure:"branchNaming"`
	CircuitBreakers CircuitBreakersConfig    `mapstructure:"circuitBreakers"`
	Commands        map[string]CommandConfig `mapstructure:"commands"`
	HumanGroups     HumanGroupsConfig        `mapstructure:"humanGroups"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ProjectConfig identifies the single GitHub repository this instance manages.
type ProjectConfig struct {
	Name          string `mapstructure:"name"`
	Owner         string `mapstructure:"owner"`
	Repo          string `mapstructure:"repo"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// FullName returns the owner/repo form used in webhook payloads.
func (p *ProjectConfig) FullName() string {
	return p.Owner + "/" + p.Repo
}

// WebhookConfig holds webhook validation and intake configuration.
type WebhookConfig struct {
	Secret         string `mapstructure:"secret"`
	InstallationID int64  `mapstructure:"installationId"` // 0 disables installation scoping
	RatePerMinute  int    `mapstructure:"ratePerMinute"`  // 0 disables rate limiting
	QueueSize      int    `mapstructure:"queueSize"`
}

// GitHubConfig holds GitHub API client configuration.
type GitHubConfig struct {
	Token    string `mapstructure:"token"`
	BaseURL  string `mapstructure:"baseUrl"` // for GitHub Enterprise, empty for github.com
	BotLogin string `mapstructure:"botLogin"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DataConfig holds persistent state layout configuration.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// RegistryPath returns the path of the embedded registry database.
func (d *DataConfig) RegistryPath() string {
	return d.Dir + "/registry.db"
}

// WorktreesDir returns the base directory for per-agent worktrees.
func (d *DataConfig) WorktreesDir() string {
	return d.Dir + "/worktrees"
}

// RuntimeConfig holds agent runtime configuration.
type RuntimeConfig struct {
	DefaultModel           string   `mapstructure:"defaultModel"`
	Provider               string   `mapstructure:"provider"`
	ReconciliationInterval int      `mapstructure:"reconciliationInterval"` // in seconds
	SeenEventRetention     int      `mapstructure:"seenEventRetention"`     // in hours
	AgentCommand           []string `mapstructure:"agentCommand"`           // LLM CLI argv
	RepoPath               string   `mapstructure:"repoPath"`               // local clone worktrees branch from
}

// ReconciliationIntervalDuration returns the reconciliation interval as a time.Duration.
func (r *RuntimeConfig) ReconciliationIntervalDuration() time.Duration {
	return time.Duration(r.ReconciliationInterval) * time.Second
}

// SeenEventRetentionDuration returns the dedup-store retention as a time.Duration.
func (r *RuntimeConfig) SeenEventRetentionDuration() time.Duration {
	return time.Duration(r.SeenEventRetention) * time.Hour
}

// TriggerAction is what a matched trigger does to the role's agent.
type TriggerAction string

const (
	TriggerActionSpawn    TriggerAction = "spawn"
	TriggerActionWake     TriggerAction = "wake"
	TriggerActionSleep    TriggerAction = "sleep"
	TriggerActionComplete TriggerAction = "complete"
)

// TriggerConfig binds an event (optionally filtered by label or condition) to an action.
type TriggerConfig struct {
	Event     string        `mapstructure:"event"`
	Label     string        `mapstructure:"label"`
	Action    TriggerAction `mapstructure:"action"`
	Condition string        `mapstructure:"condition"`
}

// RoleConfig wires one agent role: its prompt template and its triggers.
type RoleConfig struct {
	Definition       string          `mapstructure:"definition"`     // inline prompt template
	DefinitionFile   string          `mapstructure:"definitionFile"` // read at load when set
	Triggers         []TriggerConfig `mapstructure:"triggers"`
	Singleton        bool            `mapstructure:"singleton"`
	AssignableLabels []string        `mapstructure:"assignableLabels"`
}

// BranchNamingConfig holds branch templates per role family.
// Templates interpolate {issue_number}.
type BranchNamingConfig struct {
	Feature  string `mapstructure:"feature"`
	Bugfix   string `mapstructure:"bugfix"`
	Security string `mapstructure:"security"`
	Docs     string `mapstructure:"docs"`
	Infra    string `mapstructure:"infra"`
}

// CircuitBreakerConfig bounds a single role's resource usage.
// Zero-valued fields inherit from the defaults on merge.
type CircuitBreakerConfig struct {
	MaxActiveDuration int     `mapstructure:"maxActiveDuration"` // in seconds
	MaxSleepDuration  int     `mapstructure:"maxSleepDuration"`  // in seconds
	MaxIterations     int     `mapstructure:"maxIterations"`
	MaxToolCalls      int     `mapstructure:"maxToolCalls"`
	MaxTurns          int     `mapstructure:"maxTurns"`
	WarningThreshold  float64 `mapstructure:"warningThreshold"` // fraction of maxActiveDuration
	CleanupTimeout    int     `mapstructure:"cleanupTimeout"`   // in seconds
}

// MaxActiveDurationTime returns the active bound as a time.Duration.
func (c *CircuitBreakerConfig) MaxActiveDurationTime() time.Duration {
	return time.Duration(c.MaxActiveDuration) * time.Second
}

// MaxSleepDurationTime returns the sleep bound as a time.Duration.
func (c *CircuitBreakerConfig) MaxSleepDurationTime() time.Duration {
	return time.Duration(c.MaxSleepDuration) * time.Second
}

// CleanupTimeoutTime returns the cleanup budget as a time.Duration.
func (c *CircuitBreakerConfig) CleanupTimeoutTime() time.Duration {
	return time.Duration(c.CleanupTimeout) * time.Second
}

// CircuitBreakersConfig holds the default bounds plus per-role overrides.
type CircuitBreakersConfig struct {
	Defaults CircuitBreakerConfig            `mapstructure:"defaults"`
	Roles    map[string]CircuitBreakerConfig `mapstructure:"roles"`
}

// ForRole merges the role's overrides onto the defaults.
func (c *CircuitBreakersConfig) ForRole(role string) CircuitBreakerConfig {
	merged := c.Defaults
	override, ok := c.Roles[role]
	if !ok {
		return merged
	}
	if override.MaxActiveDuration > 0 {
		merged.MaxActiveDuration = override.MaxActiveDuration
	}
	if override.MaxSleepDuration > 0 {
		merged.MaxSleepDuration = override.MaxSleepDuration
	}
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.MaxToolCalls > 0 {
		merged.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxTurns > 0 {
		merged.MaxTurns = override.MaxTurns
	}
	if override.WarningThreshold > 0 {
		merged.WarningThreshold = override.WarningThreshold
	}
	if override.CleanupTimeout > 0 {
		merged.CleanupTimeout = override.CleanupTimeout
	}
	return merged
}

// CommandConfig describes one @bot command.
// Disabled commands and commands with a static response never reach an agent.
type CommandConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	InvokeAgent string `mapstructure:"invokeAgent"`
	Response    string `mapstructure:"response"`
}

// HumanGroupsConfig holds allowlisted human senders.
// An empty maintainers list locks the instance down.
type HumanGroupsConfig struct {
	Maintainers []string `mapstructure:"maintainers"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// recognizedPlaceholders is the schema of placeholders role templates may use.
// Unknown placeholders are rejected at config load so a typo surfaces here
// instead of silently interpolating to an empty string at runtime.
var recognizedPlaceholders = map[string]bool{
	"agent_id":       true,
	"role":           true,
	"owner":          true,
	"repo":           true,
	"default_branch": true,
	"issue_number":   true,
	"pr_number":      true,
	"branch_name":    true,
	"worktree_path":  true,
	"max_iterations": true,
	"max_tool_calls": true,
	"max_turns":      true,
	"pm_mention":     true,
	"trigger_event":  true,
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// lintTemplate reports placeholders in tmpl that are not part of the schema.
func lintTemplate(tmpl string) []string {
	var unknown []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !recognizedPlaceholders[match[1]] {
			unknown = append(unknown, match[1])
		}
	}
	return unknown
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Project defaults
	v.SetDefault("project.defaultBranch", "main")

	// Webhook defaults
	v.SetDefault("webhook.ratePerMinute", 120)
	v.SetDefault("webhook.queueSize", 256)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "squadron")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Data defaults
	v.SetDefault("data.dir", "./.squadron-data")

	// Runtime defaults
	v.SetDefault("runtime.reconciliationInterval", 300)
	v.SetDefault("runtime.seenEventRetention", 72)

	// Circuit breaker defaults
	v.SetDefault("circuitBreakers.defaults.maxActiveDuration", 3600)
	v.SetDefault("circuitBreakers.defaults.maxSleepDuration", 86400)
	v.SetDefault("circuitBreakers.defaults.maxIterations", 50)
	v.SetDefault("circuitBreakers.defaults.maxToolCalls", 200)
	v.SetDefault("circuitBreakers.defaults.maxTurns", 100)
	v.SetDefault("circuitBreakers.defaults.warningThreshold", 0.8)
	v.SetDefault("circuitBreakers.defaults.cleanupTimeout", 30)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SQUADRON_ with snake_case naming.
// Config file should be named squadron.yaml and placed in the current directory
// or /etc/squadron/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SQUADRON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("webhook.secret", "GITHUB_WEBHOOK_SECRET", "SQUADRON_WEBHOOK_SECRET")
	_ = v.BindEnv("webhook.installationId", "GITHUB_INSTALLATION_ID", "SQUADRON_WEBHOOK_INSTALLATION_ID")
	_ = v.BindEnv("github.token", "GITHUB_TOKEN", "SQUADRON_GITHUB_TOKEN")

	v.SetConfigName("squadron")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/squadron/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := resolveDefinitions(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolveDefinitions reads role definition files into the inline Definition field.
func resolveDefinitions(cfg *Config) error {
	for name, role := range cfg.AgentRoles {
		if role.DefinitionFile == "" {
			continue
		}
		data, err := os.ReadFile(role.DefinitionFile)
		if err != nil {
			return fmt.Errorf("reading definition for role %q: %w", name, err)
		}
		role.Definition = string(data)
		cfg.AgentRoles[name] = role
	}
	return nil
}

// Validate checks that all required configuration fields are set.
// Any failure here is fatal at startup.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Project.Owner == "" || cfg.Project.Repo == "" {
		errs = append(errs, "project.owner and project.repo are required")
	}

	if cfg.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required")
	}

	if cfg.GitHub.BotLogin == "" {
		errs = append(errs, "github.botLogin is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runtime.ReconciliationInterval <= 0 {
		errs = append(errs, "runtime.reconciliationInterval must be positive")
	}

	if cfg.CircuitBreakers.Defaults.WarningThreshold <= 0 || cfg.CircuitBreakers.Defaults.WarningThreshold >= 1 {
		errs = append(errs, "circuitBreakers.defaults.warningThreshold must be in (0, 1)")
	}

	for name, role := range cfg.AgentRoles {
		if role.Definition == "" {
			errs = append(errs, fmt.Sprintf("agentRoles.%s: definition or definitionFile is required", name))
			continue
		}
		if unknown := lintTemplate(role.Definition); len(unknown) > 0 {
			errs = append(errs, fmt.Sprintf("agentRoles.%s: unrecognized placeholders: %s", name, strings.Join(unknown, ", ")))
		}
		for i, trigger := range role.Triggers {
			switch trigger.Action {
			case "", TriggerActionSpawn, TriggerActionWake, TriggerActionSleep, TriggerActionComplete:
			default:
				errs = append(errs, fmt.Sprintf("agentRoles.%s.triggers[%d]: unknown action %q", name, i, trigger.Action))
			}
			if trigger.Event == "" {
				errs = append(errs, fmt.Sprintf("agentRoles.%s.triggers[%d]: event is required", name, i))
			}
			if trigger.Condition != "" && !strings.Contains(trigger.Condition, "=") {
				errs = append(errs, fmt.Sprintf("agentRoles.%s.triggers[%d]: condition must be of the form key=value", name, i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// detectDefaultLogFormat returns "json" for production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SQUADRON_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
