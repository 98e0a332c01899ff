package agent

import (
	"time"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
)

// EnforcementLayer records which safety layer terminated or bounded an agent.
type EnforcementLayer string

const (
	// LayerHook fires inline, between agent turns.
	LayerHook EnforcementLayer = "hook"
	// LayerWatchdog fires from the per-agent timer while a turn is running.
	LayerWatchdog EnforcementLayer = "watchdog"
	// LayerReconciler fires from the periodic sweep, catching anything the
	// first two layers missed (e.g. across a restart).
	LayerReconciler EnforcementLayer = "reconciler"
)

// roleCleanupTimeouts is the canonical cleanup budget per role. Review roles
// finish mid-thought cheaply; infra agents may be waiting on a terraform
// plan and get the largest budget.
var roleCleanupTimeouts = map[string]time.Duration{
	"pr-review":       60 * time.Second,
	"security-review": 60 * time.Second,
	"infra-dev":       90 * time.Second,
	"feat-dev":        45 * time.Second,
}

const defaultCleanupTimeout = 30 * time.Second

// Limits are the resolved circuit-breaker bounds for one role.
type Limits struct {
	MaxActiveDuration time.Duration
	MaxSleepDuration  time.Duration
	MaxIterations     int
	MaxToolCalls      int
	MaxTurns          int
	WarningThreshold  float64
	CleanupTimeout    time.Duration
}

// LimitsForRole resolves the bounds for a role: config defaults, per-role
// config overrides, and the built-in cleanup table for roles the config
// does not override explicitly.
func LimitsForRole(cfg *config.Config, role string) Limits {
	merged := cfg.CircuitBreakers.ForRole(role)

	cleanup := defaultCleanupTimeout
	if t, ok := roleCleanupTimeouts[role]; ok {
		cleanup = t
	}
	if override, ok := cfg.CircuitBreakers.Roles[role]; ok && override.CleanupTimeout > 0 {
		cleanup = override.CleanupTimeoutTime()
	}

	return Limits{
		MaxActiveDuration: merged.MaxActiveDurationTime(),
		MaxSleepDuration:  merged.MaxSleepDurationTime(),
		MaxIterations:     merged.MaxIterations,
		MaxToolCalls:      merged.MaxToolCalls,
		MaxTurns:          merged.MaxTurns,
		WarningThreshold:  merged.WarningThreshold,
		CleanupTimeout:    cleanup,
	}
}

// IterationsExceeded reports whether the agent has burned its iteration budget.
func (l Limits) IterationsExceeded(iterations int) bool {
	return l.MaxIterations > 0 && iterations >= l.MaxIterations
}

// TurnsExceeded reports whether the agent has burned its conversation-turn
// budget.
func (l Limits) TurnsExceeded(turns int) bool {
	return l.MaxTurns > 0 && turns >= l.MaxTurns
}

// ToolCallsExceeded reports whether the agent has burned its tool-call budget.
func (l Limits) ToolCallsExceeded(toolCalls int) bool {
	return l.MaxToolCalls > 0 && toolCalls >= l.MaxToolCalls
}

// ActiveExceeded reports whether an agent active since the given time has
// overrun its wall-clock budget.
func (l Limits) ActiveExceeded(activeSince time.Time, now time.Time) bool {
	return l.MaxActiveDuration > 0 && now.Sub(activeSince) >= l.MaxActiveDuration
}

// InWarningBand reports whether active time has crossed the warning fraction
// of the wall-clock budget without exceeding it.
func (l Limits) InWarningBand(activeSince time.Time, now time.Time) bool {
	if l.MaxActiveDuration <= 0 || l.WarningThreshold <= 0 {
		return false
	}
	elapsed := now.Sub(activeSince)
	return elapsed >= time.Duration(float64(l.MaxActiveDuration)*l.WarningThreshold) &&
		elapsed < l.MaxActiveDuration
}

// SleepExceeded reports whether a sleeping agent has overslept.
func (l Limits) SleepExceeded(sleepingSince time.Time, now time.Time) bool {
	return l.MaxSleepDuration > 0 && now.Sub(sleepingSince) >= l.MaxSleepDuration
}
