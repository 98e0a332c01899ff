// Package reconcile runs the periodic sweep that catches what the event
// path missed: blocker issues closed while the webhook stream was down,
// agents asleep or active past their budgets, and stale dedup records.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nbaertsch/squadron-sub002/internal/agent"
	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/github"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
)

// blockerLookupConcurrency bounds parallel GitHub calls per sweep.
const blockerLookupConcurrency = 4

// Agents is the slice of the agent manager the reconciler drives.
type Agents interface {
	Wake(ctx context.Context, agentID, reason string) error
	Escalate(ctx context.Context, agentID, reason string, layer agent.EnforcementLayer) error
}

// Reconciler periodically compares the registry against GitHub and the
// clock, repairing whatever drifted.
type Reconciler struct {
	cfg    *config.Config
	store  *registry.Store
	gh     github.Client
	agents Agents
	logger *logger.Logger
	cron   *cron.Cron
}

// NewReconciler wires the sweep; call Start to schedule it.
func NewReconciler(cfg *config.Config, store *registry.Store, gh github.Client, agents Agents, log *logger.Logger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		store:  store,
		gh:     gh,
		agents: agents,
		logger: log.WithFields(zap.String("component", "reconciler")),
		cron:   cron.New(),
	}
}

// Start schedules the sweep on the configured interval and runs the cron.
func (r *Reconciler) Start() error {
	interval := r.cfg.Runtime.ReconciliationIntervalDuration()
	expr := fmt.Sprintf("@every %s", interval)

	if _, err := r.cron.AddFunc(expr, func() {
		if err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("reconciliation sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling reconciliation: %w", err)
	}

	r.cron.Start()
	r.logger.Info("reconciler started", zap.Duration("interval", interval))
	return nil
}

// Stop halts the cron runner. An in-flight sweep finishes on its own.
func (r *Reconciler) Stop() {
	r.cron.Stop()
	r.logger.Info("reconciler stopped")
}

// RunOnce executes a full sweep. Each agent is handled best-effort so a
// single bad record never starves the rest.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	now := time.Now()

	if err := r.sweepSleeping(ctx, now); err != nil {
		r.logger.Error("sleeping sweep failed", zap.Error(err))
	}
	if err := r.sweepActive(ctx, now); err != nil {
		r.logger.Error("active sweep failed", zap.Error(err))
	}

	retention := r.cfg.Runtime.SeenEventRetentionDuration()
	if retention > 0 {
		pruned, err := r.store.PruneSeenEvents(ctx, now.Add(-retention))
		if err != nil {
			r.logger.Error("pruning seen events failed", zap.Error(err))
		} else if pruned > 0 {
			r.logger.Debug("pruned seen events", zap.Int64("count", pruned))
		}
	}
	return nil
}

// sweepSleeping checks every sleeping agent for blockers that closed while
// it slept, and for sleep budgets that ran out.
func (r *Reconciler) sweepSleeping(ctx context.Context, now time.Time) error {
	sleeping, err := r.store.ListByStatus(ctx, registry.StatusSleeping)
	if err != nil {
		return err
	}

	for _, a := range sleeping {
		limits := agent.LimitsForRole(r.cfg, a.Role)

		if a.SleepingSince != nil && limits.SleepExceeded(*a.SleepingSince, now) {
			reason := fmt.Sprintf("exceeded max sleep duration (%s)", limits.MaxSleepDuration)
			if err := r.agents.Escalate(ctx, a.ID, reason, agent.LayerReconciler); err != nil {
				r.logger.Error("escalating overslept agent failed",
					zap.String("agent_id", a.ID),
					zap.Error(err))
			}
			continue
		}

		if len(a.BlockedBy) == 0 {
			continue
		}
		if err := r.resolveClosedBlockers(ctx, a); err != nil {
			r.logger.Error("resolving blockers failed",
				zap.String("agent_id", a.ID),
				zap.Error(err))
		}
	}
	return nil
}

// resolveClosedBlockers asks GitHub about each blocker issue in parallel
// and removes the edges whose issue is closed.
func (r *Reconciler) resolveClosedBlockers(ctx context.Context, a *registry.Agent) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blockerLookupConcurrency)

	closed := make([]bool, len(a.BlockedBy))
	for i, blocker := range a.BlockedBy {
		g.Go(func() error {
			issue, err := r.gh.GetIssue(gctx, blocker)
			if err != nil {
				return fmt.Errorf("looking up blocker #%d: %w", blocker, err)
			}
			closed[i] = issue.State == "closed"
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	remaining := len(a.BlockedBy)
	for i, blocker := range a.BlockedBy {
		if !closed[i] {
			continue
		}
		n, err := r.store.RemoveBlocker(ctx, a.ID, blocker)
		if err != nil {
			return err
		}
		remaining = n
		r.logger.Info("blocker closed while agent slept",
			zap.String("agent_id", a.ID),
			zap.Int("blocker", blocker))
	}

	if remaining == 0 {
		return r.agents.Wake(ctx, a.ID, "blockers resolved during reconciliation")
	}
	return nil
}

// sweepActive escalates active agents whose loop should have stopped them
// already. Reaching this path means the hook and watchdog layers both
// missed, typically after a crash left a record ACTIVE with no loop.
func (r *Reconciler) sweepActive(ctx context.Context, now time.Time) error {
	active, err := r.store.ListByStatus(ctx, registry.StatusActive)
	if err != nil {
		return err
	}

	for _, a := range active {
		limits := agent.LimitsForRole(r.cfg, a.Role)
		if a.ActiveSince == nil {
			continue
		}
		since := *a.ActiveSince

		if limits.ActiveExceeded(since, now) {
			reason := fmt.Sprintf("exceeded max active duration (%s)", limits.MaxActiveDuration)
			if err := r.agents.Escalate(ctx, a.ID, reason, agent.LayerReconciler); err != nil {
				r.logger.Error("escalating stale active agent failed",
					zap.String("agent_id", a.ID),
					zap.Error(err))
			}
			continue
		}
		if limits.InWarningBand(since, now) {
			r.logger.Warn("agent approaching wall-clock budget",
				zap.String("agent_id", a.ID),
				zap.Duration("budget", limits.MaxActiveDuration))
		}
	}
	return nil
}
