// Package recovery rebuilds the orchestrator's view of the world after a
// restart. The registry survives on disk but is not trusted blindly: records
// that claim to be running are failed (their loops died with the process),
// and GitHub is treated as the source of truth for work that was in flight.
package recovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/agent"
	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/events"
	"github.com/nbaertsch/squadron-sub002/internal/github"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
	"github.com/nbaertsch/squadron-sub002/internal/session"
)

// Recoverer runs once at boot, before the router starts consuming events.
type Recoverer struct {
	cfg    *config.Config
	store  *registry.Store
	gh     github.Client
	logger *logger.Logger
}

func NewRecoverer(cfg *config.Config, store *registry.Store, gh github.Client, log *logger.Logger) *Recoverer {
	return &Recoverer{
		cfg:    cfg,
		store:  store,
		gh:     gh,
		logger: log.WithFields(zap.String("component", "recovery")),
	}
}

// Run performs the full recovery pass.
func (r *Recoverer) Run(ctx context.Context) error {
	if err := r.failOrphans(ctx); err != nil {
		return fmt.Errorf("failing orphaned records: %w", err)
	}
	if err := r.rebuildFromIssues(ctx); err != nil {
		return fmt.Errorf("rebuilding from issues: %w", err)
	}
	if err := r.rebuildFromPRs(ctx); err != nil {
		return fmt.Errorf("rebuilding from pull requests: %w", err)
	}
	return nil
}

// failOrphans marks records the dead process left mid-flight. A CREATED or
// ACTIVE record after a restart has no run loop behind it; spawn triggers
// re-create the work from scratch rather than resuming an unknown state.
func (r *Recoverer) failOrphans(ctx context.Context) error {
	for _, status := range []registry.Status{registry.StatusCreated, registry.StatusActive} {
		orphans, err := r.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, a := range orphans {
			a.Outcome = "orphaned by restart"
			if err := r.store.Update(ctx, a); err != nil {
				r.logger.Error("updating orphan failed",
					zap.String("agent_id", a.ID),
					zap.Error(err))
				continue
			}
			if _, err := r.store.Transition(ctx, a.ID, registry.StatusFailed); err != nil {
				r.logger.Error("failing orphan failed",
					zap.String("agent_id", a.ID),
					zap.Error(err))
				continue
			}
			if err := r.gh.CommentOnIssue(ctx, a.IssueNumber, fmt.Sprintf(
				"Agent `%s` was interrupted by an orchestrator restart and marked failed. Re-trigger the issue to restart the work.", a.ID)); err != nil {
				r.logger.Warn("posting orphan comment failed",
					zap.String("agent_id", a.ID),
					zap.Error(err))
			}
			r.logger.Warn("orphaned agent record failed",
				zap.String("agent_id", a.ID),
				zap.String("was", string(status)))
		}
	}
	return nil
}

// rebuildFromIssues reconstructs registry records from open issues carrying
// a role's assignable labels or one of the managed workflow labels. The
// issue's own labels decide the status, and blocker edges come back from
// the issue body.
func (r *Recoverer) rebuildFromIssues(ctx context.Context) error {
	issues, err := r.gh.ListIssues(ctx, github.IssueFilter{State: "open"})
	if err != nil {
		return err
	}

	for _, issue := range issues {
		role := r.roleForLabels(issue.Labels)
		managed := hasLabel(issue.Labels, agent.LabelInProgress) ||
			hasLabel(issue.Labels, agent.LabelBlocked) ||
			hasLabel(issue.Labels, agent.LabelNeedsHuman)
		if role == "" && !managed {
			continue
		}
		if role == "" {
			// A managed label without a role label: the work was ours,
			// whoever was doing it.
			role = r.fallbackRole()
		}

		agentID := registry.AgentID(role, issue.Number)
		if _, err := r.store.Get(ctx, agentID); err == nil {
			continue
		}

		status := registry.StatusSleeping
		var outcome string
		switch {
		case hasLabel(issue.Labels, agent.LabelNeedsHuman):
			status = registry.StatusEscalated
		case hasLabel(issue.Labels, agent.LabelBlocked):
			status = registry.StatusSleeping
		case hasLabel(issue.Labels, agent.LabelInProgress):
			// The loop working it died with the process.
			status = registry.StatusFailed
			outcome = "in flight when the orchestrator restarted"
		}

		a := &registry.Agent{
			ID:          agentID,
			Role:        role,
			IssueNumber: issue.Number,
			Status:      status,
			Outcome:     outcome,
			Branch:      agent.BranchForRole(r.cfg, role, issue.Number),
			SessionID:   session.SessionID(role, issue.Number),
		}
		if status == registry.StatusSleeping {
			a.BlockedBy = events.BlockerRefs(issue.Body)
		}

		if err := r.store.Create(ctx, a); err != nil {
			r.logger.Error("recreating agent from issue failed",
				zap.Int("issue", issue.Number),
				zap.Error(err))
			continue
		}
		r.logger.Info("agent record rebuilt from issue",
			zap.String("agent_id", agentID),
			zap.String("status", string(status)),
			zap.Ints("blocked_by", a.BlockedBy))
	}
	return nil
}

// rebuildFromPRs reattaches open pull requests to their agents: an agent
// record missing its PR number gets it back, by head branch first and by
// closing keywords second.
func (r *Recoverer) rebuildFromPRs(ctx context.Context) error {
	prs, err := r.gh.ListPullRequests(ctx, "open")
	if err != nil {
		return err
	}

	for _, pr := range prs {
		a := r.agentForPR(ctx, pr)
		if a == nil {
			r.adoptUntrackedPR(ctx, pr)
			continue
		}
		if a.PRNumber == pr.Number {
			continue
		}
		if a.PRNumber != 0 {
			r.logger.Warn("agent already tracks a different PR",
				zap.String("agent_id", a.ID),
				zap.Int("tracked", a.PRNumber),
				zap.Int("found", pr.Number))
			continue
		}

		a.PRNumber = pr.Number
		if err := r.store.Update(ctx, a); err != nil {
			r.logger.Error("reattaching PR failed",
				zap.String("agent_id", a.ID),
				zap.Error(err))
			continue
		}
		r.logger.Info("pull request reattached",
			zap.String("agent_id", a.ID),
			zap.Int("pr", pr.Number))
	}
	return nil
}

func (r *Recoverer) agentForPR(ctx context.Context, pr *github.PullRequest) *registry.Agent {
	if existing, err := r.store.GetByPR(ctx, pr.Number); err == nil {
		return existing
	}

	// Head branch matches a role's branch template for some issue.
	agents, err := r.store.ListNonTerminal(ctx)
	if err != nil {
		r.logger.Error("listing agents for PR matching failed", zap.Error(err))
		return nil
	}
	for _, a := range agents {
		if a.Branch == pr.HeadRef {
			return a
		}
	}

	// Closing keywords in the body name the agent's issue.
	for _, ref := range events.ClosingIssueRefs(pr.Body) {
		if a, err := r.store.GetByIssue(ctx, ref); err == nil && !a.Status.Terminal() {
			return a
		}
	}
	return nil
}

var branchIssuePattern = regexp.MustCompile(`issue-(\d+)`)

// adoptUntrackedPR creates a sleeping record for an open pull request no
// agent tracks. The work exists on GitHub even though the registry lost it;
// a wake trigger on the PR picks it back up.
func (r *Recoverer) adoptUntrackedPR(ctx context.Context, pr *github.PullRequest) {
	issueNumber := 0
	if refs := events.ClosingIssueRefs(pr.Body); len(refs) > 0 {
		issueNumber = refs[0]
	} else if m := branchIssuePattern.FindStringSubmatch(pr.HeadRef); m != nil {
		issueNumber, _ = strconv.Atoi(m[1])
	}
	if issueNumber == 0 {
		r.logger.Debug("open PR names no recoverable issue",
			zap.Int("pr", pr.Number),
			zap.String("head", pr.HeadRef))
		return
	}

	role := r.roleForBranch(pr.HeadRef, issueNumber)
	a := &registry.Agent{
		ID:          registry.AgentID(role, issueNumber),
		Role:        role,
		IssueNumber: issueNumber,
		PRNumber:    pr.Number,
		Status:      registry.StatusSleeping,
		Branch:      pr.HeadRef,
		SessionID:   session.SessionID(role, issueNumber),
	}
	if err := r.store.Create(ctx, a); err != nil {
		r.logger.Error("adopting untracked PR failed",
			zap.Int("pr", pr.Number),
			zap.Error(err))
		return
	}
	r.logger.Info("agent record rebuilt from pull request",
		zap.String("agent_id", a.ID),
		zap.Int("pr", pr.Number),
		zap.Int("issue", issueNumber))
}

// roleForBranch matches a head branch against each role's branch template;
// anything unrecognized recovers under the fallback role.
func (r *Recoverer) roleForBranch(headRef string, issueNumber int) string {
	for role := range r.cfg.AgentRoles {
		if agent.BranchForRole(r.cfg, role, issueNumber) == headRef {
			return role
		}
	}
	return r.fallbackRole()
}

// fallbackRole is the role unattributable recovered work lands under:
// feat-dev when configured, otherwise the first configured role by name.
func (r *Recoverer) fallbackRole() string {
	if _, ok := r.cfg.AgentRoles["feat-dev"]; ok {
		return "feat-dev"
	}
	names := make([]string, 0, len(r.cfg.AgentRoles))
	for name := range r.cfg.AgentRoles {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "feat-dev"
	}
	sort.Strings(names)
	return names[0]
}

// roleForLabels finds the role whose assignable labels include one of the
// issue's labels.
func (r *Recoverer) roleForLabels(labels []string) string {
	for role, roleCfg := range r.cfg.AgentRoles {
		for _, assignable := range roleCfg.AssignableLabels {
			if hasLabel(labels, assignable) {
				return role
			}
		}
	}
	return ""
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
