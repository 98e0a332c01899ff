// Package agent runs the supervisor state machine: spawning agents from
// triggers, driving their LLM sessions, dispatching the tools they invoke,
// and enforcing the circuit breakers that keep them bounded.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/events"
	"github.com/nbaertsch/squadron-sub002/internal/events/bus"
	"github.com/nbaertsch/squadron-sub002/internal/github"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
	"github.com/nbaertsch/squadron-sub002/internal/session"
)

const eventSource = "agent-manager"

// disposition is what a turn's tool calls decided about the agent's future.
type disposition int

const (
	dispositionContinue disposition = iota
	dispositionSleep
	dispositionComplete
	dispositionEscalate
)

// Sessions is the slice of the session supervisor the manager drives.
type Sessions interface {
	Create(id, worktreePath string) *session.Session
	Resume(id, worktreePath string) *session.Session
	Delete(id string)
	SendAndWait(ctx context.Context, id, prompt string) (string, error)
}

// Worktrees is the slice of the worktree manager the manager drives.
type Worktrees interface {
	Ensure(ctx context.Context, agentID, branch, baseBranch string) (string, error)
	Remove(ctx context.Context, agentID string, removeBranch bool, branch string) error
	Path(agentID string) string
}

// Manager owns every live agent.
type Manager struct {
	cfg       *config.Config
	store     *registry.Store
	bus       bus.EventBus
	gh        github.Client
	sessions  Sessions
	worktrees Worktrees
	logger    *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     bus.Subscription
}

// NewManager wires the supervisor.
func NewManager(cfg *config.Config, store *registry.Store, eventBus bus.EventBus, gh github.Client, sessions Sessions, worktrees Worktrees, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		bus:       eventBus,
		gh:        gh,
		sessions:  sessions,
		worktrees: worktrees,
		logger:    log.WithFields(zap.String("component", "agent-manager")),
		running:   make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the supervisor subject. Events arrive through a queue
// group so a future second instance would split the stream, not double it.
func (m *Manager) Start(ctx context.Context) error {
	m.rootCtx, m.cancel = context.WithCancel(ctx)

	sub, err := m.bus.QueueSubscribe(events.SubjectPM, "agent-manager", m.handleBusEvent)
	if err != nil {
		return fmt.Errorf("subscribing to supervisor subject: %w", err)
	}
	m.sub = sub
	m.logger.Info("agent manager started")
	return nil
}

// Stop cancels every running agent and waits for their loops to unwind.
func (m *Manager) Stop() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("agent manager stopped")
}

func (m *Manager) handleBusEvent(ctx context.Context, ev *bus.Event) error {
	var internal events.InternalEvent
	if err := ev.Decode(&internal); err != nil {
		return fmt.Errorf("decoding internal event: %w", err)
	}
	return m.HandleEvent(m.rootCtx, &internal)
}

// HandleEvent applies one normalized event to the agent population.
func (m *Manager) HandleEvent(ctx context.Context, internal *events.InternalEvent) error {
	switch internal.Type {
	case events.TypeWakeAgent:
		role, _ := internal.Data["role"].(string)
		if role == "" {
			return nil
		}
		return m.spawnOrWake(ctx, role, internal.IssueNumber, string(internal.Type))

	case events.TypeIssueClosed:
		if err := m.resolveBlockers(ctx, internal.IssueNumber); err != nil {
			m.logger.Error("resolving blockers failed",
				zap.Int("issue", internal.IssueNumber),
				zap.Error(err))
		}

	case events.TypePRClosed:
		if merged, _ := internal.Data["pr_merged"].(bool); merged {
			if err := m.completeByMergedPR(ctx, internal.PRNumber); err != nil &&
				!errors.Is(err, registry.ErrNotFound) {
				return err
			}
		}
	}

	return m.applyTriggers(ctx, internal)
}

// applyTriggers runs every role's trigger table against the event.
func (m *Manager) applyTriggers(ctx context.Context, internal *events.InternalEvent) error {
	label, _ := internal.Data["label"].(string)

	for role, roleCfg := range m.cfg.AgentRoles {
		for _, trigger := range roleCfg.Triggers {
			if trigger.Event != string(internal.Type) {
				continue
			}
			if trigger.Label != "" && trigger.Label != label {
				continue
			}
			if trigger.Condition != "" && !conditionMatches(trigger.Condition, internal.Data) {
				continue
			}

			issue := internal.IssueNumber
			if issue == 0 {
				issue = internal.PRNumber
			}
			if issue == 0 {
				continue
			}

			var err error
			switch trigger.Action {
			case config.TriggerActionSpawn, "":
				err = m.spawnOrWake(ctx, role, issue, string(internal.Type))
			case config.TriggerActionWake:
				err = m.wakeForEvent(ctx, role, internal, "triggered by "+string(internal.Type))
			case config.TriggerActionSleep:
				err = m.sleepByIssue(ctx, role, issue)
			case config.TriggerActionComplete:
				err = m.completeByIssue(ctx, role, issue)
			}
			if err != nil && !errors.Is(err, registry.ErrNotFound) {
				m.logger.Error("trigger action failed",
					zap.String("role", role),
					zap.String("action", string(trigger.Action)),
					zap.Int("issue", issue),
					zap.Error(err))
			}
		}
	}
	return nil
}

// conditionMatches evaluates a "key=value" trigger condition against the
// event's data fields. The form is checked at config load, so a malformed
// condition here simply never matches.
func conditionMatches(cond string, data map[string]any) bool {
	key, want, ok := strings.Cut(cond, "=")
	if !ok {
		return false
	}
	got, present := data[strings.TrimSpace(key)]
	if !present {
		return false
	}
	return fmt.Sprintf("%v", got) == strings.TrimSpace(want)
}

// spawnOrWake is the spawn policy: reuse a live record for the issue when
// one exists, adopt an existing PR where one matches, and only then create
// a fresh agent.
func (m *Manager) spawnOrWake(ctx context.Context, role string, issueNumber int, triggerEvent string) error {
	agentID := registry.AgentID(role, issueNumber)

	if existing, err := m.store.Get(ctx, agentID); err == nil {
		if existing.Status.Terminal() {
			m.logger.Info("agent for issue already finished, not respawning",
				zap.String("agent_id", agentID),
				zap.String("status", string(existing.Status)))
			return nil
		}
		if existing.Status == registry.StatusSleeping {
			return m.Wake(ctx, agentID, "re-triggered by "+triggerEvent)
		}
		m.logger.Debug("agent already live", zap.String("agent_id", agentID))
		return nil
	}

	roleCfg, ok := m.cfg.AgentRoles[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}

	if roleCfg.Singleton {
		live, err := m.liveAgentOfRole(ctx, role)
		if err != nil {
			return err
		}
		if live != nil {
			m.logger.Info("singleton role busy, skipping spawn",
				zap.String("role", role),
				zap.String("busy_agent", live.ID),
				zap.Int("issue", issueNumber))
			return nil
		}
	}

	a := &registry.Agent{
		ID:          agentID,
		Role:        role,
		IssueNumber: issueNumber,
		Status:      registry.StatusCreated,
		Branch:      BranchForRole(m.cfg, role, issueNumber),
		SessionID:   session.SessionID(role, issueNumber),
	}

	// Adopt an existing open PR for this issue so a restart or manual PR
	// does not produce a second one.
	if pr := m.findExistingPR(ctx, a); pr != nil {
		a.PRNumber = pr.Number
		a.Branch = pr.HeadRef
		m.logger.Info("adopting existing pull request",
			zap.String("agent_id", agentID),
			zap.Int("pr", pr.Number))
	}

	if err := m.store.Create(ctx, a); err != nil {
		return err
	}

	return m.activate(ctx, a, triggerEvent, false)
}

// findExistingPR locates an open PR that belongs to this agent's issue:
// either its head is the agent's branch, or the body closes the issue.
func (m *Manager) findExistingPR(ctx context.Context, a *registry.Agent) *github.PullRequest {
	prs, err := m.gh.ListPullRequests(ctx, "open")
	if err != nil {
		m.logger.Warn("listing PRs for adoption failed", zap.Error(err))
		return nil
	}
	for _, pr := range prs {
		if pr.HeadRef == a.Branch {
			return pr
		}
		for _, ref := range events.ClosingIssueRefs(pr.Body) {
			if ref == a.IssueNumber {
				return pr
			}
		}
	}
	return nil
}

func (m *Manager) liveAgentOfRole(ctx context.Context, role string) (*registry.Agent, error) {
	agents, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Role == role {
			return a, nil
		}
	}
	return nil, nil
}

// activate transitions the agent to ACTIVE and starts its run loop.
func (m *Manager) activate(ctx context.Context, a *registry.Agent, triggerEvent string, resume bool) error {
	path, err := m.worktrees.Ensure(ctx, a.ID, a.Branch, m.cfg.Project.DefaultBranch)
	if err != nil {
		a.Outcome = fmt.Sprintf("worktree setup failed: %v", err)
		a.Status = registry.StatusFailed
		_ = m.store.Update(ctx, a)
		return fmt.Errorf("preparing worktree for %s: %w", a.ID, err)
	}
	a.WorktreePath = path
	if err := m.store.Update(ctx, a); err != nil {
		return err
	}

	if resume {
		m.sessions.Resume(a.SessionID, path)
	} else {
		m.sessions.Create(a.SessionID, path)
	}

	updated, err := m.store.Transition(ctx, a.ID, registry.StatusActive)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go m.runLoop(updated, triggerEvent)
	return nil
}

// Wake moves a sleeping agent back to ACTIVE and restarts its loop. The
// worktree is re-validated first: the data dir may have been wiped while
// the agent slept.
func (m *Manager) Wake(ctx context.Context, agentID, reason string) error {
	a, err := m.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status != registry.StatusSleeping {
		return fmt.Errorf("%w: %s is %s, not sleeping", registry.ErrInvalidTransition, agentID, a.Status)
	}

	_ = m.gh.RemoveLabel(ctx, a.IssueNumber, LabelBlocked)

	m.logger.Info("waking agent",
		zap.String("agent_id", agentID),
		zap.String("reason", reason))
	return m.activate(ctx, a, reason, true)
}

// Escalate hands the agent's issue to a human and finalizes the record.
// layer names the enforcement layer responsible; empty means the agent
// asked for it itself.
func (m *Manager) Escalate(ctx context.Context, agentID, reason string, layer EnforcementLayer) error {
	m.stopRunLoop(agentID)

	// The caller may be the run loop whose context stopRunLoop just
	// cancelled; the escalation itself must still go through.
	ctx = context.WithoutCancel(ctx)

	a, err := m.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}

	if err := m.gh.AddLabels(ctx, a.IssueNumber, []string{LabelNeedsHuman}); err != nil {
		m.logger.Warn("labeling escalated issue failed", zap.Error(err))
	}
	if err := m.gh.CommentOnIssue(ctx, a.IssueNumber, escalationBody(m.cfg, a, reason, layer)); err != nil {
		m.logger.Warn("posting escalation comment failed", zap.Error(err))
	}

	// A dedicated escalation issue is what humans actually triage from;
	// the comment on the work issue alone is too easy to miss.
	if _, err := m.gh.CreateIssue(ctx, github.IssueRequest{
		Title:  fmt.Sprintf("Agent %s escalated: %s", a.ID, reason),
		Body:   escalationBody(m.cfg, a, reason, layer),
		Labels: []string{LabelNeedsHuman},
	}); err != nil {
		m.logger.Warn("creating escalation issue failed", zap.Error(err))
	}

	a.Outcome = reason
	a.EnforcedBy = string(layer)
	if err := m.store.Update(ctx, a); err != nil {
		return err
	}
	if _, err := m.store.Transition(ctx, agentID, registry.StatusEscalated); err != nil {
		return err
	}

	m.publish(ctx, events.TypeAgentEscalated, a, map[string]any{"reason": reason, "layer": string(layer)})
	return nil
}

// runLoop drives one agent's conversation until a terminal tool call, a
// budget violation, or the watchdog fires.
func (m *Manager) runLoop(a *registry.Agent, triggerEvent string) {
	defer m.wg.Done()

	log := m.logger.WithAgentID(a.ID)
	limits := LimitsForRole(m.cfg, a.Role)

	ctx, cancel := context.WithCancel(m.rootCtx)
	defer cancel()

	m.mu.Lock()
	m.running[a.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, a.ID)
		m.mu.Unlock()
	}()

	// Layer two: the watchdog cancels the in-flight turn when the
	// wall-clock budget runs out. No shielding: whatever the agent was
	// doing is abandoned, then cleanup runs on its own bounded context.
	watchdogFired := false
	var watchdogMu sync.Mutex
	watchdog := time.AfterFunc(limits.MaxActiveDuration, func() {
		watchdogMu.Lock()
		watchdogFired = true
		watchdogMu.Unlock()
		log.Warn("watchdog fired, cancelling agent turn")
		cancel()
	})
	defer watchdog.Stop()

	var warnTimer *time.Timer
	if limits.WarningThreshold > 0 {
		warnAfter := time.Duration(float64(limits.MaxActiveDuration) * limits.WarningThreshold)
		warnTimer = time.AfterFunc(warnAfter, func() {
			log.Warn("agent approaching wall-clock budget",
				zap.Duration("budget", limits.MaxActiveDuration))
		})
		defer warnTimer.Stop()
	}

	roleCfg := m.cfg.AgentRoles[a.Role]
	prompt := Interpolate(roleCfg.Definition, promptValues(m.cfg, a, limits, triggerEvent))

	for {
		output, err := m.sessions.SendAndWait(ctx, a.SessionID, prompt)
		if err != nil {
			watchdogMu.Lock()
			fired := watchdogFired
			watchdogMu.Unlock()
			if fired {
				m.enforceWatchdog(a, limits, log)
				return
			}
			if ctx.Err() != nil {
				log.Info("agent loop cancelled")
				return
			}
			m.failAgent(a, fmt.Sprintf("agent turn failed: %v", err), log)
			return
		}

		a.IterationCount++
		a.TurnCount++
		_ = m.store.Touch(ctx, a.ID)

		calls := ParseToolCalls(output)
		a.ToolCallCount += len(calls)
		if err := m.store.Update(ctx, a); err != nil {
			log.Warn("persisting counters failed", zap.Error(err))
		}

		result, feedback := m.dispatchAll(ctx, a, calls, log)
		switch result {
		case dispositionSleep, dispositionComplete, dispositionEscalate:
			return
		}

		// Layer one: the inline hook checks budgets between turns.
		if limits.IterationsExceeded(a.IterationCount) {
			_ = m.Escalate(m.rootCtx, a.ID,
				fmt.Sprintf("iteration budget exhausted (%d)", limits.MaxIterations), LayerHook)
			return
		}
		if limits.ToolCallsExceeded(a.ToolCallCount) {
			_ = m.Escalate(m.rootCtx, a.ID,
				fmt.Sprintf("tool-call budget exhausted (%d)", limits.MaxToolCalls), LayerHook)
			return
		}
		if limits.TurnsExceeded(a.TurnCount) {
			_ = m.Escalate(m.rootCtx, a.ID,
				fmt.Sprintf("turn budget exhausted (%d)", limits.MaxTurns), LayerHook)
			return
		}

		if feedback != "" {
			prompt = feedback
		} else {
			prompt = "Continue. Invoke report_complete when the work is done, report_blocked if you are waiting on another issue, or escalate_to_human if you are stuck."
		}
	}
}

// enforceWatchdog runs the bounded cleanup after a watchdog cancellation,
// then escalates. A cleanup overrun skips straight to escalation.
func (m *Manager) enforceWatchdog(a *registry.Agent, limits Limits, log *logger.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), limits.CleanupTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.sessions.Delete(a.SessionID)
		_ = m.gh.CommentOnIssue(cleanupCtx, a.IssueNumber,
			fmt.Sprintf("Agent `%s` exceeded its active-time budget and was stopped.", a.ID))
	}()

	select {
	case <-done:
	case <-cleanupCtx.Done():
		log.Error("cleanup overran its budget, forcing escalation",
			zap.Duration("cleanup_timeout", limits.CleanupTimeout))
	}

	_ = m.Escalate(context.Background(), a.ID,
		fmt.Sprintf("exceeded max active duration (%s)", limits.MaxActiveDuration), LayerWatchdog)
}

func (m *Manager) failAgent(a *registry.Agent, reason string, log *logger.Logger) {
	ctx := context.Background()
	log.Error("agent failed", zap.String("reason", reason))

	a.Outcome = reason
	if err := m.store.Update(ctx, a); err != nil {
		log.Warn("persisting failure reason failed", zap.Error(err))
	}
	if _, err := m.store.Transition(ctx, a.ID, registry.StatusFailed); err != nil {
		log.Warn("failure transition failed", zap.Error(err))
	}
	_ = m.gh.CommentOnIssue(ctx, a.IssueNumber,
		fmt.Sprintf("Agent `%s` failed: %s", a.ID, reason))
	m.sessions.Delete(a.SessionID)

	m.publish(ctx, events.TypeAgentCompleted, a, map[string]any{"failed": true, "reason": reason})
}

// dispatchAll executes a turn's tool calls in order. The first terminal
// call wins; later calls in the same turn are ignored. Validation errors
// come back as feedback for the next turn instead of killing the agent.
func (m *Manager) dispatchAll(ctx context.Context, a *registry.Agent, calls []ToolCall, log *logger.Logger) (disposition, string) {
	var feedback string
	for _, call := range calls {
		result, fb, err := m.dispatch(ctx, a, call)
		if err != nil {
			log.Warn("tool call rejected",
				zap.String("tool", call.Tool),
				zap.Error(err))
			feedback = fmt.Sprintf("Tool call %s was rejected: %v. Adjust and continue.", call.Tool, err)
			continue
		}
		if fb != "" {
			feedback = fb
		}
		if result != dispositionContinue {
			return result, ""
		}
	}
	return dispositionContinue, feedback
}

func (m *Manager) dispatch(ctx context.Context, a *registry.Agent, call ToolCall) (disposition, string, error) {
	if err := validateToolCall(a.Role, a.PRNumber, call); err != nil {
		return dispositionContinue, "", err
	}

	switch call.Tool {
	case ToolReportBlocked:
		blockers := call.Blockers()
		for _, blocker := range blockers {
			if err := m.store.AddBlocker(ctx, a.ID, blocker); err != nil {
				return dispositionContinue, "", err
			}
		}
		_ = m.gh.AddLabels(ctx, a.IssueNumber, []string{LabelBlocked})
		msg := fmt.Sprintf("Agent `%s` is blocked by %s and going to sleep.", a.ID, issueRefList(blockers))
		if strings.TrimSpace(call.Reason) != "" {
			msg += "\n\nReason: " + call.Reason
		}
		_ = m.gh.CommentOnIssue(ctx, a.IssueNumber, msg)
		if _, err := m.store.Transition(ctx, a.ID, registry.StatusSleeping); err != nil {
			return dispositionContinue, "", err
		}
		m.publish(ctx, events.TypeAgentBlocked, a, map[string]any{"blockers": blockers, "reason": call.Reason})
		return dispositionSleep, "", nil

	case ToolReportComplete:
		summary := call.Summary
		if summary == "" {
			summary = "Work complete."
		}
		_ = m.gh.CommentOnIssue(ctx, a.IssueNumber,
			fmt.Sprintf("Agent `%s` reports completion, @%s please review.\n\n%s",
				a.ID, m.cfg.GitHub.BotLogin, summary))
		a.Outcome = summary
		_ = m.store.Update(ctx, a)
		if _, err := m.store.Transition(ctx, a.ID, registry.StatusCompleted); err != nil {
			return dispositionContinue, "", err
		}
		m.sessions.Delete(a.SessionID)
		// The branch stays until the PR is merged and its own cleanup runs.
		if err := m.worktrees.Remove(ctx, a.ID, false, ""); err != nil {
			m.logger.Warn("worktree removal failed", zap.Error(err))
		}
		m.publish(ctx, events.TypeAgentCompleted, a, map[string]any{"summary": summary})
		return dispositionComplete, "", nil

	case ToolEscalateToHuman:
		if err := m.Escalate(ctx, a.ID, call.Reason, ""); err != nil {
			return dispositionContinue, "", err
		}
		return dispositionEscalate, "", nil

	case ToolOpenPR:
		body := call.Body
		if len(events.ClosingIssueRefs(body)) == 0 {
			body = fmt.Sprintf("%s\n\nCloses #%d", body, a.IssueNumber)
		}
		pr, err := m.gh.CreatePullRequest(ctx, github.PullRequestRequest{
			Title: call.Title,
			Body:  body,
			Head:  a.Branch,
			Base:  m.cfg.Project.DefaultBranch,
			Draft: call.Draft,
		})
		if err != nil {
			return dispositionContinue, "", err
		}
		a.PRNumber = pr.Number
		if err := m.store.Update(ctx, a); err != nil {
			return dispositionContinue, "", err
		}
		return dispositionContinue, fmt.Sprintf("Pull request #%d opened. Continue.", pr.Number), nil

	case ToolComment:
		return dispositionContinue, "", m.gh.CommentOnIssue(ctx, a.IssueNumber, call.Message)

	case ToolCreateIssue:
		issue, err := m.gh.CreateIssue(ctx, github.IssueRequest{
			Title:  call.Title,
			Body:   call.Body,
			Labels: call.Labels,
		})
		if err != nil {
			return dispositionContinue, "", err
		}
		return dispositionContinue, fmt.Sprintf("Issue #%d created. Continue.", issue.Number), nil

	case ToolAssignIssue:
		if err := m.gh.AssignIssue(ctx, call.IssueNumber, call.Assignees); err != nil {
			return dispositionContinue, "", err
		}
		return dispositionContinue, fmt.Sprintf("Issue #%d assigned to %s. Continue.",
			call.IssueNumber, strings.Join(call.Assignees, ", ")), nil

	case ToolLabelIssue:
		if err := m.gh.AddLabels(ctx, call.IssueNumber, call.Labels); err != nil {
			return dispositionContinue, "", err
		}
		return dispositionContinue, fmt.Sprintf("Issue #%d labeled %s. Continue.",
			call.IssueNumber, strings.Join(call.Labels, ", ")), nil

	case ToolCheckRegistry:
		live, err := m.store.ListNonTerminal(ctx)
		if err != nil {
			return dispositionContinue, "", err
		}
		if len(live) == 0 {
			return dispositionContinue, "No live agents.", nil
		}
		var sb strings.Builder
		sb.WriteString("Live agents:\n")
		for _, other := range live {
			fmt.Fprintf(&sb, "- %s: %s, issue #%d", other.ID, other.Status, other.IssueNumber)
			if len(other.BlockedBy) > 0 {
				fmt.Fprintf(&sb, ", blocked by %s", issueRefList(other.BlockedBy))
			}
			sb.WriteString("\n")
		}
		return dispositionContinue, sb.String(), nil

	case ToolReadIssue:
		issue, err := m.gh.GetIssue(ctx, call.IssueNumber)
		if err != nil {
			return dispositionContinue, "", err
		}
		return dispositionContinue, fmt.Sprintf("Issue #%d [%s] %s\n\n%s",
			issue.Number, issue.State, issue.Title, issue.Body), nil
	}

	return dispositionContinue, "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Tool)
}

// issueRefList renders issue numbers as "#9, #10".
func issueRefList(issues []int) string {
	refs := make([]string, len(issues))
	for i, n := range issues {
		refs[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(refs, ", ")
}

// resolveBlockers reacts to a closed issue: every agent waiting on it loses
// that edge, and agents with no blockers left wake up.
func (m *Manager) resolveBlockers(ctx context.Context, closedIssue int) error {
	waiting, err := m.store.BlockedOn(ctx, closedIssue)
	if err != nil {
		return err
	}

	for _, a := range waiting {
		remaining, err := m.store.RemoveBlocker(ctx, a.ID, closedIssue)
		if err != nil {
			m.logger.Error("removing blocker failed",
				zap.String("agent_id", a.ID),
				zap.Error(err))
			continue
		}
		m.publish(ctx, events.TypeBlockerResolved, a, map[string]any{"blocker": closedIssue})

		if remaining == 0 && a.Status == registry.StatusSleeping {
			if err := m.Wake(ctx, a.ID, fmt.Sprintf("blocker #%d resolved", closedIssue)); err != nil {
				m.logger.Error("waking unblocked agent failed",
					zap.String("agent_id", a.ID),
					zap.Error(err))
			}
		}
	}
	return nil
}

// completeByMergedPR synthesizes completion when the tracked PR merges:
// the merge is the real signal of done-ness, whatever the agent last said.
func (m *Manager) completeByMergedPR(ctx context.Context, prNumber int) error {
	a, err := m.store.GetByPR(ctx, prNumber)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}
	return m.finishAgent(ctx, a, fmt.Sprintf("pull request #%d merged", prNumber))
}

func (m *Manager) completeByIssue(ctx context.Context, role string, issueNumber int) error {
	a, err := m.store.Get(ctx, registry.AgentID(role, issueNumber))
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}
	return m.finishAgent(ctx, a, "completed by trigger")
}

// finishAgent runs the terminal cleanup workflow and marks the record done.
func (m *Manager) finishAgent(ctx context.Context, a *registry.Agent, reason string) error {
	m.stopRunLoop(a.ID)

	_ = m.gh.CommentOnIssue(ctx, a.IssueNumber,
		fmt.Sprintf("Agent `%s` finished: %s. Cleaning up, @%s.", a.ID, reason, m.cfg.GitHub.BotLogin))

	m.sessions.Delete(a.SessionID)
	if err := m.worktrees.Remove(ctx, a.ID, true, a.Branch); err != nil {
		m.logger.Warn("worktree cleanup failed",
			zap.String("agent_id", a.ID),
			zap.Error(err))
	}

	a.Outcome = reason
	if err := m.store.Update(ctx, a); err != nil {
		return err
	}
	if _, err := m.store.Transition(ctx, a.ID, registry.StatusCompleted); err != nil {
		return err
	}
	m.publish(ctx, events.TypeAgentCompleted, a, map[string]any{"reason": reason})
	return nil
}

// wakeForEvent resolves which agent a wake trigger means: the role's agent
// for the issue when one exists, otherwise the agent tracking the PR (a
// wake label lands on the PR, but the agent is keyed by its issue).
func (m *Manager) wakeForEvent(ctx context.Context, role string, internal *events.InternalEvent, reason string) error {
	if internal.IssueNumber > 0 {
		agentID := registry.AgentID(role, internal.IssueNumber)
		if _, err := m.store.Get(ctx, agentID); err == nil {
			return m.Wake(ctx, agentID, reason)
		}
	}
	if internal.PRNumber > 0 {
		a, err := m.store.GetByPR(ctx, internal.PRNumber)
		if err != nil {
			return err
		}
		if a.Role != role {
			return nil
		}
		return m.Wake(ctx, a.ID, reason)
	}
	return fmt.Errorf("%w: no agent for wake trigger", registry.ErrNotFound)
}

func (m *Manager) sleepByIssue(ctx context.Context, role string, issueNumber int) error {
	agentID := registry.AgentID(role, issueNumber)
	m.stopRunLoop(agentID)
	_, err := m.store.Transition(ctx, agentID, registry.StatusSleeping)
	return err
}

// stopRunLoop cancels a live loop if one exists. Safe to call for agents
// with no loop running.
func (m *Manager) stopRunLoop(agentID string) {
	m.mu.Lock()
	cancel, ok := m.running[agentID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) publish(ctx context.Context, t events.Type, a *registry.Agent, data map[string]any) {
	internal := &events.InternalEvent{
		Type:        t,
		AgentID:     a.ID,
		IssueNumber: a.IssueNumber,
		PRNumber:    a.PRNumber,
		Data:        data,
	}
	ev := bus.NewEvent(string(t), eventSource, internal)
	if err := m.bus.Publish(ctx, events.TypeSubject(t), ev); err != nil {
		m.logger.Warn("publishing framework event failed",
			zap.String("type", string(t)),
			zap.Error(err))
	}
	// The per-agent subject lets anything tailing one agent's lifecycle
	// subscribe without filtering the whole stream.
	if err := m.bus.Publish(ctx, events.AgentSubject(a.ID), ev); err != nil {
		m.logger.Warn("publishing agent event failed",
			zap.String("agent_id", a.ID),
			zap.Error(err))
	}
}
