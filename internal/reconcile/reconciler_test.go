package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron-sub002/internal/agent"
	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/db"
	"github.com/nbaertsch/squadron-sub002/internal/github"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
)

type recordedEscalation struct {
	agentID string
	reason  string
	layer   agent.EnforcementLayer
}

// fakeAgents records the wake and escalate calls the sweep makes.
type fakeAgents struct {
	mu          sync.Mutex
	woken       []string
	escalations []recordedEscalation
}

func (f *fakeAgents) Wake(ctx context.Context, agentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, agentID)
	return nil
}

func (f *fakeAgents) Escalate(ctx context.Context, agentID, reason string, layer agent.EnforcementLayer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, recordedEscalation{agentID, reason, layer})
	return nil
}

type reconcilerFixture struct {
	r      *Reconciler
	store  *registry.Store
	gh     *github.MockClient
	agents *fakeAgents
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Runtime.ReconciliationInterval = 60
	cfg.Runtime.SeenEventRetention = 24
	cfg.CircuitBreakers.Defaults = config.CircuitBreakerConfig{
		MaxActiveDuration: 3600,
		MaxSleepDuration:  86400,
		MaxIterations:     50,
		MaxToolCalls:      200,
		MaxTurns:          100,
		WarningThreshold:  0.8,
		CleanupTimeout:    30,
	}

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	store, err := registry.NewStore(writer, writer, logger.NewNop())
	require.NoError(t, err)

	f := &reconcilerFixture{
		store:  store,
		gh:     github.NewMockClient(),
		agents: &fakeAgents{},
	}
	f.r = NewReconciler(cfg, store, f.gh, f.agents, logger.NewNop())
	return f
}

// sleepingAgent seeds a record that went active then to sleep.
func (f *reconcilerFixture) sleepingAgent(t *testing.T, issue int, blockers ...int) *registry.Agent {
	t.Helper()
	ctx := context.Background()
	a := &registry.Agent{
		ID:          registry.AgentID("feat-dev", issue),
		Role:        "feat-dev",
		IssueNumber: issue,
	}
	require.NoError(t, f.store.Create(ctx, a))
	_, err := f.store.Transition(ctx, a.ID, registry.StatusActive)
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, a.ID, registry.StatusSleeping)
	require.NoError(t, err)
	for _, b := range blockers {
		require.NoError(t, f.store.AddBlocker(ctx, a.ID, b))
	}
	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	return got
}

func TestSweepWakesAgentWhoseBlockerClosedOffline(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	a := f.sleepingAgent(t, 12, 9)
	f.gh.Issues[9] = &github.Issue{Number: 9, State: "closed"}

	require.NoError(t, f.r.RunOnce(ctx))

	assert.Equal(t, []string{a.ID}, f.agents.woken)
	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)
}

func TestSweepLeavesAgentWithOpenBlockerAsleep(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	a := f.sleepingAgent(t, 12, 9)
	f.gh.Issues[9] = &github.Issue{Number: 9, State: "open"}

	require.NoError(t, f.r.RunOnce(ctx))

	assert.Empty(t, f.agents.woken)
	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{9}, got.BlockedBy)
}

func TestSweepPartialBlockerResolutionKeepsSleeping(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	a := f.sleepingAgent(t, 12, 9, 10)
	f.gh.Issues[9] = &github.Issue{Number: 9, State: "closed"}
	f.gh.Issues[10] = &github.Issue{Number: 10, State: "open"}

	require.NoError(t, f.r.RunOnce(ctx))

	assert.Empty(t, f.agents.woken)
	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{10}, got.BlockedBy)
}

func TestSweepEscalatesOversleptAgent(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	a := f.sleepingAgent(t, 12, 9)
	past := time.Now().UTC().Add(-25 * time.Hour)
	a.SleepingSince = &past
	require.NoError(t, f.store.Update(ctx, a))

	require.NoError(t, f.r.RunOnce(ctx))

	require.Len(t, f.agents.escalations, 1)
	assert.Equal(t, a.ID, f.agents.escalations[0].agentID)
	assert.Equal(t, agent.LayerReconciler, f.agents.escalations[0].layer)
	assert.Contains(t, f.agents.escalations[0].reason, "exceeded max sleep duration")
	// Escalation preempts blocker lookups for the same agent.
	assert.Empty(t, f.agents.woken)
}

func TestSweepEscalatesStaleActiveAgent(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	a := &registry.Agent{ID: "feat-dev-issue-12", Role: "feat-dev", IssueNumber: 12}
	require.NoError(t, f.store.Create(ctx, a))
	got, err := f.store.Transition(ctx, a.ID, registry.StatusActive)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-2 * time.Hour)
	got.ActiveSince = &past
	require.NoError(t, f.store.Update(ctx, got))

	require.NoError(t, f.r.RunOnce(ctx))

	require.Len(t, f.agents.escalations, 1)
	assert.Equal(t, a.ID, f.agents.escalations[0].agentID)
	assert.Equal(t, agent.LayerReconciler, f.agents.escalations[0].layer)
	assert.Contains(t, f.agents.escalations[0].reason, "exceeded max active duration")
}

func TestSweepIgnoresActiveAgentWithRecentTurnButOldRecord(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	// An old record whose activation is recent must not be swept on the
	// strength of created/updated timestamps alone.
	a := &registry.Agent{
		ID: "feat-dev-issue-13", Role: "feat-dev", IssueNumber: 13,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, f.store.Create(ctx, a))
	_, err := f.store.Transition(ctx, a.ID, registry.StatusActive)
	require.NoError(t, err)

	require.NoError(t, f.r.RunOnce(ctx))

	assert.Empty(t, f.agents.escalations)
}

func TestSweepIgnoresHealthyActiveAgent(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	a := &registry.Agent{ID: "feat-dev-issue-12", Role: "feat-dev", IssueNumber: 12}
	require.NoError(t, f.store.Create(ctx, a))
	_, err := f.store.Transition(ctx, a.ID, registry.StatusActive)
	require.NoError(t, err)

	require.NoError(t, f.r.RunOnce(ctx))

	assert.Empty(t, f.agents.escalations)
	assert.Empty(t, f.agents.woken)
}

func TestSweepKeepsRecentSeenEvents(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	fresh, err := f.store.MarkEventSeen(ctx, "delivery-abc", "issues.opened")
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, f.r.RunOnce(ctx))

	seen, err := f.store.HasSeenEvent(ctx, "delivery-abc")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSweepSurvivesGitHubErrors(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	a := f.sleepingAgent(t, 12, 9)
	f.gh.Err = assert.AnError

	require.NoError(t, f.r.RunOnce(ctx))

	assert.Empty(t, f.agents.woken)
	got, err := f.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSleeping, got.Status)
}
