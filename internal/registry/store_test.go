package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	store, err := NewStore(writer, writer, logger.NewNop())
	require.NoError(t, err)
	return store
}

func testAgent(role string, issue int) *Agent {
	return &Agent{
		ID:          AgentID(role, issue),
		Role:        role,
		IssueNumber: issue,
		Status:      StatusCreated,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 42)
	require.NoError(t, store.Create(ctx, a))

	got, err := store.Get(ctx, "feat-dev-issue-42")
	require.NoError(t, err)
	assert.Equal(t, "feat-dev", got.Role)
	assert.Equal(t, 42, got.IssueNumber)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Empty(t, got.BlockedBy)

	err = store.Create(ctx, testAgent("feat-dev", 42))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByIssueAndPR(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 7)
	a.PRNumber = 101
	require.NoError(t, store.Create(ctx, a))

	byIssue, err := store.GetByIssue(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byIssue.ID)

	byPR, err := store.GetByPR(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byPR.ID)

	_, err = store.GetByIssue(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 1)
	require.NoError(t, store.Create(ctx, a))

	got, err := store.Transition(ctx, a.ID, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.ActiveSince)
	assert.Equal(t, 0, got.WakeCount, "first activation is not a wake")

	got, err = store.Transition(ctx, a.ID, StatusSleeping)
	require.NoError(t, err)
	require.NotNil(t, got.SleepingSince)
	assert.Nil(t, got.ActiveSince)

	got, err = store.Transition(ctx, a.ID, StatusActive)
	require.NoError(t, err)
	assert.Nil(t, got.SleepingSince)
	require.NotNil(t, got.ActiveSince)
	assert.Equal(t, 1, got.WakeCount)

	got, err = store.Transition(ctx, a.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.ActiveSince)

	// Terminal states have no outgoing transitions.
	_, err = store.Transition(ctx, a.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdatePersistsCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 3)
	require.NoError(t, store.Create(ctx, a))

	a.IterationCount = 4
	a.ToolCallCount = 9
	a.TurnCount = 2
	require.NoError(t, store.Update(ctx, a))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.IterationCount)
	assert.Equal(t, 9, got.ToolCallCount)
	assert.Equal(t, 2, got.TurnCount)
}

func TestInvalidTransitionFromCreated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("pr-review", 2)
	require.NoError(t, store.Create(ctx, a))

	_, err := store.Transition(ctx, a.ID, StatusSleeping)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.Transition(ctx, a.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAddBlockerSelfBlock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 10)
	require.NoError(t, store.Create(ctx, a))

	err := store.AddBlocker(ctx, a.ID, 10)
	assert.ErrorIs(t, err, ErrSelfBlock)
}

func TestAddBlockerCycleRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// a(1) -> blocked by 2, b(2) -> blocked by 3; c(3) -> blocked by 1
	// would close the cycle 1 -> 2 -> 3 -> 1.
	for _, issue := range []int{1, 2, 3} {
		require.NoError(t, store.Create(ctx, testAgent("feat-dev", issue)))
	}

	require.NoError(t, store.AddBlocker(ctx, AgentID("feat-dev", 1), 2))
	require.NoError(t, store.AddBlocker(ctx, AgentID("feat-dev", 2), 3))

	err := store.AddBlocker(ctx, AgentID("feat-dev", 3), 1)
	assert.ErrorIs(t, err, ErrBlockerCycle)

	// Direct two-node cycle.
	err = store.AddBlocker(ctx, AgentID("feat-dev", 2), 1)
	assert.ErrorIs(t, err, ErrBlockerCycle)

	// Unrelated edges are still fine.
	require.NoError(t, store.Create(ctx, testAgent("feat-dev", 4)))
	assert.NoError(t, store.AddBlocker(ctx, AgentID("feat-dev", 3), 4))
}

func TestAddBlockerIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 1)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.AddBlocker(ctx, a.ID, 5))
	require.NoError(t, store.AddBlocker(ctx, a.ID, 5))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, got.BlockedBy)
}

func TestRemoveBlocker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 1)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.AddBlocker(ctx, a.ID, 5))
	require.NoError(t, store.AddBlocker(ctx, a.ID, 6))

	remaining, err := store.RemoveBlocker(ctx, a.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	// Absent edge removal is a no-op.
	remaining, err = store.RemoveBlocker(ctx, a.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = store.RemoveBlocker(ctx, a.ID, 6)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestBlockedOn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent("feat-dev", 1)
	b := testAgent("feat-dev", 2)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	require.NoError(t, store.AddBlocker(ctx, a.ID, 9))
	require.NoError(t, store.AddBlocker(ctx, b.ID, 9))

	waiting, err := store.BlockedOn(ctx, 9)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	waiting, err = store.BlockedOn(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestSeenEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.MarkEventSeen(ctx, "delivery-1", "issues.opened")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.MarkEventSeen(ctx, "delivery-1", "issues.opened")
	require.NoError(t, err)
	assert.False(t, fresh)

	seen, err := store.HasSeenEvent(ctx, "delivery-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.HasSeenEvent(ctx, "delivery-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPruneSeenEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.MarkEventSeen(ctx, "old-delivery", "issues.closed")
	require.NoError(t, err)

	pruned, err := store.PruneSeenEvents(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	seen, err := store.HasSeenEvent(ctx, "old-delivery")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSeenEventsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	log := logger.NewNop()
	ctx := context.Background()

	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	store, err := NewStore(writer, writer, log)
	require.NoError(t, err)

	_, err = store.MarkEventSeen(ctx, "delivery-persist", "issue_comment.created")
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	writer, err = db.OpenSQLite(path)
	require.NoError(t, err)
	defer writer.Close()
	store, err = NewStore(writer, writer, log)
	require.NoError(t, err)

	seen, err := store.HasSeenEvent(ctx, "delivery-persist")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestErrorsAreDistinguishable(t *testing.T) {
	assert.False(t, errors.Is(ErrBlockerCycle, ErrSelfBlock))
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusSleeping.Terminal())
}
