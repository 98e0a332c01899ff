package router

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/db"
	"github.com/nbaertsch/squadron-sub002/internal/events"
	"github.com/nbaertsch/squadron-sub002/internal/events/bus"
	"github.com/nbaertsch/squadron-sub002/internal/github"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
)

type fixture struct {
	router *Router
	store  *registry.Store
	bus    bus.EventBus
	gh     *github.MockClient
	queue  chan *events.GitHubEvent

	mu       sync.Mutex
	received []*events.InternalEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Project.Owner = "octo"
	cfg.Project.Repo = "widgets"
	cfg.GitHub.BotLogin = "squadron-bot"
	cfg.HumanGroups.Maintainers = []string{"alice"}
	cfg.Commands = map[string]config.CommandConfig{
		"status": {Enabled: true, Response: "All systems nominal."},
		"review": {Enabled: true, InvokeAgent: "pr-review"},
		"nuke":   {Enabled: false},
	}

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	store, err := registry.NewStore(writer, writer, logger.NewNop())
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(logger.NewNop())
	t.Cleanup(memBus.Close)

	f := &fixture{
		store: store,
		bus:   memBus,
		gh:    github.NewMockClient(),
		queue: make(chan *events.GitHubEvent, 16),
	}

	_, err = memBus.Subscribe(events.SubjectPM, func(ctx context.Context, ev *bus.Event) error {
		var internal events.InternalEvent
		if err := ev.Decode(&internal); err != nil {
			return err
		}
		f.mu.Lock()
		f.received = append(f.received, &internal)
		f.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	f.router = New(cfg, store, memBus, f.gh, f.queue, logger.NewNop())
	return f
}

func (f *fixture) waitForEvents(t *testing.T, n int) []*events.InternalEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		got := len(f.received)
		f.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		case <-time.After(10 * time.Millisecond):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*events.InternalEvent, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fixture) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func githubEvent(t *testing.T, deliveryID, eventType, payload string) *events.GitHubEvent {
	t.Helper()
	ev, err := events.NewGitHubEvent(deliveryID, eventType, []byte(payload))
	require.NoError(t, err)
	return ev
}

func TestIssueOpenedRouted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-1", "issues",
		`{"action":"opened","sender":{"login":"alice"},"issue":{"number":42,"title":"bug","state":"open"}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	got := f.waitForEvents(t, 1)
	assert.Equal(t, events.TypeIssueOpened, got[0].Type)
	assert.Equal(t, 42, got[0].IssueNumber)
	assert.Equal(t, "d-1", got[0].SourceDeliveryID)
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := `{"action":"opened","sender":{"login":"alice"},"issue":{"number":1}}`
	require.NoError(t, f.router.Process(ctx, githubEvent(t, "d-dup", "issues", payload)))
	require.NoError(t, f.router.Process(ctx, githubEvent(t, "d-dup", "issues", payload)))

	f.waitForEvents(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.eventCount())
}

func TestSelfOriginatedDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-self", "issues",
		`{"action":"opened","sender":{"login":"squadron-bot"},"issue":{"number":1}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.eventCount())

	// Self-filtered deliveries are not marked seen; a later replay from a
	// human sender with the same id would still be deduped independently.
	seen, err := f.store.HasSeenEvent(ctx, "d-self")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestUnsupportedEventDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-1", "watch",
		`{"action":"started","sender":{"login":"alice"}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.eventCount())
}

func TestPRCommentCarriesBothNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-1", "issue_comment",
		`{"action":"created","sender":{"login":"alice"},"issue":{"number":7,"pull_request":{"url":"https://api.github.com/repos/octo/widgets/pulls/7"}},"comment":{"id":1,"body":"looks good"}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	got := f.waitForEvents(t, 1)
	assert.Equal(t, events.TypeIssueComment, got[0].Type)
	assert.Equal(t, 7, got[0].IssueNumber)
	assert.Equal(t, 7, got[0].PRNumber)
}

func TestStaticCommandResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-1", "issue_comment",
		`{"action":"created","sender":{"login":"alice"},"issue":{"number":5},"comment":{"id":1,"body":"@squadron-bot status"}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	require.Len(t, f.gh.IssueComments[5], 1)
	assert.Equal(t, "All systems nominal.", f.gh.IssueComments[5][0])

	// Commands do not continue into normal fanout.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.eventCount())
}

func TestCommandFromNonMaintainerIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-1", "issue_comment",
		`{"action":"created","sender":{"login":"mallory"},"issue":{"number":5},"comment":{"id":1,"body":"@squadron-bot status"}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	assert.Empty(t, f.gh.IssueComments[5])
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.eventCount())
}

func TestDisabledCommandRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-1", "issue_comment",
		`{"action":"created","sender":{"login":"alice"},"issue":{"number":5},"comment":{"id":1,"body":"@squadron-bot nuke"}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	require.Len(t, f.gh.IssueComments[5], 1)
	assert.Contains(t, f.gh.IssueComments[5][0], "nuke")
}

func TestCommandInvokesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := githubEvent(t, "d-1", "issue_comment",
		`{"action":"created","sender":{"login":"alice"},"issue":{"number":5},"comment":{"id":1,"body":"@squadron-bot review please"}}`)
	require.NoError(t, f.router.Process(ctx, ev))

	got := f.waitForEvents(t, 1)
	assert.Equal(t, events.TypeWakeAgent, got[0].Type)
	assert.Equal(t, 5, got[0].IssueNumber)
	assert.Equal(t, "pr-review", got[0].Data["role"])
}

func TestConsumerLoopDrainsQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.router.Start(ctx)
	defer f.router.Stop()

	for i := 0; i < 5; i++ {
		f.queue <- githubEvent(t, fmt.Sprintf("d-%d", i), "issues",
			fmt.Sprintf(`{"action":"opened","sender":{"login":"alice"},"issue":{"number":%d}}`, i+1))
	}

	got := f.waitForEvents(t, 5)
	var issues []int
	for _, ev := range got {
		issues = append(issues, ev.IssueNumber)
	}
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, issues)
}
