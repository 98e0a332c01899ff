package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
)

func newTestSupervisor(argv []string) *Supervisor {
	cfg := &config.Config{}
	cfg.Runtime.AgentCommand = argv
	s := NewSupervisor(cfg, logger.NewNop())
	s.baseEnv = func() []string { return []string{"PATH=/usr/bin:/bin"} }
	return s
}

func TestSessionID(t *testing.T) {
	assert.Equal(t, "squadron-feat-dev-issue-42", SessionID("feat-dev", 42))
}

func TestCreateIsIdempotent(t *testing.T) {
	s := newTestSupervisor([]string{"true"})
	a := s.Create("sess-1", "/tmp")
	b := s.Create("sess-1", "/tmp")
	assert.Same(t, a, b)
}

func TestSendAndWaitUnknownSession(t *testing.T) {
	s := newTestSupervisor([]string{"true"})
	_, err := s.SendAndWait(context.Background(), "nope", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendAndWaitEchoesStdout(t *testing.T) {
	// The session flag the supervisor appends lands after the -c script,
	// where sh treats it as a positional parameter.
	s := newTestSupervisor([]string{"sh", "-c", "cat"})
	s.Create("sess-1", t.TempDir())

	out, err := s.SendAndWait(context.Background(), "sess-1", "hello agent")
	require.NoError(t, err)
	assert.Equal(t, "hello agent", out)
}

func TestSendAndWaitReportsDeathWithStderr(t *testing.T) {
	s := newTestSupervisor([]string{"sh", "-c", "echo boom >&2; exit 3"})
	s.Create("sess-1", t.TempDir())

	_, err := s.SendAndWait(context.Background(), "sess-1", "hi")
	require.ErrorIs(t, err, ErrSubprocessDied)
	assert.Contains(t, err.Error(), "boom")
}

func TestSendAndWaitHonorsContext(t *testing.T) {
	s := newTestSupervisor([]string{"sh", "-c", "sleep 30"})
	s.Create("sess-1", t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.SendAndWait(ctx, "sess-1", "hi")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSpawnFailureExhaustsRetries(t *testing.T) {
	s := newTestSupervisor([]string{"/nonexistent/definitely-not-a-binary"})
	s.Create("sess-1", t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The first start fails immediately; the retry backoff then runs into
	// the context deadline. Either error is acceptable, success is not.
	_, err := s.SendAndWait(ctx, "sess-1", "hi")
	require.Error(t, err)
}

func TestBuildArgvAppendsSessionFlag(t *testing.T) {
	s := newTestSupervisor([]string{"claude", "-p"})
	sess := s.Create("sess-1", "/tmp/wt")

	argv := s.buildArgv(sess)
	assert.Equal(t, []string{"claude", "-p", "--session-id", "sess-1"}, argv)

	sess.mu.Lock()
	sess.resumed = true
	sess.mu.Unlock()

	argv = s.buildArgv(sess)
	assert.Equal(t, []string{"claude", "-p", "--resume", "sess-1"}, argv)
}

func TestBuildArgvSubstitutesPlaceholders(t *testing.T) {
	s := newTestSupervisor([]string{"agent", "--session={session_id}", "--dir={worktree_path}"})
	sess := s.Create("sess-9", "/tmp/wt9")

	argv := s.buildArgv(sess)
	assert.Equal(t, []string{"agent", "--session=sess-9", "--dir=/tmp/wt9"}, argv)
}

func TestSpawnBackoffDoubles(t *testing.T) {
	assert.Equal(t, 2*time.Second, spawnBackoff(0))
	assert.Equal(t, 4*time.Second, spawnBackoff(1))
	assert.Equal(t, 8*time.Second, spawnBackoff(2))
}

func TestSpawnRetryBudget(t *testing.T) {
	// One initial attempt plus three retries, waiting 2s, 4s, 8s between.
	assert.Equal(t, 3, spawnRetries)
	var total time.Duration
	for i := 0; i < spawnRetries; i++ {
		total += spawnBackoff(i)
	}
	assert.Equal(t, 14*time.Second, total)
}

func TestScrubbedEnvReachesSubprocess(t *testing.T) {
	s := newTestSupervisor([]string{"sh", "-c", "echo -n ${GITHUB_TOKEN:-absent}"})
	s.baseEnv = func() []string {
		return []string{"PATH=/usr/bin:/bin", "GITHUB_TOKEN=ghp_secret"}
	}
	s.Create("sess-1", t.TempDir())

	out, err := s.SendAndWait(context.Background(), "sess-1", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "absent"))
}
