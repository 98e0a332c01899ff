package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSubprocessDied is returned when the CLI process exits abnormally.
	// The error message carries the stderr tail.
	ErrSubprocessDied = errors.New("agent subprocess died")
	// ErrSpawnFailed is returned when the CLI could not be started after
	// all retries.
	ErrSpawnFailed = errors.New("failed to spawn agent subprocess")
)

const (
	spawnRetries    = 3
	healthPollEvery = time.Second
)

// spawnBackoff returns the wait before retry n (0-based): 2s, 4s, 8s.
func spawnBackoff(attempt int) time.Duration {
	return time.Duration(2<<attempt) * time.Second
}

// Session is one conversation with an LLM CLI, pinned to a worktree.
// Each SendAndWait is a fresh subprocess invocation; the CLI's own session
// store carries the conversation between invocations.
type Session struct {
	ID           string
	WorktreePath string

	resumed bool
	mu      sync.Mutex
}

// Supervisor owns all live sessions and the subprocess mechanics.
type Supervisor struct {
	cfg    *config.Config
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// overridable in tests
	baseEnv func() []string
}

// NewSupervisor builds a supervisor from config.
func NewSupervisor(cfg *config.Config, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "session")),
		sessions: make(map[string]*Session),
		baseEnv:  os.Environ,
	}
}

// SessionID derives the canonical session id for a role and issue.
func SessionID(role string, issueNumber int) string {
	return fmt.Sprintf("squadron-%s-issue-%d", role, issueNumber)
}

// Create registers a new session. Creating an id that already exists
// returns the existing session.
func (s *Supervisor) Create(id, worktreePath string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[id]; ok {
		return existing
	}
	sess := &Session{ID: id, WorktreePath: worktreePath}
	s.sessions[id] = sess
	s.logger.Info("session created", zap.String("session_id", id))
	return sess
}

// Resume registers a session whose conversation already exists in the CLI's
// store, so the next invocation continues it instead of starting fresh.
func (s *Supervisor) Resume(id, worktreePath string) *Session {
	sess := s.Create(id, worktreePath)
	sess.mu.Lock()
	sess.resumed = true
	sess.mu.Unlock()
	s.logger.Info("session resumed", zap.String("session_id", id))
	return sess
}

// Get returns a registered session.
func (s *Supervisor) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Delete drops the session from the supervisor. Best effort: the CLI's own
// session store is not touched.
func (s *Supervisor) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.logger.Info("session deleted", zap.String("session_id", id))
}

// SendAndWait delivers one prompt to the session's CLI and blocks until the
// invocation exits, returning its stdout. The subprocess runs in the
// session's worktree with a scrubbed environment. A process that dies with
// a non-zero exit reports ErrSubprocessDied with the stderr tail attached.
func (s *Supervisor) SendAndWait(ctx context.Context, id, prompt string) (string, error) {
	sess, ok := s.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	argv := s.buildArgv(sess)
	if len(argv) == 0 {
		return "", fmt.Errorf("%w: runtime.agentCommand is empty", ErrSpawnFailed)
	}

	var stdout bytes.Buffer
	stderr := newTailBuffer(defaultTailSize)

	cmd, err := s.spawn(ctx, sess, argv, prompt, &stdout, stderr)
	if err != nil {
		return "", err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(healthPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-waitCh
			return "", ctx.Err()
		case err := <-waitCh:
			if err != nil {
				s.logger.Error("agent subprocess exited abnormally",
					zap.String("session_id", id),
					zap.Error(err))
				return "", fmt.Errorf("%w: %v; stderr: %s", ErrSubprocessDied, err, stderr.String())
			}
			sess.mu.Lock()
			sess.resumed = true
			sess.mu.Unlock()
			return stdout.String(), nil
		case <-ticker.C:
			// The wait channel fires on exit; the poll exists to log
			// long-running turns so a stuck CLI is visible before the
			// watchdog acts.
			s.logger.Debug("agent turn in progress", zap.String("session_id", id))
		}
	}
}

// spawn starts the CLI, retrying transient start failures with backoff:
// one initial attempt plus spawnRetries retries at 2s, 4s, 8s.
func (s *Supervisor) spawn(ctx context.Context, sess *Session, argv []string, prompt string, stdout *bytes.Buffer, stderr *tailBuffer) (*exec.Cmd, error) {
	var lastErr error
	for attempt := 0; attempt <= spawnRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(spawnBackoff(attempt - 1)):
			}
		}

		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = sess.WorktreePath
		cmd.Env = ScrubEnv(s.baseEnv())
		cmd.Stdin = strings.NewReader(prompt)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		if err := cmd.Start(); err != nil {
			lastErr = err
			s.logger.Warn("agent subprocess start failed",
				zap.String("session_id", sess.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrSpawnFailed, spawnRetries+1, lastErr)
}

// buildArgv expands the configured agent command for this session.
// A {session_id} placeholder is substituted in place; without one the
// session flag is appended: --session-id for a fresh conversation,
// --resume to continue one.
func (s *Supervisor) buildArgv(sess *Session) []string {
	src := s.cfg.Runtime.AgentCommand
	if len(src) == 0 {
		return nil
	}

	sess.mu.Lock()
	resumed := sess.resumed
	sess.mu.Unlock()

	argv := make([]string, 0, len(src)+2)
	substituted := false
	for _, arg := range src {
		if strings.Contains(arg, "{session_id}") {
			arg = strings.ReplaceAll(arg, "{session_id}", sess.ID)
			substituted = true
		}
		arg = strings.ReplaceAll(arg, "{worktree_path}", sess.WorktreePath)
		argv = append(argv, arg)
	}

	if !substituted {
		if resumed {
			argv = append(argv, "--resume", sess.ID)
		} else {
			argv = append(argv, "--session-id", sess.ID)
		}
	}
	return argv
}
