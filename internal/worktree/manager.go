// Package worktree gives each agent an isolated git worktree of the managed
// repository, branched from the default branch under the data directory.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
)

var (
	// ErrRepoNotGit is returned when the configured repo path is not a git repository.
	ErrRepoNotGit = errors.New("repository path is not a git repository")
	// ErrGitCommandFailed wraps git CLI failures with their output.
	ErrGitCommandFailed = errors.New("git command failed")
)

// Manager creates and removes per-agent worktrees. All git mutations on the
// main repository are serialized behind one lock; git worktree operations on
// the same repo race otherwise.
type Manager struct {
	repoPath string
	baseDir  string
	logger   *logger.Logger

	repoMu sync.Mutex
}

// NewManager validates the repository and prepares the worktree base dir.
func NewManager(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		repoPath: cfg.Runtime.RepoPath,
		baseDir:  cfg.Data.WorktreesDir(),
		logger:   log.WithFields(zap.String("component", "worktree")),
	}

	if !isGitRepo(m.repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, m.repoPath)
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree base dir: %w", err)
	}
	return m, nil
}

// Path returns where the agent's worktree lives (whether or not it exists).
func (m *Manager) Path(agentID string) string {
	return filepath.Join(m.baseDir, agentID)
}

// Ensure returns a valid worktree for the agent, creating it on first use
// and recreating it when the directory has gone missing or stale. The
// branch is created from baseBranch when it does not exist yet; an existing
// branch (an agent waking after a restart) is checked out as-is.
func (m *Manager) Ensure(ctx context.Context, agentID, branch, baseBranch string) (string, error) {
	path := m.Path(agentID)

	if IsValid(path) {
		return path, nil
	}

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	// A half-removed worktree leaves a stale registration behind.
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("clearing stale worktree: %w", err)
		}
	}
	m.prune(ctx)

	var cmd *exec.Cmd
	if m.branchExists(branch) {
		m.logger.Info("recreating worktree on existing branch",
			zap.String("agent_id", agentID),
			zap.String("branch", branch))
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
	} else {
		m.logger.Info("creating worktree",
			zap.String("agent_id", agentID),
			zap.String("branch", branch),
			zap.String("base", baseBranch))
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, baseBranch)
	}
	cmd.Dir = m.repoPath

	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("agent_id", agentID),
			zap.String("output", string(output)),
			zap.Error(err))
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	return path, nil
}

// Remove deletes the agent's worktree. The branch is kept unless
// removeBranch is set; a merged PR's branch is deleted on GitHub, the local
// one only goes with the terminal cleanup.
func (m *Manager) Remove(ctx context.Context, agentID string, removeBranch bool, branch string) error {
	path := m.Path(agentID)

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = m.repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing worktree dir: %w", err)
		}
		m.prune(ctx)
	}

	if removeBranch && branch != "" {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
		cmd.Dir = m.repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to delete branch",
				zap.String("branch", branch),
				zap.String("output", string(output)),
				zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("agent_id", agentID),
		zap.Bool("branch_removed", removeBranch))
	return nil
}

// CleanOrphans removes worktree directories that belong to no live agent.
func (m *Manager) CleanOrphans(ctx context.Context, liveAgentIDs []string) error {
	live := make(map[string]bool, len(liveAgentIDs))
	for _, id := range liveAgentIDs {
		live[id] = true
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading worktree base dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		m.logger.Info("cleaning orphaned worktree", zap.String("agent_id", entry.Name()))
		if err := m.Remove(ctx, entry.Name(), false, ""); err != nil {
			m.logger.Warn("failed to remove orphaned worktree",
				zap.String("agent_id", entry.Name()),
				zap.Error(err))
		}
	}
	return nil
}

// IsValid reports whether path holds a usable worktree: the directory
// exists and its .git file points back at the main repository.
func IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	// Worktrees carry a .git file, not a directory.
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

func (m *Manager) branchExists(branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = m.repoPath
	return cmd.Run() == nil
}

func (m *Manager) prune(ctx context.Context) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = m.repoPath
	if err := cmd.Run(); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}
