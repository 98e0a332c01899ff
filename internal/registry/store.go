package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
)

var (
	// ErrNotFound is returned when no agent matches the lookup.
	ErrNotFound = errors.New("agent not found")
	// ErrDuplicate is returned when creating an agent whose id already exists.
	ErrDuplicate = errors.New("agent already exists")
	// ErrInvalidTransition is returned for a status change outside the
	// transition relation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSelfBlock is returned when an agent would block on its own issue.
	ErrSelfBlock = errors.New("agent cannot block on its own issue")
	// ErrBlockerCycle is returned when a new blocker edge would close a cycle.
	ErrBlockerCycle = errors.New("blocker would create a cycle")
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id        TEXT PRIMARY KEY,
	role            TEXT NOT NULL,
	issue_number    INTEGER NOT NULL,
	pr_number       INTEGER NOT NULL DEFAULT 0,
	session_id      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	branch          TEXT NOT NULL DEFAULT '',
	worktree_path   TEXT NOT NULL DEFAULT '',
	blocked_by      TEXT NOT NULL DEFAULT '[]',
	wake_count      INTEGER NOT NULL DEFAULT 0,
	iteration_count INTEGER NOT NULL DEFAULT 0,
	tool_call_count INTEGER NOT NULL DEFAULT 0,
	turn_count      INTEGER NOT NULL DEFAULT 0,
	outcome         TEXT NOT NULL DEFAULT '',
	enforced_by     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	last_active_at  TIMESTAMP NOT NULL,
	active_since    TIMESTAMP,
	sleeping_since  TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agents_issue ON agents(issue_number);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

CREATE TABLE IF NOT EXISTS seen_events (
	delivery_id TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL DEFAULT '',
	seen_at     TIMESTAMP NOT NULL
);
`

// Store persists agents and seen events in sqlite. Writes go through the
// single-writer handle; reads may use the reader pool.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	logger *logger.Logger
}

// NewStore runs the schema and returns a ready store. reader may equal writer.
func NewStore(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	if _, err := writer.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying registry schema: %w", err)
	}
	return &Store{
		writer: writer,
		reader: reader,
		logger: log.WithFields(zap.String("component", "registry")),
	}, nil
}

// agentRow mirrors the agents table.
type agentRow struct {
	Agent
	BlockedByRaw string `db:"blocked_by"`
}

func (r *agentRow) toAgent() (*Agent, error) {
	a := r.Agent
	blockers, err := decodeBlockers(r.BlockedByRaw)
	if err != nil {
		return nil, err
	}
	a.BlockedBy = blockers
	return &a, nil
}

// Create inserts a new agent record.
func (s *Store) Create(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.LastActiveAt.IsZero() {
		a.LastActiveAt = now
	}
	if a.Status == "" {
		a.Status = StatusCreated
	}

	blockers, err := encodeBlockers(a.BlockedBy)
	if err != nil {
		return err
	}

	query := s.writer.Rebind(`
		INSERT INTO agents (agent_id, role, issue_number, pr_number, session_id,
			status, branch, worktree_path, blocked_by, wake_count, iteration_count,
			tool_call_count, turn_count, outcome, enforced_by, created_at, updated_at,
			last_active_at, active_since, sleeping_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.writer.ExecContext(ctx, query,
		a.ID, a.Role, a.IssueNumber, a.PRNumber, a.SessionID,
		a.Status, a.Branch, a.WorktreePath, blockers, a.WakeCount, a.IterationCount,
		a.ToolCallCount, a.TurnCount, a.Outcome, a.EnforcedBy, a.CreatedAt, a.UpdatedAt,
		a.LastActiveAt, a.ActiveSince, a.SleepingSince)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
		}
		return fmt.Errorf("creating agent %s: %w", a.ID, err)
	}

	s.logger.Info("agent created",
		zap.String("agent_id", a.ID),
		zap.String("role", a.Role),
		zap.Int("issue", a.IssueNumber))
	return nil
}

// Get returns the agent with the given id.
func (s *Store) Get(ctx context.Context, agentID string) (*Agent, error) {
	var row agentRow
	query := s.reader.Rebind(`SELECT * FROM agents WHERE agent_id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return nil, fmt.Errorf("getting agent %s: %w", agentID, err)
	}
	return row.toAgent()
}

// GetByIssue returns the most recently created agent for an issue, or
// ErrNotFound. Terminal records are included; callers filter as needed.
func (s *Store) GetByIssue(ctx context.Context, issueNumber int) (*Agent, error) {
	var row agentRow
	query := s.reader.Rebind(`
		SELECT * FROM agents WHERE issue_number = ?
		ORDER BY created_at DESC LIMIT 1`)
	if err := s.reader.GetContext(ctx, &row, query, issueNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: issue #%d", ErrNotFound, issueNumber)
		}
		return nil, fmt.Errorf("getting agent for issue #%d: %w", issueNumber, err)
	}
	return row.toAgent()
}

// GetByPR returns the agent tracking a pull request, or ErrNotFound.
func (s *Store) GetByPR(ctx context.Context, prNumber int) (*Agent, error) {
	var row agentRow
	query := s.reader.Rebind(`
		SELECT * FROM agents WHERE pr_number = ?
		ORDER BY created_at DESC LIMIT 1`)
	if err := s.reader.GetContext(ctx, &row, query, prNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: PR #%d", ErrNotFound, prNumber)
		}
		return nil, fmt.Errorf("getting agent for PR #%d: %w", prNumber, err)
	}
	return row.toAgent()
}

// ListByStatus returns all agents in the given status.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Agent, error) {
	var rows []agentRow
	query := s.reader.Rebind(`SELECT * FROM agents WHERE status = ? ORDER BY created_at`)
	if err := s.reader.SelectContext(ctx, &rows, query, status); err != nil {
		return nil, fmt.Errorf("listing agents by status %s: %w", status, err)
	}
	return rowsToAgents(rows)
}

// ListNonTerminal returns all agents that have not reached a final state.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*Agent, error) {
	var rows []agentRow
	query := s.reader.Rebind(`
		SELECT * FROM agents WHERE status IN (?, ?, ?) ORDER BY created_at`)
	if err := s.reader.SelectContext(ctx, &rows, query,
		StatusCreated, StatusActive, StatusSleeping); err != nil {
		return nil, fmt.Errorf("listing non-terminal agents: %w", err)
	}
	return rowsToAgents(rows)
}

// ListAll returns every agent record.
func (s *Store) ListAll(ctx context.Context) ([]*Agent, error) {
	var rows []agentRow
	if err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return rowsToAgents(rows)
}

// Update persists every mutable field of the record.
func (s *Store) Update(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now().UTC()

	blockers, err := encodeBlockers(a.BlockedBy)
	if err != nil {
		return err
	}

	query := s.writer.Rebind(`
		UPDATE agents SET role = ?, issue_number = ?, pr_number = ?, session_id = ?,
			status = ?, branch = ?, worktree_path = ?, blocked_by = ?,
			wake_count = ?, iteration_count = ?, tool_call_count = ?, turn_count = ?,
			outcome = ?, enforced_by = ?, updated_at = ?, last_active_at = ?,
			active_since = ?, sleeping_since = ?
		WHERE agent_id = ?`)

	res, err := s.writer.ExecContext(ctx, query,
		a.Role, a.IssueNumber, a.PRNumber, a.SessionID,
		a.Status, a.Branch, a.WorktreePath, blockers,
		a.WakeCount, a.IterationCount, a.ToolCallCount, a.TurnCount,
		a.Outcome, a.EnforcedBy, a.UpdatedAt, a.LastActiveAt,
		a.ActiveSince, a.SleepingSince, a.ID)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	return nil
}

// Transition changes the agent's status, enforcing the transition relation.
// The record is re-read and returned with the new status applied.
func (s *Store) Transition(ctx context.Context, agentID string, to Status) (*Agent, error) {
	a, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, a.Status, to, agentID)
	}

	now := time.Now().UTC()
	from := a.Status
	a.Status = to
	a.LastActiveAt = now
	switch to {
	case StatusSleeping:
		a.SleepingSince = &now
		a.ActiveSince = nil
	case StatusActive:
		a.SleepingSince = nil
		a.ActiveSince = &now
		if from == StatusSleeping {
			a.WakeCount++
		}
	default:
		a.ActiveSince = nil
	}

	if err := s.Update(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("agent transition",
		zap.String("agent_id", agentID),
		zap.String("to", string(to)))
	return a, nil
}

// Touch refreshes last_active_at for watchdog accounting.
func (s *Store) Touch(ctx context.Context, agentID string) error {
	now := time.Now().UTC()
	query := s.writer.Rebind(`UPDATE agents SET last_active_at = ?, updated_at = ? WHERE agent_id = ?`)
	res, err := s.writer.ExecContext(ctx, query, now, now, agentID)
	if err != nil {
		return fmt.Errorf("touching agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return nil
}

// AddBlocker records that the agent is waiting on an issue. Self-blocks and
// edges that would close a cycle through the blocker graph are rejected.
func (s *Store) AddBlocker(ctx context.Context, agentID string, blockerIssue int) error {
	a, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.IssueNumber == blockerIssue {
		return fmt.Errorf("%w: %s on #%d", ErrSelfBlock, agentID, blockerIssue)
	}
	for _, b := range a.BlockedBy {
		if b == blockerIssue {
			return nil // already recorded
		}
	}

	cycle, err := s.wouldCycle(ctx, a.IssueNumber, blockerIssue)
	if err != nil {
		return err
	}
	if cycle {
		return fmt.Errorf("%w: %s blocking on #%d", ErrBlockerCycle, agentID, blockerIssue)
	}

	a.BlockedBy = append(a.BlockedBy, blockerIssue)
	return s.Update(ctx, a)
}

// RemoveBlocker drops one blocker edge. Removing an edge that is not present
// is a no-op. The remaining blocker count is returned.
func (s *Store) RemoveBlocker(ctx context.Context, agentID string, blockerIssue int) (int, error) {
	a, err := s.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}

	var kept []int
	for _, b := range a.BlockedBy {
		if b != blockerIssue {
			kept = append(kept, b)
		}
	}
	if len(kept) == len(a.BlockedBy) {
		return len(kept), nil
	}

	a.BlockedBy = kept
	if err := s.Update(ctx, a); err != nil {
		return 0, err
	}
	return len(kept), nil
}

// BlockedOn returns all non-terminal agents waiting on an issue.
func (s *Store) BlockedOn(ctx context.Context, issueNumber int) ([]*Agent, error) {
	agents, err := s.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Agent
	for _, a := range agents {
		for _, b := range a.BlockedBy {
			if b == issueNumber {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

// wouldCycle walks the blocker graph from blockerIssue, following each
// issue's own agent blockers, and reports whether fromIssue is reachable.
// The graph is small (one agent per issue) so a BFS over live records is fine.
func (s *Store) wouldCycle(ctx context.Context, fromIssue, blockerIssue int) (bool, error) {
	agents, err := s.ListNonTerminal(ctx)
	if err != nil {
		return false, err
	}

	// issue -> blockers of the agent working that issue
	edges := make(map[int][]int, len(agents))
	for _, a := range agents {
		edges[a.IssueNumber] = a.BlockedBy
	}

	visited := map[int]bool{}
	queue := []int{blockerIssue}
	for len(queue) > 0 {
		issue := queue[0]
		queue = queue[1:]
		if issue == fromIssue {
			return true, nil
		}
		if visited[issue] {
			continue
		}
		visited[issue] = true
		queue = append(queue, edges[issue]...)
	}
	return false, nil
}

// MarkEventSeen records a webhook delivery id with the event type it carried.
// Returns true when the id was new, false when it had been recorded before.
// Idempotent.
func (s *Store) MarkEventSeen(ctx context.Context, deliveryID, eventType string) (bool, error) {
	query := s.writer.Rebind(`INSERT OR IGNORE INTO seen_events (delivery_id, event_type, seen_at) VALUES (?, ?, ?)`)
	res, err := s.writer.ExecContext(ctx, query, deliveryID, eventType, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("marking event %s seen: %w", deliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking event %s seen: %w", deliveryID, err)
	}
	return n > 0, nil
}

// HasSeenEvent reports whether a delivery id has been processed.
func (s *Store) HasSeenEvent(ctx context.Context, deliveryID string) (bool, error) {
	var count int
	query := s.reader.Rebind(`SELECT COUNT(1) FROM seen_events WHERE delivery_id = ?`)
	if err := s.reader.GetContext(ctx, &count, query, deliveryID); err != nil {
		return false, fmt.Errorf("checking event %s: %w", deliveryID, err)
	}
	return count > 0, nil
}

// PruneSeenEvents deletes dedup entries older than the cutoff and returns
// how many were removed.
func (s *Store) PruneSeenEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	query := s.writer.Rebind(`DELETE FROM seen_events WHERE seen_at < ?`)
	res, err := s.writer.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning seen events: %w", err)
	}
	return res.RowsAffected()
}

func rowsToAgents(rows []agentRow) ([]*Agent, error) {
	out := make([]*Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}
