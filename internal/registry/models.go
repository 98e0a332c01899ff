// Package registry is the persistent source of truth for agent state: one
// record per agent, the blocker graph between them, and the table of webhook
// delivery IDs that have already been processed.
package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is an agent lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusSleeping  Status = "sleeping"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// validTransitions is the full transition relation. Any transition not
// listed here is rejected by the store.
var validTransitions = map[Status][]Status{
	StatusCreated:  {StatusActive, StatusFailed},
	StatusActive:   {StatusSleeping, StatusCompleted, StatusEscalated, StatusFailed},
	StatusSleeping: {StatusActive, StatusCompleted, StatusEscalated, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Agent is one registry record. BlockedBy holds the issue numbers this agent
// is waiting on; it is stored as a JSON array in sqlite.
type Agent struct {
	ID           string `db:"agent_id" json:"agent_id"`
	Role         string `db:"role" json:"role"`
	IssueNumber  int    `db:"issue_number" json:"issue_number"`
	PRNumber     int    `db:"pr_number" json:"pr_number,omitempty"`
	SessionID    string `db:"session_id" json:"session_id,omitempty"`
	Status       Status `db:"status" json:"status"`
	Branch       string `db:"branch" json:"branch,omitempty"`
	WorktreePath string `db:"worktree_path" json:"worktree_path,omitempty"`

	BlockedBy []int `db:"-" json:"blocked_by,omitempty"`

	WakeCount     int    `db:"wake_count" json:"wake_count"`
	IterationCount int   `db:"iteration_count" json:"iteration_count"`
	ToolCallCount int    `db:"tool_call_count" json:"tool_call_count"`
	TurnCount     int    `db:"turn_count" json:"turn_count"`
	Outcome       string `db:"outcome" json:"outcome,omitempty"`           // terminal summary
	EnforcedBy    string `db:"enforced_by" json:"enforced_by,omitempty"`   // which breaker layer acted last

	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	LastActiveAt  time.Time  `db:"last_active_at" json:"last_active_at"`
	ActiveSince   *time.Time `db:"active_since" json:"active_since,omitempty"`
	SleepingSince *time.Time `db:"sleeping_since" json:"sleeping_since,omitempty"`
}

// AgentID derives the canonical agent id for a role and issue.
func AgentID(role string, issueNumber int) string {
	return fmt.Sprintf("%s-issue-%d", role, issueNumber)
}

// encodeBlockers serializes the blocker list for storage.
func encodeBlockers(blockers []int) (string, error) {
	if len(blockers) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(blockers)
	if err != nil {
		return "", fmt.Errorf("encoding blockers: %w", err)
	}
	return string(data), nil
}

// decodeBlockers parses the stored blocker list.
func decodeBlockers(raw string) ([]int, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []int
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding blockers: %w", err)
	}
	return out, nil
}
