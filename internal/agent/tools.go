package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ToolCall is one framework invocation emitted by an agent. Agents signal
// tool use by printing single-line JSON objects with a "tool" field; all
// other output is treated as narration and ignored.
type ToolCall struct {
	Tool string `json:"tool"`

	// report_blocked: the issues this agent is waiting on, plus why.
	// blocker_issue is the single-issue shorthand older role definitions
	// still emit; Blockers merges both forms.
	Issues       []int `json:"issues,omitempty"`
	BlockerIssue int   `json:"blocker_issue,omitempty"`

	// report_complete
	Summary string `json:"summary,omitempty"`

	// escalate_to_human, report_blocked
	Reason string `json:"reason,omitempty"`

	// open_pr
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Draft bool   `json:"draft,omitempty"`

	// create_issue, label_issue (supervisor role only)
	Labels []string `json:"labels,omitempty"`

	// assign_issue, label_issue, read_issue (supervisor role only)
	IssueNumber int      `json:"issue_number,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`

	// comment
	Message string `json:"message,omitempty"`
}

// Blockers returns the deduplicated blocker issue list for a
// report_blocked call, folding the single-issue shorthand in.
func (c ToolCall) Blockers() []int {
	seen := make(map[int]bool, len(c.Issues)+1)
	var out []int
	add := func(n int) {
		if n > 0 && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	add(c.BlockerIssue)
	for _, n := range c.Issues {
		add(n)
	}
	return out
}

// Tool names agents may invoke.
const (
	ToolReportBlocked   = "report_blocked"
	ToolReportComplete  = "report_complete"
	ToolEscalateToHuman = "escalate_to_human"
	ToolOpenPR          = "open_pr"
	ToolComment         = "comment"

	// Supervisor-only tools.
	ToolCreateIssue   = "create_issue"
	ToolAssignIssue   = "assign_issue"
	ToolLabelIssue    = "label_issue"
	ToolCheckRegistry = "check_registry"
	ToolReadIssue     = "read_issue"
)

// supervisorOnlyTools may only be invoked by the supervisor ("pm") role.
var supervisorOnlyTools = map[string]bool{
	ToolCreateIssue:   true,
	ToolAssignIssue:   true,
	ToolLabelIssue:    true,
	ToolCheckRegistry: true,
	ToolReadIssue:     true,
}

var (
	// ErrUnknownTool is returned for a tool name outside the registry.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolForbidden is returned when a worker role invokes a
	// supervisor-only tool.
	ErrToolForbidden = errors.New("tool not permitted for this role")
	// ErrPRAlreadyOpen is returned when open_pr is invoked by an agent
	// that already has a pull request.
	ErrPRAlreadyOpen = errors.New("agent already has an open pull request")
)

// ParseToolCalls extracts tool invocations from agent output, in order.
// Fenced code blocks are unwrapped first so a CLI that formats its output
// as markdown still gets its tools through.
func ParseToolCalls(output string) []ToolCall {
	var calls []ToolCall
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "```json")
		line = strings.TrimPrefix(line, "```")
		line = strings.TrimSuffix(line, "```")
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.Contains(line, "\"tool\"") {
			continue
		}
		var call ToolCall
		if err := json.Unmarshal([]byte(line), &call); err != nil {
			continue
		}
		if call.Tool == "" {
			continue
		}
		calls = append(calls, call)
	}
	return calls
}

// validateToolCall rejects calls before they touch any state. prNumber is
// the agent's tracked pull request, zero when none exists yet.
func validateToolCall(role string, prNumber int, call ToolCall) error {
	switch call.Tool {
	case ToolReportBlocked:
		if len(call.Blockers()) == 0 {
			return fmt.Errorf("report_blocked: issues is required")
		}
	case ToolReportComplete, ToolComment, ToolCheckRegistry:
	case ToolEscalateToHuman:
		if strings.TrimSpace(call.Reason) == "" {
			return fmt.Errorf("escalate_to_human: reason is required")
		}
	case ToolOpenPR:
		if prNumber > 0 {
			return fmt.Errorf("%w: PR #%d", ErrPRAlreadyOpen, prNumber)
		}
		if strings.TrimSpace(call.Title) == "" {
			return fmt.Errorf("open_pr: title is required")
		}
	case ToolCreateIssue:
		if strings.TrimSpace(call.Title) == "" {
			return fmt.Errorf("create_issue: title is required")
		}
	case ToolAssignIssue:
		if call.IssueNumber <= 0 {
			return fmt.Errorf("assign_issue: issue_number is required")
		}
		if len(call.Assignees) == 0 {
			return fmt.Errorf("assign_issue: assignees is required")
		}
	case ToolLabelIssue:
		if call.IssueNumber <= 0 {
			return fmt.Errorf("label_issue: issue_number is required")
		}
		if len(call.Labels) == 0 {
			return fmt.Errorf("label_issue: labels is required")
		}
	case ToolReadIssue:
		if call.IssueNumber <= 0 {
			return fmt.Errorf("read_issue: issue_number is required")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTool, call.Tool)
	}

	if supervisorOnlyTools[call.Tool] && role != "pm" {
		return fmt.Errorf("%w: %s by role %s", ErrToolForbidden, call.Tool, role)
	}
	return nil
}
