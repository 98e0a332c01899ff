package agent

import (
	"fmt"
	"strings"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/registry"
)

// LabelNeedsHuman marks escalated issues so recovery and humans can find them.
const LabelNeedsHuman = "needs-human"

// LabelBlocked marks issues whose agent is asleep waiting on blockers.
const LabelBlocked = "blocked"

// LabelInProgress marks issues an agent is actively working.
const LabelInProgress = "in-progress"

// escalationBody renders the structured escalation comment. The format is
// stable: recovery greps labels rather than this text, but humans read it.
func escalationBody(cfg *config.Config, a *registry.Agent, reason string, layer EnforcementLayer) string {
	var b strings.Builder
	b.WriteString("## Agent escalation\n\n")
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Agent | `%s` (%s) |\n", a.ID, a.Role)
	fmt.Fprintf(&b, "| Issue | #%d |\n", a.IssueNumber)
	if a.PRNumber > 0 {
		fmt.Fprintf(&b, "| Pull request | #%d |\n", a.PRNumber)
	}
	fmt.Fprintf(&b, "| Wakes | %d |\n", a.WakeCount)
	fmt.Fprintf(&b, "| Iterations | %d |\n", a.IterationCount)
	fmt.Fprintf(&b, "| Tool calls | %d |\n", a.ToolCallCount)
	if layer != "" {
		fmt.Fprintf(&b, "| Enforced by | %s |\n", layer)
	}
	fmt.Fprintf(&b, "\n**Reason**: %s\n", reason)

	if len(cfg.HumanGroups.Maintainers) > 0 {
		b.WriteString("\ncc")
		for _, m := range cfg.HumanGroups.Maintainers {
			fmt.Fprintf(&b, " @%s", m)
		}
		b.WriteString("\n")
	}
	return b.String()
}
