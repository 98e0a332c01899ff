// Package events defines the event model shared by the webhook receiver,
// the router, and the agent manager: raw GitHub deliveries, the normalized
// internal form, and the classification table between them.
package events

import (
	"encoding/json"
	"fmt"
)

// Type is the internal classification of an event.
type Type string

const (
	// GitHub-originated classes.
	TypeIssueOpened            Type = "issue_opened"
	TypeIssueClosed            Type = "issue_closed"
	TypeIssueAssigned          Type = "issue_assigned"
	TypeIssueLabeled           Type = "issue_labeled"
	TypeIssueComment           Type = "issue_comment"
	TypePROpened               Type = "pr_opened"
	TypePRClosed               Type = "pr_closed"
	TypePRSynchronized         Type = "pr_synchronized"
	TypePRLabeled              Type = "pr_labeled"
	TypePRReviewSubmitted      Type = "pr_review_submitted"
	TypePRReviewCommentCreated Type = "pr_review_comment_created"
	TypePRReviewCommentEdited  Type = "pr_review_comment_edited"
	TypePRReviewCommentDeleted Type = "pr_review_comment_deleted"
	TypePush                   Type = "push"

	// Framework-originated classes.
	TypeBlockerResolved Type = "blocker_resolved"
	TypeWakeAgent       Type = "wake_agent"
	TypeAgentBlocked    Type = "agent_blocked"
	TypeAgentCompleted  Type = "agent_completed"
	TypeAgentEscalated  Type = "agent_escalated"
)

// classification maps "event_type.action" from the webhook headers/payload
// to the internal class. Exhaustive; anything absent is dropped with a log.
var classification = map[string]Type{
	"issues.opened":                      TypeIssueOpened,
	"issues.closed":                      TypeIssueClosed,
	"issues.assigned":                    TypeIssueAssigned,
	"issues.labeled":                     TypeIssueLabeled,
	"issue_comment.created":              TypeIssueComment,
	"pull_request.opened":                TypePROpened,
	"pull_request.closed":                TypePRClosed,
	"pull_request.synchronize":           TypePRSynchronized,
	"pull_request.labeled":               TypePRLabeled,
	"pull_request_review.submitted":      TypePRReviewSubmitted,
	"pull_request_review_comment.created": TypePRReviewCommentCreated,
	"pull_request_review_comment.edited":  TypePRReviewCommentEdited,
	"pull_request_review_comment.deleted": TypePRReviewCommentDeleted,
	"push.":                              TypePush,
}

// Classify resolves the internal class for a raw delivery.
// The bool result is false for unsupported event/action combinations.
func Classify(eventType, action string) (Type, bool) {
	t, ok := classification[eventType+"."+action]
	return t, ok
}

// User is the sender or author of a GitHub object.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Label is a GitHub issue/PR label.
type Label struct {
	Name string `json:"name"`
}

// Issue is the subset of the GitHub issue payload the core consumes.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	State  string  `json:"state"`
	Body   string  `json:"body"`
	Labels []Label `json:"labels"`
	User   User    `json:"user"`
	// PullRequest is non-nil when the "issue" is actually a PR
	// (issue_comment events on PRs carry it).
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
}

// PullRequest is the subset of the GitHub PR payload the core consumes.
type PullRequest struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	State   string  `json:"state"`
	Body    string  `json:"body"`
	Merged  bool    `json:"merged"`
	Labels  []Label `json:"labels"`
	User    User    `json:"user"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// Comment is an issue or review comment.
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// payload is the decoded envelope common to all webhook deliveries.
type payload struct {
	Action       string `json:"action"`
	Sender       User   `json:"sender"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue       *Issue       `json:"issue"`
	PullRequest *PullRequest `json:"pull_request"`
	Comment     *Comment     `json:"comment"`
	Label       *Label       `json:"label"`
}

// GitHubEvent is one raw webhook delivery, decoded once on receipt.
type GitHubEvent struct {
	DeliveryID string
	EventType  string // X-GitHub-Event header
	Raw        json.RawMessage

	decoded payload
}

// NewGitHubEvent decodes a delivery body. The raw payload is retained verbatim.
func NewGitHubEvent(deliveryID, eventType string, body []byte) (*GitHubEvent, error) {
	ev := &GitHubEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Raw:        json.RawMessage(body),
	}
	if err := json.Unmarshal(body, &ev.decoded); err != nil {
		return nil, fmt.Errorf("decoding %s delivery %s: %w", eventType, deliveryID, err)
	}
	return ev, nil
}

// Action returns the payload action ("opened", "labeled", ...).
func (e *GitHubEvent) Action() string { return e.decoded.Action }

// FullType returns "event_type.action", the classification key.
func (e *GitHubEvent) FullType() string { return e.EventType + "." + e.decoded.Action }

// Sender returns the login of the account that triggered the delivery.
func (e *GitHubEvent) Sender() string { return e.decoded.Sender.Login }

// InstallationID returns the App installation id, or 0 when absent.
func (e *GitHubEvent) InstallationID() int64 {
	if e.decoded.Installation == nil {
		return 0
	}
	return e.decoded.Installation.ID
}

// RepoFullName returns "owner/repo", or "" when absent.
func (e *GitHubEvent) RepoFullName() string {
	if e.decoded.Repository == nil {
		return ""
	}
	return e.decoded.Repository.FullName
}

// Issue returns the issue payload, nil when absent.
func (e *GitHubEvent) Issue() *Issue { return e.decoded.Issue }

// PR returns the pull request payload, nil when absent.
func (e *GitHubEvent) PR() *PullRequest { return e.decoded.PullRequest }

// Comment returns the comment payload, nil when absent.
func (e *GitHubEvent) Comment() *Comment { return e.decoded.Comment }

// EventLabel returns the label payload on labeled/unlabeled events, nil otherwise.
func (e *GitHubEvent) EventLabel() *Label { return e.decoded.Label }

// InternalEvent is the normalized routing object produced by the router.
type InternalEvent struct {
	Type             Type           `json:"type"`
	SourceDeliveryID string         `json:"source_delivery_id"`
	AgentID          string         `json:"agent_id,omitempty"`
	IssueNumber      int            `json:"issue_number,omitempty"`
	PRNumber         int            `json:"pr_number,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}

// Bus subjects. Agent inbox subjects append the agent id.
const (
	SubjectPM          = "squadron.pm"
	SubjectAgentPrefix = "squadron.agent."
	SubjectTypePrefix  = "squadron.events."
)

// AgentSubject returns the inbox subject for one agent.
func AgentSubject(agentID string) string { return SubjectAgentPrefix + agentID }

// TypeSubject returns the fanout subject for one event class.
func TypeSubject(t Type) string { return SubjectTypePrefix + string(t) }
