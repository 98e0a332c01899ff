// Package github wraps the GitHub REST API behind the narrow surface the
// orchestrator and its agents are allowed to touch. Everything is scoped to
// the single configured repository.
package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
)

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	State  string // "open", "closed", "all"; empty means "open"
	Labels []string
}

// IssueRequest is the input to CreateIssue.
type IssueRequest struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string
}

// PullRequestRequest is the input to CreatePullRequest.
type PullRequestRequest struct {
	Title string
	Body  string
	Head  string // branch name
	Base  string // usually the default branch
	Draft bool
}

// ReviewEvent is the verdict of a submitted review.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
	ReviewComment        ReviewEvent = "COMMENT"
)

// LineComment is one inline comment attached to a review or added standalone.
type LineComment struct {
	Path string
	Line int
	Body string
}

// Issue is the repository-scoped view of an issue.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	Assignees []string
	User      string
	ClosedAt  time.Time
}

// PullRequest is the repository-scoped view of a pull request.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	State   string
	Merged  bool
	HeadRef string
	BaseRef string
	Labels  []string
	User    string
}

// Client is the GitHub surface used by the router, the agent manager, the
// reconciler, and recovery. Tests substitute a mock.
type Client interface {
	GetIssue(ctx context.Context, number int) (*Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error)
	CreateIssue(ctx context.Context, req IssueRequest) (*Issue, error)
	AddLabels(ctx context.Context, number int, labels []string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	AssignIssue(ctx context.Context, number int, assignees []string) error
	CommentOnIssue(ctx context.Context, number int, body string) error

	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
	ListPullRequests(ctx context.Context, state string) ([]*PullRequest, error)
	CreatePullRequest(ctx context.Context, req PullRequestRequest) (*PullRequest, error)
	CommentOnPR(ctx context.Context, number int, body string) error
	SubmitReview(ctx context.Context, number int, event ReviewEvent, body string, comments []LineComment) error
	AddPRLineComment(ctx context.Context, number int, commitID string, c LineComment) error
}

// RESTClient implements Client against the GitHub REST API.
type RESTClient struct {
	gh     *gogithub.Client
	owner  string
	repo   string
	logger *logger.Logger
}

// NewRESTClient builds a repository-scoped client. A non-empty BaseURL points
// the client at a GitHub Enterprise instance.
func NewRESTClient(cfg *config.Config, log *logger.Logger) (*RESTClient, error) {
	var httpClient *http.Client
	if cfg.GitHub.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHub.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	gh := gogithub.NewClient(httpClient)
	if cfg.GitHub.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.GitHub.BaseURL, cfg.GitHub.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring enterprise base URL: %w", err)
		}
	}

	return &RESTClient{
		gh:     gh,
		owner:  cfg.Project.Owner,
		repo:   cfg.Project.Repo,
		logger: log,
	}, nil
}

func (c *RESTClient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	issue, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting issue #%d: %w", number, err)
	}
	return convertIssue(issue), nil
}

func (c *RESTClient) ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error) {
	state := filter.State
	if state == "" {
		state = "open"
	}
	opts := &gogithub.IssueListByRepoOptions{
		State:       state,
		Labels:      filter.Labels,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []*Issue
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing issues: %w", err)
		}
		for _, issue := range issues {
			// The issues API returns PRs too; callers list those separately.
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, convertIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *RESTClient) CreateIssue(ctx context.Context, req IssueRequest) (*Issue, error) {
	issueReq := &gogithub.IssueRequest{
		Title: gogithub.Ptr(req.Title),
		Body:  gogithub.Ptr(req.Body),
	}
	if len(req.Labels) > 0 {
		issueReq.Labels = &req.Labels
	}
	if len(req.Assignees) > 0 {
		issueReq.Assignees = &req.Assignees
	}

	issue, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, issueReq)
	if err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}
	return convertIssue(issue), nil
}

func (c *RESTClient) AddLabels(ctx context.Context, number int, labels []string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, labels)
	if err != nil {
		return fmt.Errorf("adding labels to #%d: %w", number, err)
	}
	return nil
}

func (c *RESTClient) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
	if err != nil {
		return fmt.Errorf("removing label %q from #%d: %w", label, number, err)
	}
	return nil
}

func (c *RESTClient) AssignIssue(ctx context.Context, number int, assignees []string) error {
	_, _, err := c.gh.Issues.AddAssignees(ctx, c.owner, c.repo, number, assignees)
	if err != nil {
		return fmt.Errorf("assigning #%d: %w", number, err)
	}
	return nil
}

func (c *RESTClient) CommentOnIssue(ctx context.Context, number int, body string) error {
	comment := &gogithub.IssueComment{Body: gogithub.Ptr(body)}
	_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, comment)
	if err != nil {
		return fmt.Errorf("commenting on issue #%d: %w", number, err)
	}
	return nil
}

func (c *RESTClient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting PR #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

func (c *RESTClient) ListPullRequests(ctx context.Context, state string) ([]*PullRequest, error) {
	if state == "" {
		state = "open"
	}
	opts := &gogithub.PullRequestListOptions{
		State:       state,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []*PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests: %w", err)
		}
		for _, pr := range prs {
			out = append(out, convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *RESTClient) CreatePullRequest(ctx context.Context, req PullRequestRequest) (*PullRequest, error) {
	newPR := &gogithub.NewPullRequest{
		Title: gogithub.Ptr(req.Title),
		Body:  gogithub.Ptr(req.Body),
		Head:  gogithub.Ptr(req.Head),
		Base:  gogithub.Ptr(req.Base),
		Draft: gogithub.Ptr(req.Draft),
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, newPR)
	if err != nil {
		return nil, fmt.Errorf("creating pull request %s -> %s: %w", req.Head, req.Base, err)
	}
	return convertPR(pr), nil
}

func (c *RESTClient) CommentOnPR(ctx context.Context, number int, body string) error {
	// PR conversation comments use the issues comment endpoint.
	return c.CommentOnIssue(ctx, number, body)
}

func (c *RESTClient) SubmitReview(ctx context.Context, number int, event ReviewEvent, body string, comments []LineComment) error {
	review := &gogithub.PullRequestReviewRequest{
		Body:  gogithub.Ptr(body),
		Event: gogithub.Ptr(string(event)),
	}
	for _, lc := range comments {
		review.Comments = append(review.Comments, &gogithub.DraftReviewComment{
			Path: gogithub.Ptr(lc.Path),
			Line: gogithub.Ptr(lc.Line),
			Body: gogithub.Ptr(lc.Body),
			Side: gogithub.Ptr("RIGHT"),
		})
	}

	_, _, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, number, review)
	if err != nil {
		return fmt.Errorf("submitting review on PR #%d: %w", number, err)
	}
	return nil
}

func (c *RESTClient) AddPRLineComment(ctx context.Context, number int, commitID string, lc LineComment) error {
	comment := &gogithub.PullRequestComment{
		Body:     gogithub.Ptr(lc.Body),
		Path:     gogithub.Ptr(lc.Path),
		Line:     gogithub.Ptr(lc.Line),
		CommitID: gogithub.Ptr(commitID),
		Side:     gogithub.Ptr("RIGHT"),
	}
	_, _, err := c.gh.PullRequests.CreateComment(ctx, c.owner, c.repo, number, comment)
	if err != nil {
		return fmt.Errorf("adding line comment on PR #%d: %w", number, err)
	}
	return nil
}

func convertIssue(issue *gogithub.Issue) *Issue {
	out := &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
		User:   issue.GetUser().GetLogin(),
	}
	for _, l := range issue.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	for _, a := range issue.Assignees {
		out.Assignees = append(out.Assignees, a.GetLogin())
	}
	if issue.ClosedAt != nil {
		out.ClosedAt = issue.GetClosedAt().Time
	}
	return out
}

func convertPR(pr *gogithub.PullRequest) *PullRequest {
	out := &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		State:   pr.GetState(),
		Merged:  pr.GetMerged(),
		HeadRef: pr.GetHead().GetRef(),
		BaseRef: pr.GetBase().GetRef(),
		User:    pr.GetUser().GetLogin(),
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
