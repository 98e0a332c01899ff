package github

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is an in-memory Client used by tests across packages.
// Issues and PRs are seeded directly on the struct; mutations are recorded.
type MockClient struct {
	mu sync.Mutex

	Issues       map[int]*Issue
	PullRequests map[int]*PullRequest

	CreatedIssues  []IssueRequest
	CreatedPRs     []PullRequestRequest
	IssueComments  map[int][]string
	PRComments     map[int][]string
	AddedLabels    map[int][]string
	RemovedLabels  map[int][]string
	Assigned       map[int][]string
	Reviews        map[int][]ReviewEvent
	LineComments   map[int][]LineComment
	nextNumber     int

	// Err, when set, is returned by every call.
	Err error
}

// NewMockClient returns an empty mock ready for seeding.
func NewMockClient() *MockClient {
	return &MockClient{
		Issues:        make(map[int]*Issue),
		PullRequests:  make(map[int]*PullRequest),
		IssueComments: make(map[int][]string),
		PRComments:    make(map[int][]string),
		AddedLabels:   make(map[int][]string),
		RemovedLabels: make(map[int][]string),
		Assigned:      make(map[int][]string),
		Reviews:       make(map[int][]ReviewEvent),
		LineComments:  make(map[int][]LineComment),
		nextNumber:    1000,
	}
}

func (m *MockClient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	issue, ok := m.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	cp := *issue
	return &cp, nil
}

func (m *MockClient) ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	state := filter.State
	if state == "" {
		state = "open"
	}
	var out []*Issue
	for _, issue := range m.Issues {
		if state != "all" && issue.State != state {
			continue
		}
		if !hasAllLabels(issue.Labels, filter.Labels) {
			continue
		}
		cp := *issue
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockClient) CreateIssue(ctx context.Context, req IssueRequest) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.nextNumber++
	issue := &Issue{
		Number: m.nextNumber,
		Title:  req.Title,
		Body:   req.Body,
		State:  "open",
		Labels: req.Labels,
	}
	m.Issues[issue.Number] = issue
	m.CreatedIssues = append(m.CreatedIssues, req)
	return issue, nil
}

func (m *MockClient) AddLabels(ctx context.Context, number int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.AddedLabels[number] = append(m.AddedLabels[number], labels...)
	if issue, ok := m.Issues[number]; ok {
		issue.Labels = append(issue.Labels, labels...)
	}
	return nil
}

func (m *MockClient) RemoveLabel(ctx context.Context, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.RemovedLabels[number] = append(m.RemovedLabels[number], label)
	if issue, ok := m.Issues[number]; ok {
		var kept []string
		for _, l := range issue.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		issue.Labels = kept
	}
	return nil
}

func (m *MockClient) AssignIssue(ctx context.Context, number int, assignees []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Assigned[number] = append(m.Assigned[number], assignees...)
	return nil
}

func (m *MockClient) CommentOnIssue(ctx context.Context, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.IssueComments[number] = append(m.IssueComments[number], body)
	return nil
}

func (m *MockClient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	pr, ok := m.PullRequests[number]
	if !ok {
		return nil, fmt.Errorf("PR #%d not found", number)
	}
	cp := *pr
	return &cp, nil
}

func (m *MockClient) ListPullRequests(ctx context.Context, state string) ([]*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if state == "" {
		state = "open"
	}
	var out []*PullRequest
	for _, pr := range m.PullRequests {
		if state != "all" && pr.State != state {
			continue
		}
		cp := *pr
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockClient) CreatePullRequest(ctx context.Context, req PullRequestRequest) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.nextNumber++
	pr := &PullRequest{
		Number:  m.nextNumber,
		Title:   req.Title,
		Body:    req.Body,
		State:   "open",
		HeadRef: req.Head,
		BaseRef: req.Base,
	}
	m.PullRequests[pr.Number] = pr
	m.CreatedPRs = append(m.CreatedPRs, req)
	return pr, nil
}

func (m *MockClient) CommentOnPR(ctx context.Context, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.PRComments[number] = append(m.PRComments[number], body)
	return nil
}

func (m *MockClient) SubmitReview(ctx context.Context, number int, event ReviewEvent, body string, comments []LineComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Reviews[number] = append(m.Reviews[number], event)
	m.LineComments[number] = append(m.LineComments[number], comments...)
	return nil
}

func (m *MockClient) AddPRLineComment(ctx context.Context, number int, commitID string, lc LineComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.LineComments[number] = append(m.LineComments[number], lc)
	return nil
}

func hasAllLabels(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
