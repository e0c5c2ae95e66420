package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/OWASP-BLT/BLT-Leaf/pkg/timeline"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
	"go.uber.org/zap"
)

// Snapshot is everything the readiness pipeline needs about a single
// pull request, fetched in one pass.
type Snapshot struct {
	PR     *types.PullRequest
	Pages  []timeline.Page
	Checks []types.CheckResult
}

// actorRef is the GitHub user object shape shared by most responses.
type actorRef struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// prPayload is the subset of the pulls API response we consume.
type prPayload struct {
	Title          string   `json:"title"`
	State          string   `json:"state"`
	MergeableState string   `json:"mergeable_state"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	ClosedAt       string   `json:"closed_at"`
	MergedAt       string   `json:"merged_at"`
	User           actorRef `json:"user"`
	Head           struct {
		SHA string `json:"sha"`
	} `json:"head"`
	Number       int  `json:"number"`
	ChangedFiles int  `json:"changed_files"`
	Merged       bool `json:"merged"`
	Draft        bool `json:"draft"`
}

// Snapshot fetches PR metadata, all event pages, and check runs for one
// pull request.
func (c *Client) Snapshot(ctx context.Context, owner, repo string, number int) (*Snapshot, error) {
	pr, headSHA, err := c.pullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	pages, err := c.eventPages(ctx, owner, repo, number, pr)
	if err != nil {
		return nil, err
	}

	checks, err := c.CheckRuns(ctx, owner, repo, headSHA)
	if err != nil {
		// Check runs degrade gracefully: a PR with no reachable check
		// data still gets a timeline and a neutral CI signal.
		c.logger.Warn("check runs unavailable",
			zap.String("owner", owner), zap.String("repo", repo),
			zap.Int("number", number), zap.Error(err))
		checks = nil
	}
	pages = append(pages, checkRunPage(checks))

	return &Snapshot{PR: pr, Pages: pages, Checks: checks}, nil
}

// PullRequest fetches the current metadata for a pull request.
func (c *Client) PullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequest, error) {
	pr, _, err := c.pullRequest(ctx, owner, repo, number)
	return pr, err
}

func (c *Client) pullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequest, string, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", apiBase, owner, repo, number)
	var data prPayload
	if err := c.getJSON(ctx, apiURL, &data); err != nil {
		return nil, "", err
	}

	pr := &types.PullRequest{
		URL:            fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, number),
		Owner:          owner,
		Repo:           repo,
		Number:         data.Number,
		Title:          data.Title,
		State:          data.State,
		Author:         data.User.Login,
		MergeableState: data.MergeableState,
		FilesChanged:   data.ChangedFiles,
		Merged:         data.Merged,
		Draft:          data.Draft,
	}
	if t, err := time.Parse(time.RFC3339, data.CreatedAt); err == nil {
		pr.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, data.UpdatedAt); err == nil {
		pr.UpdatedAt = t
	}
	return pr, data.Head.SHA, nil
}

// eventPages fetches the four paginated event sources and synthesizes
// state change events from the PR metadata.
func (c *Client) eventPages(ctx context.Context, owner, repo string, number int, pr *types.PullRequest) ([]timeline.Page, error) {
	base := fmt.Sprintf("%s/repos/%s/%s", apiBase, owner, repo)

	commits, err := c.fetchPaginated(ctx, fmt.Sprintf("%s/pulls/%d/commits?per_page=%d", base, number, perPageLimit))
	if err != nil {
		return nil, fmt.Errorf("fetch commits: %w", err)
	}
	reviews, err := c.fetchPaginated(ctx, fmt.Sprintf("%s/pulls/%d/reviews?per_page=%d", base, number, perPageLimit))
	if err != nil {
		return nil, fmt.Errorf("fetch reviews: %w", err)
	}
	reviewComments, err := c.fetchPaginated(ctx, fmt.Sprintf("%s/pulls/%d/comments?per_page=%d", base, number, perPageLimit))
	if err != nil {
		return nil, fmt.Errorf("fetch review comments: %w", err)
	}
	issueComments, err := c.fetchPaginated(ctx, fmt.Sprintf("%s/issues/%d/comments?per_page=%d", base, number, perPageLimit))
	if err != nil {
		return nil, fmt.Errorf("fetch issue comments: %w", err)
	}

	return []timeline.Page{
		commitPage(commits),
		reviewPage(reviews),
		commentPage(reviewComments, string(types.KindReviewComment)),
		commentPage(issueComments, string(types.KindIssueComment)),
		stateChangePage(pr),
	}, nil
}

// commitPage converts pulls/{n}/commits items into raw events.
func commitPage(items []json.RawMessage) timeline.Page {
	page := make(timeline.Page, 0, len(items))
	for _, item := range items {
		var data struct {
			SHA    string    `json:"sha"`
			Author *actorRef `json:"author"`
			Commit struct {
				Message string `json:"message"`
				Author  struct {
					Name string `json:"name"`
					Date string `json:"date"`
				} `json:"author"`
			} `json:"commit"`
		}
		if err := json.Unmarshal(item, &data); err != nil {
			continue
		}
		actor := data.Commit.Author.Name
		if data.Author != nil && data.Author.Login != "" {
			actor = data.Author.Login
		}
		sha := data.SHA
		if len(sha) > 7 {
			sha = sha[:7]
		}
		page = append(page, timeline.RawEvent{
			Kind:      string(types.KindCommit),
			Actor:     actor,
			Timestamp: data.Commit.Author.Date,
			Payload: map[string]string{
				"sha":     sha,
				"message": firstLine(data.Commit.Message),
			},
		})
	}
	return page
}

// reviewPage converts pulls/{n}/reviews items into raw events. Pending
// reviews are invisible to everyone but their author and are skipped.
func reviewPage(items []json.RawMessage) timeline.Page {
	page := make(timeline.Page, 0, len(items))
	for _, item := range items {
		var data struct {
			State       string   `json:"state"`
			SubmittedAt string   `json:"submitted_at"`
			Body        string   `json:"body"`
			User        actorRef `json:"user"`
		}
		if err := json.Unmarshal(item, &data); err != nil {
			continue
		}
		if data.State == "PENDING" {
			continue
		}
		page = append(page, timeline.RawEvent{
			Kind:      string(types.KindReviewSubmitted),
			Actor:     data.User.Login,
			Timestamp: data.SubmittedAt,
			Payload: map[string]string{
				"state": data.State,
			},
		})
	}
	return page
}

// commentPage converts review or issue comment items into raw events.
func commentPage(items []json.RawMessage, kind string) timeline.Page {
	page := make(timeline.Page, 0, len(items))
	for _, item := range items {
		var data struct {
			CreatedAt string   `json:"created_at"`
			Path      string   `json:"path"`
			User      actorRef `json:"user"`
		}
		if err := json.Unmarshal(item, &data); err != nil {
			continue
		}
		payload := map[string]string{}
		if data.Path != "" {
			payload["path"] = data.Path
		}
		page = append(page, timeline.RawEvent{
			Kind:      kind,
			Actor:     data.User.Login,
			Timestamp: data.CreatedAt,
			Payload:   payload,
		})
	}
	return page
}

// stateChangePage synthesizes open/close/merge transitions from PR
// metadata, which the event endpoints do not carry.
func stateChangePage(pr *types.PullRequest) timeline.Page {
	var page timeline.Page
	if !pr.CreatedAt.IsZero() {
		page = append(page, timeline.RawEvent{
			Kind:      string(types.KindStateChange),
			Actor:     pr.Author,
			Timestamp: pr.CreatedAt.Format(time.RFC3339),
			Payload:   map[string]string{"state": "opened"},
		})
	}
	if pr.State == "closed" && !pr.UpdatedAt.IsZero() {
		state := "closed"
		if pr.Merged {
			state = "merged"
		}
		page = append(page, timeline.RawEvent{
			Kind:      string(types.KindStateChange),
			Actor:     pr.Author,
			Timestamp: pr.UpdatedAt.Format(time.RFC3339),
			Payload:   map[string]string{"state": state},
		})
	}
	return page
}

// checkRunPage converts check results into raw events so check activity
// appears on the timeline.
func checkRunPage(checks []types.CheckResult) timeline.Page {
	page := make(timeline.Page, 0, len(checks))
	for _, check := range checks {
		if check.CompletedAt.IsZero() {
			continue
		}
		page = append(page, timeline.RawEvent{
			Kind:      string(types.KindCheckRun),
			Actor:     check.Name,
			Timestamp: check.CompletedAt.Format(time.RFC3339),
			Payload: map[string]string{
				"name":       check.Name,
				"conclusion": string(check.Conclusion),
			},
		})
	}
	return page
}

// CheckRuns fetches check run results for a commit SHA.
func (c *Client) CheckRuns(ctx context.Context, owner, repo, sha string) ([]types.CheckResult, error) {
	if sha == "" {
		return nil, nil
	}
	apiURL := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs?per_page=%d", apiBase, owner, repo, sha, perPageLimit)
	var data struct {
		CheckRuns []struct {
			Name        string `json:"name"`
			Status      string `json:"status"`
			Conclusion  string `json:"conclusion"`
			CompletedAt string `json:"completed_at"`
		} `json:"check_runs"`
	}
	if err := c.getJSON(ctx, apiURL, &data); err != nil {
		return nil, err
	}

	results := make([]types.CheckResult, 0, len(data.CheckRuns))
	for _, run := range data.CheckRuns {
		result := types.CheckResult{
			Name:       run.Name,
			Status:     run.Status,
			Conclusion: types.CheckConclusion(run.Conclusion),
		}
		if t, err := time.Parse(time.RFC3339, run.CompletedAt); err == nil {
			result.CompletedAt = t
		}
		results = append(results, result)
	}
	return results, nil
}

// OpenPullRequests lists open PRs for a repository, first page only.
// Used by the repo listing endpoint, which needs counts rather than
// full history.
func (c *Client) OpenPullRequests(ctx context.Context, owner, repo string) ([]*types.PullRequest, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls?state=open&per_page=%d", apiBase, owner, repo, perPageLimit)
	items, err := c.fetchPaginated(ctx, apiURL)
	if err != nil {
		return nil, err
	}

	prs := make([]*types.PullRequest, 0, len(items))
	for _, item := range items {
		var data prPayload
		if err := json.Unmarshal(item, &data); err != nil {
			continue
		}
		pr := &types.PullRequest{
			URL:    fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, data.Number),
			Owner:  owner,
			Repo:   repo,
			Number: data.Number,
			Title:  data.Title,
			State:  data.State,
			Author: data.User.Login,
			Draft:  data.Draft,
		}
		if t, err := time.Parse(time.RFC3339, data.UpdatedAt); err == nil {
			pr.UpdatedAt = t
		}
		prs = append(prs, pr)
	}
	return prs, nil
}

// Quota is the core rate limit window reported by GitHub.
type Quota struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Used      int   `json:"used"`
	Reset     int64 `json:"reset"`
}

// RateLimit fetches the authenticated core API quota.
func (c *Client) RateLimit(ctx context.Context) (*Quota, error) {
	var data struct {
		Resources struct {
			Core Quota `json:"core"`
		} `json:"resources"`
	}
	if err := c.getJSON(ctx, apiBase+"/rate_limit", &data); err != nil {
		return nil, err
	}
	return &data.Resources.Core, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
