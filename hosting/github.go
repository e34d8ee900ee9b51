package hosting

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/randalmurphal/prflow/giturl"
)

// GitHubClient wraps the GitHub REST API for any repository the token can
// see. Owner and repo are supplied per call so one client serves a whole
// multi-repository run.
type GitHubClient struct {
	client   *github.Client
	download *retryablehttp.Client
}

// NewGitHubClient creates a client authenticated with a personal access
// token or installation token.
func NewGitHubClient(token string) (*GitHubClient, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return NewGitHubClientWithTokenSource(ts), nil
}

// NewGitHubClientWithTokenSource creates a client over a custom token
// source, e.g. a GitHub App installation source.
func NewGitHubClientWithTokenSource(ts oauth2.TokenSource) *GitHubClient {
	tc := oauth2.NewClient(context.Background(), ts)

	download := retryablehttp.NewClient()
	download.RetryMax = 3
	download.Logger = nil

	return &GitHubClient{
		client:   github.NewClient(tc),
		download: download,
	}
}

// PRHeadSHA returns the current head commit of a pull request.
func (c *GitHubClient) PRHeadSHA(ctx context.Context, owner, repo string, number int) (string, error) {
	pr, resp, err := c.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", ErrPRNotFound
		}
		return "", fmt.Errorf("get PR head: %w", err)
	}
	sha := pr.GetHead().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("PR %s/%s#%d has no head SHA", owner, repo, number)
	}
	return sha, nil
}

// CheckRuns returns the check runs attached to exactly the given commit.
// Runs the API reports for other commits (stale suites) are dropped.
func (c *GitHubClient) CheckRuns(ctx context.Context, owner, repo, sha string) ([]CheckRun, error) {
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var runs []CheckRun
	for {
		result, resp, err := c.client.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("list check runs: %w", err)
		}
		for _, cr := range result.CheckRuns {
			headSHA := cr.GetHeadSHA()
			if headSHA == "" {
				headSHA = cr.GetCheckSuite().GetHeadSHA()
			}
			if headSHA != sha {
				continue
			}
			runs = append(runs, CheckRun{
				Name:       cr.GetName(),
				Status:     strings.ToLower(cr.GetStatus()),
				Conclusion: strings.ToLower(cr.GetConclusion()),
				DetailsURL: cr.GetDetailsURL(),
				HeadSHA:    headSHA,
				Summary:    cr.GetOutput().GetSummary(),
				Text:       cr.GetOutput().GetText(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runs, nil
}

// CombinedStatus returns the legacy aggregate commit status state
// (success, failure, error, or pending).
func (c *GitHubClient) CombinedStatus(ctx context.Context, owner, repo, sha string) (string, error) {
	status, _, err := c.client.Repositories.GetCombinedStatus(ctx, owner, repo, sha, nil)
	if err != nil {
		return "", fmt.Errorf("get combined status: %w", err)
	}
	state := strings.ToLower(status.GetState())
	if state == "" {
		state = "unknown"
	}
	return state, nil
}

// JobLogs downloads one workflow job's log archive, capped at maxBytes.
func (c *GitHubClient) JobLogs(ctx context.Context, owner, repo string, jobID, maxBytes int64) ([]byte, error) {
	u, _, err := c.client.Actions.GetWorkflowJobLogs(ctx, owner, repo, jobID, 1)
	if err != nil {
		return nil, fmt.Errorf("resolve job logs URL: %w", err)
	}
	return c.downloadLimited(ctx, u.String(), maxBytes)
}

// RunLogs downloads a whole workflow run's log archive, capped at maxBytes.
func (c *GitHubClient) RunLogs(ctx context.Context, owner, repo string, runID, maxBytes int64) ([]byte, error) {
	u, _, err := c.client.Actions.GetWorkflowRunLogs(ctx, owner, repo, runID, 1)
	if err != nil {
		return nil, fmt.Errorf("resolve run logs URL: %w", err)
	}
	return c.downloadLimited(ctx, u.String(), maxBytes)
}

// downloadLimited fetches a pre-signed archive URL. No auth header: the URL
// carries its own credentials and forwarding ours can break the signature.
func (c *GitHubClient) downloadLimited(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build log download request: %w", err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download logs: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	return data, nil
}

// FindBranchWithPrefix returns the remote branch starting with prefix,
// preferring an exact match to preferred, else the first found, else "".
func (c *GitHubClient) FindBranchWithPrefix(ctx context.Context, repoURL, prefix, preferred string) (string, error) {
	owner, repo, err := giturl.OwnerRepo(repoURL)
	if err != nil {
		return "", err
	}

	opts := &github.BranchListOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	first := ""
	for {
		branches, resp, err := c.client.Repositories.ListBranches(ctx, owner, repo, opts)
		if err != nil {
			return "", fmt.Errorf("list branches: %w", err)
		}
		for _, b := range branches {
			name := b.GetName()
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if name == preferred {
				return name, nil
			}
			if first == "" {
				first = name
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return first, nil
}

// BranchExists reports whether the named branch exists on the remote.
func (c *GitHubClient) BranchExists(ctx context.Context, repoURL, branch string) (bool, error) {
	owner, repo, err := giturl.OwnerRepo(repoURL)
	if err != nil {
		return false, err
	}
	_, resp, err := c.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("get branch ref: %w", err)
	}
	return true, nil
}

// DefaultBranch returns the repository's default branch.
func (c *GitHubClient) DefaultBranch(ctx context.Context, repoURL string) (string, error) {
	owner, repo, err := giturl.OwnerRepo(repoURL)
	if err != nil {
		return "", err
	}
	r, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repository: %w", err)
	}
	return r.GetDefaultBranch(), nil
}

// GitHubProvider binds a GitHubClient to one repository, satisfying
// Provider for submission.
type GitHubProvider struct {
	client *GitHubClient
	owner  string
	repo   string
}

// NewGitHubProvider creates a provider for owner/repo.
func NewGitHubProvider(token, owner, repo string) (*GitHubProvider, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	client, err := NewGitHubClient(token)
	if err != nil {
		return nil, err
	}
	return &GitHubProvider{client: client, owner: owner, repo: repo}, nil
}

// NewGitHubProviderFromURL creates a provider from a remote URL.
func NewGitHubProviderFromURL(token, remoteURL string) (*GitHubProvider, error) {
	owner, repo, err := giturl.OwnerRepo(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote URL: %w", err)
	}
	return NewGitHubProvider(token, owner, repo)
}

// CreatePR creates a pull request.
func (p *GitHubProvider) CreatePR(ctx context.Context, opts CreatePROptions) (*PullRequest, error) {
	base := opts.Base
	if base == "" {
		var err error
		base, err = p.DefaultBranch(ctx)
		if err != nil {
			base = "main"
		}
	}

	newPR := &github.NewPullRequest{
		Title: github.String(opts.Title),
		Body:  github.String(opts.Body),
		Base:  github.String(base),
		Head:  github.String(opts.Head),
		Draft: github.Bool(opts.Draft),
	}
	pr, resp, err := p.client.client.PullRequests.Create(ctx, p.owner, p.repo, newPR)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			if strings.Contains(err.Error(), "A pull request already exists") {
				return nil, ErrPRExists
			}
			if strings.Contains(err.Error(), "No commits between") {
				return nil, ErrNoChanges
			}
		}
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return prFromGitHub(pr), nil
}

// FindOpenPR returns the open PR whose source branch is head, or nil.
func (p *GitHubProvider) FindOpenPR(ctx context.Context, head string) (*PullRequest, error) {
	prs, _, err := p.client.client.PullRequests.List(ctx, p.owner, p.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  p.owner + ":" + head,
	})
	if err != nil {
		return nil, fmt.Errorf("list PRs: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prFromGitHub(prs[0]), nil
}

// DefaultBranch returns the bound repository's default branch.
func (p *GitHubProvider) DefaultBranch(ctx context.Context) (string, error) {
	r, _, err := p.client.client.Repositories.Get(ctx, p.owner, p.repo)
	if err != nil {
		return "", fmt.Errorf("get repository: %w", err)
	}
	return r.GetDefaultBranch(), nil
}

func prFromGitHub(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number:    pr.GetNumber(),
		URL:       pr.GetHTMLURL(),
		Title:     pr.GetTitle(),
		State:     pr.GetState(),
		Head:      pr.GetHead().GetRef(),
		Base:      pr.GetBase().GetRef(),
		HeadSHA:   pr.GetHead().GetSHA(),
		CreatedAt: pr.GetCreatedAt().Time,
	}
}
