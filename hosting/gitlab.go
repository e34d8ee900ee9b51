package hosting

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/xanzy/go-gitlab"
)

// GitLabProvider implements Provider for GitLab merge requests.
type GitLabProvider struct {
	client    *gitlab.Client
	projectID string // numeric ID or "namespace/project"
}

// NewGitLabProvider creates a provider for a project.
// baseURL is empty for gitlab.com.
func NewGitLabProvider(token, baseURL, projectID string) (*GitLabProvider, error) {
	if token == "" {
		return nil, fmt.Errorf("GitLab token is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var (
		client *gitlab.Client
		err    error
	)
	if baseURL != "" {
		client, err = gitlab.NewClient(token, gitlab.WithBaseURL(baseURL))
	} else {
		client, err = gitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}
	return &GitLabProvider{client: client, projectID: projectID}, nil
}

// NewGitLabProviderFromURL creates a provider from a remote URL, handling
// self-hosted instances.
func NewGitLabProviderFromURL(token, remoteURL string) (*GitLabProvider, error) {
	path := strings.TrimSuffix(remoteURL, ".git")
	path = strings.TrimPrefix(path, "https://")
	path = strings.TrimPrefix(path, "http://")
	if idx := strings.Index(path, ":"); strings.HasPrefix(remoteURL, "git@") && idx >= 0 {
		path = strings.ReplaceAll(path[idx+1:], ":", "/")
		path = "gitlab.com/" + path
	}

	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return nil, fmt.Errorf("parse remote URL: invalid GitLab URL %s", remoteURL)
	}

	var baseURL string
	if parts[0] != "gitlab.com" {
		baseURL = "https://" + parts[0]
	}
	projectID := strings.Join(parts[1:], "/")
	return NewGitLabProvider(token, baseURL, projectID)
}

// CreatePR creates a merge request.
func (p *GitLabProvider) CreatePR(ctx context.Context, opts CreatePROptions) (*PullRequest, error) {
	base := opts.Base
	if base == "" {
		var err error
		base, err = p.DefaultBranch(ctx)
		if err != nil {
			base = "main"
		}
	}

	mrOpts := &gitlab.CreateMergeRequestOptions{
		Title:        gitlab.Ptr(opts.Title),
		Description:  gitlab.Ptr(opts.Body),
		SourceBranch: gitlab.Ptr(opts.Head),
		TargetBranch: gitlab.Ptr(base),
	}
	if opts.Draft {
		mrOpts.Title = gitlab.Ptr("Draft: " + opts.Title)
	}

	mr, resp, err := p.client.MergeRequests.CreateMergeRequest(p.projectID, mrOpts, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, ErrPRExists
		}
		return nil, fmt.Errorf("create merge request: %w", err)
	}
	return prFromGitLab(mr), nil
}

// FindOpenPR returns the open merge request from branch head, or nil.
func (p *GitLabProvider) FindOpenPR(ctx context.Context, head string) (*PullRequest, error) {
	mrs, _, err := p.client.MergeRequests.ListProjectMergeRequests(p.projectID, &gitlab.ListProjectMergeRequestsOptions{
		State:        gitlab.Ptr("opened"),
		SourceBranch: gitlab.Ptr(head),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list merge requests: %w", err)
	}
	if len(mrs) == 0 {
		return nil, nil
	}
	return prFromGitLab(mrs[0]), nil
}

// DefaultBranch returns the project's default branch.
func (p *GitLabProvider) DefaultBranch(ctx context.Context) (string, error) {
	project, _, err := p.client.Projects.GetProject(p.projectID, nil, gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("get project: %w", err)
	}
	return project.DefaultBranch, nil
}

func prFromGitLab(mr *gitlab.MergeRequest) *PullRequest {
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	pr := &PullRequest{
		Number:  mr.IID,
		URL:     mr.WebURL,
		Title:   mr.Title,
		State:   state,
		Head:    mr.SourceBranch,
		Base:    mr.TargetBranch,
		HeadSHA: mr.SHA,
	}
	if mr.CreatedAt != nil {
		pr.CreatedAt = *mr.CreatedAt
	}
	return pr
}
