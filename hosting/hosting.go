// Package hosting talks to the code-hosting platform: pull request creation
// and lookup, branch metadata, and the per-commit CI signal (check runs plus
// the legacy combined status).
package hosting

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Hosting platform errors.
var (
	// ErrUnknownPlatform indicates the remote URL uses an unrecognized host.
	ErrUnknownPlatform = errors.New("unknown hosting platform")

	// ErrPRExists indicates a pull request already exists for the branch.
	ErrPRExists = errors.New("pull request already exists for this branch")

	// ErrPRNotFound indicates the pull request does not exist.
	ErrPRNotFound = errors.New("pull request not found")

	// ErrNoChanges indicates there are no commits between base and head.
	ErrNoChanges = errors.New("no changes between branches")
)

// PullRequest represents a pull or merge request on the platform.
type PullRequest struct {
	Number    int
	URL       string
	Title     string
	State     string
	Head      string
	Base      string
	HeadSHA   string
	CreatedAt time.Time
}

// CheckRun is one build/test result attached to a commit.
type CheckRun struct {
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, skipped, neutral, ...
	DetailsURL string
	HeadSHA    string
	Summary    string
	Text       string
}

// Completed reports whether the check has finished running.
func (c CheckRun) Completed() bool {
	return strings.EqualFold(c.Status, "completed")
}

// Pending reports whether the check is still queued or running.
func (c CheckRun) Pending() bool {
	s := strings.ToLower(c.Status)
	return s == "queued" || s == "in_progress"
}

// CreatePROptions configures pull request creation.
type CreatePROptions struct {
	Title string
	Body  string
	Base  string // target branch (default branch when empty)
	Head  string // source branch
	Draft bool
}

// Provider creates and finds pull requests for one repository.
// Implementations exist for GitHub and GitLab.
type Provider interface {
	// CreatePR creates a new pull request.
	CreatePR(ctx context.Context, opts CreatePROptions) (*PullRequest, error)

	// FindOpenPR returns the open pull request whose source branch is head,
	// or nil when none exists.
	FindOpenPR(ctx context.Context, head string) (*PullRequest, error)

	// DefaultBranch returns the repository's default branch.
	DefaultBranch(ctx context.Context) (string, error)
}

// DetectPlatform identifies the hosting platform from a remote URL.
func DetectPlatform(remoteURL string) (string, error) {
	lower := strings.ToLower(remoteURL)

	if strings.Contains(lower, "github.com") {
		return "github", nil
	}
	if strings.Contains(lower, "gitlab") {
		return "gitlab", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPlatform, remoteURL)
}

// ProviderForRemote builds the Provider matching the remote URL's platform.
func ProviderForRemote(token, remoteURL string) (Provider, error) {
	platform, err := DetectPlatform(remoteURL)
	if err != nil {
		return nil, err
	}
	switch platform {
	case "github":
		return NewGitHubProviderFromURL(token, remoteURL)
	case "gitlab":
		return NewGitLabProviderFromURL(token, remoteURL)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
}

var (
	prURLRe         = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/pull/(\d+)(?:/.*)?$`)
	actionsDetailRe = regexp.MustCompile(`/actions/runs/(\d+)(?:/job/(\d+))?`)
)

// ParsePRURL splits a GitHub pull request web URL into owner, repo, and
// number. Returns an error for anything else.
func ParsePRURL(prURL string) (owner, repo string, number int, err error) {
	m := prURLRe.FindStringSubmatch(strings.TrimSpace(prURL))
	if m == nil {
		return "", "", 0, fmt.Errorf("not a pull request URL: %s", prURL)
	}
	number, err = strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("not a pull request URL: %s", prURL)
	}
	return m[1], m[2], number, nil
}

// ParseActionsIDs extracts the workflow run id and, when present, the job id
// from a check run's details URL. Both are 0 when the URL is not an Actions
// link.
func ParseActionsIDs(detailsURL string) (runID, jobID int64) {
	m := actionsDetailRe.FindStringSubmatch(detailsURL)
	if m == nil {
		return 0, 0
	}
	runID, _ = strconv.ParseInt(m[1], 10, 64)
	if m[2] != "" {
		jobID, _ = strconv.ParseInt(m[2], 10, 64)
	}
	return runID, jobID
}
