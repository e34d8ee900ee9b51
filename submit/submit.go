// Package submit turns a prepared workspace into a pull request: stage,
// commit when the index differs from HEAD, push when the branch is ahead of
// origin, and create or reuse the PR. The whole operation is idempotent; a
// second call on an unchanged tree returns the already-open PR or nothing.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/randalmurphal/prflow/git"
	"github.com/randalmurphal/prflow/giturl"
	"github.com/randalmurphal/prflow/hosting"
)

// Defaults for PR metadata.
const (
	DefaultPRBody        = "Automated changes generated by prflow."
	DefaultPRTitle       = "Automated changes"
	DefaultCommitMessage = "Automated changes"
)

// Result records a submission. PRURL and PushedSHA are empty when no PR was
// created or nothing was pushed.
type Result struct {
	RepoURL   string `json:"repo_url"`
	Branch    string `json:"branch"`
	PRURL     string `json:"pr_url,omitempty"`
	PushedSHA string `json:"pushed_sha,omitempty"`
}

// Request describes one submission.
type Request struct {
	RepoPath      string
	ChangePrompt  string // appended to the PR body when set
	Branch        string // ensured checked out; falls back to the current branch
	PRTitle       string
	CommitMessage string
}

// ProviderFactory builds a hosting provider for a remote URL. Returning a
// nil Provider means PR creation is skipped (no credential, or a platform we
// cannot create PRs on).
type ProviderFactory func(remoteURL string) (hosting.Provider, error)

// Submitter submits workspaces as pull requests.
type Submitter struct {
	token       string
	baseBranch  string
	prBody      string
	logger      *slog.Logger
	gitOpts     []git.Option
	providerFor ProviderFactory
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithBaseBranch forces the PR base branch instead of the remote default.
func WithBaseBranch(base string) Option {
	return func(s *Submitter) { s.baseBranch = base }
}

// WithPRBody sets the base PR body text.
func WithPRBody(body string) Option {
	return func(s *Submitter) { s.prBody = body }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) { s.logger = logger }
}

// WithGitOptions forwards options to the git contexts the submitter opens.
func WithGitOptions(opts ...git.Option) Option {
	return func(s *Submitter) { s.gitOpts = opts }
}

// WithProviderFactory replaces how hosting providers are built per remote.
func WithProviderFactory(factory ProviderFactory) Option {
	return func(s *Submitter) { s.providerFor = factory }
}

// New creates a submitter. An empty token disables pushing and PR creation;
// submissions then stop after the local commit.
func New(token string, opts ...Option) *Submitter {
	s := &Submitter{
		token:  token,
		prBody: DefaultPRBody,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.providerFor == nil {
		s.providerFor = s.defaultProviderFactory
	}
	return s
}

// FromEnv creates a submitter configured from GITHUB_TOKEN, SUBMIT_PR_BASE,
// and SUBMIT_PR_BODY.
func FromEnv(opts ...Option) *Submitter {
	base := []Option{}
	if v := os.Getenv("SUBMIT_PR_BASE"); v != "" {
		base = append(base, WithBaseBranch(v))
	}
	if v := os.Getenv("SUBMIT_PR_BODY"); v != "" {
		base = append(base, WithPRBody(v))
	}
	return New(os.Getenv("GITHUB_TOKEN"), append(base, opts...)...)
}

func (s *Submitter) defaultProviderFactory(remoteURL string) (hosting.Provider, error) {
	if s.token == "" {
		return nil, nil
	}
	provider, err := hosting.ProviderForRemote(s.token, remoteURL)
	if err != nil {
		// A remote we cannot create PRs on (local path, unknown host) is not
		// fatal; the commit and push still happen.
		s.logger.Warn("no PR provider for remote", "remote", giturl.StripAuth(remoteURL), "error", err)
		return nil, nil
	}
	return provider, nil
}

// Submit stages, commits, pushes, and ensures a PR exists. It returns nil
// when the workspace had nothing to submit and no open PR exists.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Result, error) {
	g, err := git.NewContext(req.RepoPath, s.gitOpts...)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}

	originRaw, err := g.RemoteURL("origin")
	if err != nil {
		return nil, fmt.Errorf("read origin URL: %w", err)
	}
	origin := giturl.StripAuth(originRaw)

	branch, err := s.ensureOnBranch(g, req.Branch)
	if err != nil {
		return nil, err
	}

	provider, err := s.providerFor(origin)
	if err != nil {
		return nil, err
	}
	base := s.resolveBase(ctx, provider)

	committed, err := s.commitIfNeeded(g, req.CommitMessage)
	if err != nil {
		return nil, err
	}

	pushedSHA := ""
	if committed {
		sha, err := g.HeadCommit()
		if err != nil {
			return nil, err
		}
		if err := s.push(g, origin, branch); err != nil {
			return nil, err
		}
		pushedSHA = sha
	} else {
		sha, err := s.pushIfAhead(g, origin, branch)
		if err != nil {
			return nil, err
		}
		pushedSHA = sha
	}

	if provider == nil {
		if pushedSHA == "" && !committed {
			s.logger.Info("nothing to submit", "branch", branch)
			return nil, nil
		}
		s.logger.Warn("no PR provider; skipping PR creation", "branch", branch)
		return &Result{RepoURL: origin, Branch: branch, PushedSHA: pushedSHA}, nil
	}

	if branch == base {
		s.logger.Warn("branch matches base; skipping PR creation", "branch", branch)
		if pushedSHA == "" && !committed {
			return nil, nil
		}
		return &Result{RepoURL: origin, Branch: branch, PushedSHA: pushedSHA}, nil
	}

	existing, err := provider.FindOpenPR(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("look up existing PR: %w", err)
	}
	if existing != nil {
		s.logger.Info("found existing PR", "branch", branch, "url", existing.URL)
		return &Result{RepoURL: origin, Branch: branch, PRURL: existing.URL, PushedSHA: pushedSHA}, nil
	}

	if pushedSHA == "" && !committed {
		// Unchanged tree, nothing pushed, no open PR: a true no-op.
		s.logger.Info("nothing to submit", "branch", branch)
		return nil, nil
	}

	title := req.PRTitle
	if title == "" {
		title = DefaultPRTitle
	}
	pr, err := provider.CreatePR(ctx, hosting.CreatePROptions{
		Title: title,
		Body:  s.buildBody(req.ChangePrompt),
		Base:  base,
		Head:  branch,
	})
	if err != nil {
		if errors.Is(err, hosting.ErrPRExists) {
			if existing, lookupErr := provider.FindOpenPR(ctx, branch); lookupErr == nil && existing != nil {
				return &Result{RepoURL: origin, Branch: branch, PRURL: existing.URL, PushedSHA: pushedSHA}, nil
			}
		}
		return nil, fmt.Errorf("create PR: %w", err)
	}

	s.logger.Info("created PR", "branch", branch, "base", base, "url", pr.URL)
	return &Result{RepoURL: origin, Branch: branch, PRURL: pr.URL, PushedSHA: pushedSHA}, nil
}

// ensureOnBranch checks out the requested branch, creating it from HEAD when
// missing (change agents sometimes leave the workspace on the base branch).
func (s *Submitter) ensureOnBranch(g *git.Context, branch string) (string, error) {
	if branch == "" {
		return g.CurrentBranch()
	}
	if !g.BranchExists(branch) {
		s.logger.Warn("requested branch missing locally; creating from HEAD", "branch", branch)
		if err := g.CreateBranch(branch); err != nil && !errors.Is(err, git.ErrBranchExists) {
			return "", err
		}
	}
	if err := g.Checkout(branch); err != nil {
		return "", err
	}
	return branch, nil
}

func (s *Submitter) resolveBase(ctx context.Context, provider hosting.Provider) string {
	if s.baseBranch != "" {
		return s.baseBranch
	}
	if provider != nil {
		if base, err := provider.DefaultBranch(ctx); err == nil && base != "" {
			return base
		}
	}
	return "main"
}

// commitIfNeeded stages everything and commits only when the index actually
// differs from HEAD, so no-op submissions never create empty commits.
func (s *Submitter) commitIfNeeded(g *git.Context, message string) (bool, error) {
	if err := g.StageAll(); err != nil {
		return false, err
	}
	staged, err := g.StagedChanges()
	if err != nil {
		return false, err
	}
	if !staged {
		s.logger.Info("index matches HEAD; nothing to commit")
		return false, nil
	}
	if message == "" {
		message = DefaultCommitMessage
	}
	if err := g.Commit(message); err != nil {
		if errors.Is(err, git.ErrNothingToCommit) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// pushIfAhead pushes when local commits exist that origin lacks. A missing
// tracking ref counts as ahead so a never-pushed branch gets published. A
// branch behind origin is left alone.
func (s *Submitter) pushIfAhead(g *git.Context, origin, branch string) (string, error) {
	ahead, behind := 1, 0
	if g.RemoteBranchExists(branch) {
		var err error
		ahead, behind, err = g.AheadBehind(branch, "origin/"+branch)
		if err != nil {
			return "", err
		}
	}
	if behind > 0 {
		s.logger.Warn("local branch behind origin; skipping push",
			"branch", branch, "ahead", ahead, "behind", behind)
		return "", nil
	}
	if ahead == 0 {
		return "", nil
	}

	sha, err := g.HeadCommit()
	if err != nil {
		return "", err
	}
	if err := s.push(g, origin, branch); err != nil {
		return "", err
	}
	return sha, nil
}

// push publishes the branch, embedding the token in the push URL for hosted
// repos. The tokenized URL never reaches logs.
func (s *Submitter) push(g *git.Context, origin, branch string) error {
	pushURL := "origin"
	if s.token != "" {
		if authed := giturl.TokenAuthURL(origin, s.token); authed != "" {
			pushURL = authed
		}
	}
	s.logger.Info("pushing branch", "branch", branch)
	return g.Push(pushURL, branch)
}

func (s *Submitter) buildBody(changePrompt string) string {
	if changePrompt == "" {
		return s.prBody
	}
	return s.prBody + "\n\n## Change Prompt\n\n" + changePrompt
}
