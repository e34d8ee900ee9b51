// Package git provides git repository operations over a mockable command
// runner. It covers the branch, ref, and history queries the workspace
// reconciler and submitter need.
package git

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Context manages git operations for a repository working copy.
type Context struct {
	repoPath string        // Path to the repository working copy
	runner   CommandRunner // Command runner (defaults to ExecRunner)
}

// Option configures Context.
type Option func(*Context)

// WithRunner sets a custom command runner for git operations.
// This is primarily used for testing to inject mock command execution.
func WithRunner(runner CommandRunner) Option {
	return func(g *Context) {
		g.runner = runner
	}
}

// NewContext creates a new git context for the repository.
// It validates that the path is a git repository and applies any options.
func NewContext(repoPath string, opts ...Option) (*Context, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	g := &Context{
		repoPath: absPath,
		runner:   NewExecRunner(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if _, err := g.runGit("rev-parse", "--git-dir"); err != nil {
		return nil, ErrNotGitRepo
	}
	return g, nil
}

// Clone clones cloneURL into target and returns a Context for the clone.
func Clone(cloneURL, target string, opts ...Option) (*Context, error) {
	g := &Context{runner: NewExecRunner()}
	for _, opt := range opts {
		opt(g)
	}
	if _, err := g.runner.Run("", "git", "clone", cloneURL, target); err != nil {
		return nil, &Error{Op: "clone", Err: err}
	}
	g.repoPath = target
	return g, nil
}

// RepoPath returns the path to the repository working copy.
func (g *Context) RepoPath() string {
	return g.repoPath
}

// CurrentBranch returns the current branch name.
func (g *Context) CurrentBranch() (string, error) {
	branch, err := g.runGit("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", &Error{Op: "get current branch", Err: err}
	}
	return branch, nil
}

// Checkout switches to the specified ref (branch, tag, or commit).
func (g *Context) Checkout(ref string) error {
	if _, err := g.runGit("checkout", "--force", ref); err != nil {
		return &Error{Op: "checkout", Err: err}
	}
	return nil
}

// CreateBranch creates a new branch at HEAD.
func (g *Context) CreateBranch(name string) error {
	if _, err := g.runGit("branch", name); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return ErrBranchExists
		}
		return &Error{Op: "create branch", Err: err}
	}
	return nil
}

// CreateBranchAt creates a new branch pointing at the given ref.
func (g *Context) CreateBranchAt(name, ref string) error {
	if _, err := g.runGit("branch", name, ref); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return ErrBranchExists
		}
		return &Error{Op: "create branch at ref", Err: err}
	}
	return nil
}

// BranchExists checks if a local branch exists.
func (g *Context) BranchExists(name string) bool {
	_, err := g.runGit("rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// RemoteBranchExists checks if a remote-tracking ref exists for the branch.
func (g *Context) RemoteBranchExists(name string) bool {
	_, err := g.runGit("rev-parse", "--verify", "refs/remotes/origin/"+name)
	return err == nil
}

// RefSHA resolves a ref to its commit SHA.
// Returns ErrRefNotFound when the ref does not exist.
func (g *Context) RefSHA(ref string) (string, error) {
	sha, err := g.runGit("rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", ErrRefNotFound
	}
	return sha, nil
}

// HeadCommit returns the current HEAD commit SHA.
func (g *Context) HeadCommit() (string, error) {
	sha, err := g.runGit("rev-parse", "HEAD")
	if err != nil {
		return "", &Error{Op: "get HEAD commit", Err: err}
	}
	return sha, nil
}

// ResetHard hard-resets the working copy and current branch to the ref.
func (g *Context) ResetHard(ref string) error {
	if _, err := g.runGit("reset", "--hard", ref); err != nil {
		return &Error{Op: "reset hard", Err: err}
	}
	return nil
}

// Fetch fetches updates from the remote, populating remote-tracking refs.
func (g *Context) Fetch(remote string) error {
	if _, err := g.runGit("fetch", "--prune", remote); err != nil {
		return &Error{Op: "fetch", Err: err}
	}
	return nil
}

// StageAll stages all changes (git add -A).
func (g *Context) StageAll() error {
	if _, err := g.runGit("add", "-A"); err != nil {
		return &Error{Op: "stage all", Err: err}
	}
	return nil
}

// Commit creates a commit with the given message.
// Returns ErrNothingToCommit if there are no staged changes.
func (g *Context) Commit(message string) error {
	output, err := g.runGit("commit", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") ||
			strings.Contains(err.Error(), "nothing to commit") {
			return ErrNothingToCommit
		}
		return &Error{Op: "commit", Output: output, Err: err}
	}
	return nil
}

// StagedChanges reports whether the index differs from HEAD.
func (g *Context) StagedChanges() (bool, error) {
	// diff-index exits 1 when there are differences.
	_, err := g.runGit("diff-index", "--quiet", "--cached", "HEAD", "--")
	if err == nil {
		return false, nil
	}
	if cmdErr, ok := err.(*CommandError); ok && cmdErr.Output == "" {
		return true, nil
	}
	return false, &Error{Op: "diff index", Err: err}
}

// Status returns the working tree status in short format.
func (g *Context) Status() (string, error) {
	status, err := g.runGit("status", "--short")
	if err != nil {
		return "", &Error{Op: "status", Err: err}
	}
	return status, nil
}

// IsClean returns true if the working tree has no uncommitted changes.
func (g *Context) IsClean() (bool, error) {
	status, err := g.Status()
	if err != nil {
		return false, err
	}
	return status == "", nil
}

// Push pushes the branch to the given remote URL or name.
func (g *Context) Push(remote, branch string) error {
	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	if _, err := g.runGit("push", remote, refspec); err != nil {
		return &Error{Op: "push", Err: err}
	}
	return nil
}

// RemoteURL returns the URL of the specified remote.
func (g *Context) RemoteURL(remote string) (string, error) {
	url, err := g.runGit("remote", "get-url", remote)
	if err != nil {
		return "", &Error{Op: "get remote URL", Err: err}
	}
	return url, nil
}

// SetConfig sets a local repository config value.
func (g *Context) SetConfig(key, value string) error {
	if _, err := g.runGit("config", key, value); err != nil {
		return &Error{Op: "set config", Err: err}
	}
	return nil
}

// ConfigValue reads a local repository config value, "" when unset.
func (g *Context) ConfigValue(key string) string {
	value, err := g.runGit("config", "--get", key)
	if err != nil {
		return ""
	}
	return value
}

// runGit executes a git command in the repository and returns stdout.
func (g *Context) runGit(args ...string) (string, error) {
	return g.runner.Run(g.repoPath, "git", args...)
}
