// Package workspace reconciles on-disk repository workspaces: it derives a
// deterministic path per (repo, change id), reuses or re-clones the working
// copy, and pins it to the desired branch without discarding local work.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	nanoid "github.com/matoous/go-nanoid/v2"

	"github.com/randalmurphal/prflow/git"
	"github.com/randalmurphal/prflow/giturl"
)

// ErrLocalChangeMode is returned when a local directory path is passed for a
// change-mode workspace. Local paths support planning only, since branch and
// default-branch semantics need a hosted remote.
var ErrLocalChangeMode = errors.New("local repository paths support planning mode only")

// CloneResult describes a prepared workspace.
type CloneResult struct {
	Path                 string
	Branch               string
	BranchExistsRemotely bool
}

// RemoteInfo answers hosting-platform branch questions the reconciler cannot
// answer from the clone alone. A nil RemoteInfo means no credential is
// configured and remote lookups are skipped.
type RemoteInfo interface {
	// FindBranchWithPrefix returns the remote branch matching prefix,
	// preferring an exact match to preferred, or "" when none exists.
	FindBranchWithPrefix(ctx context.Context, repoURL, prefix, preferred string) (string, error)

	// BranchExists reports whether the named branch exists on the remote.
	BranchExists(ctx context.Context, repoURL, branch string) (bool, error)

	// DefaultBranch returns the remote's default branch name.
	DefaultBranch(ctx context.Context, repoURL string) (string, error)
}

// Reconciler prepares workspaces under a shared working directory.
type Reconciler struct {
	workingDir string
	token      string
	remote     RemoteInfo
	logger     *slog.Logger
	gitOpts    []git.Option
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithToken sets the token embedded in clone URLs for private repositories.
func WithToken(token string) Option {
	return func(r *Reconciler) { r.token = token }
}

// WithRemoteInfo sets the hosting-platform branch lookup source.
func WithRemoteInfo(remote RemoteInfo) Option {
	return func(r *Reconciler) { r.remote = remote }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithGitOptions forwards options to every git context the reconciler opens.
func WithGitOptions(opts ...git.Option) Option {
	return func(r *Reconciler) { r.gitOpts = opts }
}

// NewReconciler creates a reconciler rooted at workingDir.
func NewReconciler(workingDir string, opts ...Option) *Reconciler {
	r := &Reconciler{
		workingDir: workingDir,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SanitizeChangeID maps a change id to a filesystem- and branch-safe token.
// Characters outside [A-Za-z0-9_-] become "-", runs of "-" collapse, leading
// and trailing "-_" are trimmed, and a degenerate result becomes "change".
func SanitizeChangeID(changeID string) string {
	var b strings.Builder
	for _, c := range changeID {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	safe := b.String()
	for strings.Contains(safe, "--") {
		safe = strings.ReplaceAll(safe, "--", "-")
	}
	safe = strings.Trim(safe, "-_")
	if safe == "" {
		return "change"
	}
	return safe
}

// TargetPath derives the workspace path for a repo. With a change id the path
// is stable across runs; stable mode without one reuses a shared directory;
// otherwise a random suffix keeps workspaces disposable.
func TargetPath(workingDir, repoURL, changeID string, stable bool) string {
	name := workspaceName(repoURL)
	switch {
	case changeID != "":
		return filepath.Join(workingDir, name+"-"+SanitizeChangeID(changeID))
	case stable:
		return filepath.Join(workingDir, name)
	default:
		suffix := nanoid.MustGenerate("0123456789abcdefghijklmnopqrstuvwxyz", 8)
		return filepath.Join(workingDir, name+"-"+suffix)
	}
}

func workspaceName(repoURL string) string {
	if slug := giturl.Slug(repoURL); slug != "" {
		name := strings.ReplaceAll(slug, "/", "__")
		return strings.ReplaceAll(name, "..", ".")
	}
	return giturl.RepoName(repoURL)
}

// PrepareRequest describes the workspace to prepare. An empty Branch selects
// planning mode: clone or reuse only, no branch reconciliation.
type PrepareRequest struct {
	Repo     string // hosted URL, owner/repo slug, or local path (planning only)
	Branch   string
	ChangeID string
	Stable   bool
	ReadOnly bool
}

// Prepare produces a workspace in a known-consistent state.
func (r *Reconciler) Prepare(ctx context.Context, req PrepareRequest) (*CloneResult, error) {
	changeMode := req.Branch != ""

	// Planning can operate directly on an existing local directory.
	if local, err := filepath.Abs(req.Repo); err == nil {
		if info, statErr := os.Stat(local); statErr == nil && info.IsDir() {
			if changeMode {
				return nil, ErrLocalChangeMode
			}
			if req.ReadOnly {
				makeReadOnlyBestEffort(local, r.logger)
			}
			return &CloneResult{Path: local}, nil
		}
	}

	var target string
	if changeMode {
		target = TargetPath(r.workingDir, req.Repo, req.ChangeID, req.ChangeID != "")
	} else {
		target = TargetPath(r.workingDir, req.Repo, "", req.Stable)
	}
	if err := os.MkdirAll(r.workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working dir: %w", err)
	}

	g, err := r.loadOrClone(req.Repo, target)
	if err != nil {
		return nil, err
	}

	if !changeMode {
		if req.ReadOnly {
			makeReadOnlyBestEffort(target, r.logger)
		}
		return &CloneResult{Path: target}, nil
	}

	branch, remoteExists, err := r.branchToCheckout(ctx, g, req.Repo, req.Branch, req.ChangeID)
	if err != nil {
		return nil, err
	}
	if remoteExists {
		if err := r.ensureBranchFromRemote(ctx, g, branch, req.Repo); err != nil {
			return nil, err
		}
		return &CloneResult{Path: target, Branch: branch, BranchExistsRemotely: true}, nil
	}

	if err := r.createBranchFromDefault(ctx, g, req.Branch, req.Repo); err != nil {
		return nil, err
	}
	return &CloneResult{Path: target, Branch: req.Branch}, nil
}

// cloneURL embeds the token for hosted repos when one is configured.
func (r *Reconciler) cloneURL(repoURL string) string {
	if r.token != "" {
		if authed := giturl.TokenAuthURL(repoURL, r.token); authed != "" {
			return authed
		}
	}
	return repoURL
}

// loadOrClone reuses a valid existing clone at target, refreshing its
// remote-tracking refs. Anything invalid or partial is wiped and re-cloned.
func (r *Reconciler) loadOrClone(repoURL, target string) (*git.Context, error) {
	cloneURL := r.cloneURL(repoURL)

	gitDir := filepath.Join(target, ".git")
	if _, err := os.Stat(gitDir); err == nil {
		g, openErr := git.NewContext(target, r.gitOpts...)
		if openErr == nil {
			if fetchErr := g.Fetch("origin"); fetchErr == nil {
				r.logger.Info("reusing workspace", "path", target)
				return g, nil
			}
			r.logger.Warn("workspace fetch failed; recloning", "path", target)
		} else {
			r.logger.Warn("workspace is not a valid repository; recloning", "path", target)
		}
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("remove corrupt workspace: %w", err)
		}
	} else if _, err := os.Stat(target); err == nil {
		// A directory without repository metadata is not trustworthy.
		r.logger.Info("removing non-repository path before clone", "path", target)
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("remove stale path: %w", err)
		}
	}

	r.logger.Info("cloning repository", "repo", giturl.StripAuth(repoURL), "path", target)
	return git.Clone(cloneURL, target, r.gitOpts...)
}

// makeReadOnlyBestEffort strips write bits from a planning workspace. It is a
// convention to discourage mutation, not a security boundary.
func makeReadOnlyBestEffort(path string, logger *slog.Logger) {
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(p, 0o555)
		} else {
			_ = os.Chmod(p, 0o444)
		}
		return nil
	})
	if err != nil {
		logger.Info("could not mark workspace read-only", "path", path, "error", err)
	}
}
