package workspace

import (
	"context"

	"github.com/randalmurphal/prflow/git"
)

// FallbackDefaultBranch is used when the remote's default branch cannot be
// resolved.
const FallbackDefaultBranch = "main"

// branchToCheckout locates the remote branch to pin the workspace to.
// Branches prefixed "<change id>/" from a prior run win, preferring an exact
// match to the caller's preferred name; failing that, an exact-name remote
// branch. Returns ("", false, nil) when the branch is brand new.
func (r *Reconciler) branchToCheckout(ctx context.Context, g *git.Context, repoURL, preferred, changeID string) (string, bool, error) {
	if r.remote == nil {
		return "", false, nil
	}

	if changeID != "" {
		prefix := SanitizeChangeID(changeID) + "/"
		name, err := r.remote.FindBranchWithPrefix(ctx, repoURL, prefix, preferred)
		if err != nil {
			r.logger.Info("branch prefix search failed", "prefix", prefix, "error", err)
		} else if name != "" {
			r.logger.Info("found in-flight branch", "branch", name, "prefix", prefix)
			return name, true, nil
		}
	}

	exists, err := r.remote.BranchExists(ctx, repoURL, preferred)
	if err != nil {
		r.logger.Info("remote branch lookup failed", "branch", preferred, "error", err)
		return "", false, nil
	}
	if exists {
		r.logger.Info("found existing remote branch", "branch", preferred)
		return preferred, true, nil
	}
	return "", false, nil
}

// ensureBranchFromRemote checks out branch, reconciling local and
// remote-tracking refs. Local commits are discarded only when they are a
// strict ancestor of the remote tip.
func (r *Reconciler) ensureBranchFromRemote(ctx context.Context, g *git.Context, branch, repoURL string) error {
	localExists := g.BranchExists(branch)
	remoteExists := g.RemoteBranchExists(branch)

	if localExists {
		if err := g.Checkout(branch); err != nil {
			return err
		}
		if !remoteExists {
			r.logger.Warn("remote tracking ref missing; keeping local branch", "branch", branch)
			return nil
		}

		localSHA, err := g.RefSHA("refs/heads/" + branch)
		if err != nil {
			return err
		}
		remoteSHA, err := g.RefSHA("refs/remotes/origin/" + branch)
		if err != nil {
			return err
		}

		switch {
		case localSHA == remoteSHA:
			r.logger.Info("local branch up to date with origin", "branch", branch)
		default:
			localIsBehind, err := g.IsAncestor(localSHA, remoteSHA)
			if err != nil {
				return err
			}
			if localIsBehind {
				if err := g.ResetHard(remoteSHA); err != nil {
					return err
				}
				r.logger.Info("fast-forwarded local branch to origin", "branch", branch)
				break
			}
			remoteIsBehind, err := g.IsAncestor(remoteSHA, localSHA)
			if err != nil {
				return err
			}
			if remoteIsBehind {
				r.logger.Info("local branch ahead of remote; keeping local history", "branch", branch)
			} else {
				r.logger.Warn("local branch diverged from remote; keeping local history", "branch", branch)
			}
		}
		return nil
	}

	if !remoteExists {
		// The hosting API said the branch exists but the fetch did not bring
		// a tracking ref. Fall back to the default branch tip.
		return r.createBranchFromDefault(ctx, g, branch, repoURL)
	}

	if err := g.CreateBranchAt(branch, "refs/remotes/origin/"+branch); err != nil {
		return err
	}
	r.logger.Info("created local branch from remote", "branch", branch)
	return g.Checkout(branch)
}

// createBranchFromDefault creates (or reuses) branch off the default branch
// tip and checks it out. When no default branch ref is present locally, HEAD
// is used as the base.
func (r *Reconciler) createBranchFromDefault(ctx context.Context, g *git.Context, branch, repoURL string) error {
	if g.BranchExists(branch) {
		r.logger.Info("reusing existing local branch", "branch", branch)
		return g.Checkout(branch)
	}

	base := "HEAD"
	defaultBranch := r.defaultBranch(ctx, repoURL)
	for _, ref := range []string{"refs/remotes/origin/" + defaultBranch, "refs/heads/" + defaultBranch} {
		if _, err := g.RefSHA(ref); err == nil {
			base = ref
			break
		}
	}

	if err := g.CreateBranchAt(branch, base); err != nil {
		return err
	}
	r.logger.Info("created feature branch", "branch", branch, "base", base)
	return g.Checkout(branch)
}

func (r *Reconciler) defaultBranch(ctx context.Context, repoURL string) string {
	if r.remote != nil {
		if name, err := r.remote.DefaultBranch(ctx, repoURL); err == nil && name != "" {
			return name
		}
	}
	return FallbackDefaultBranch
}
