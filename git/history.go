package git

import (
	"strings"
)

// CommitParents returns the parent SHAs of a commit. A root commit has none.
func (g *Context) CommitParents(sha string) ([]string, error) {
	out, err := g.runGit("log", "-1", "--format=%P", sha)
	if err != nil {
		return nil, &Error{Op: "read commit parents", Err: err}
	}
	if out == "" {
		return nil, nil
	}
	return strings.Fields(out), nil
}

// IsAncestor reports whether ancestor is reachable from tip via parent links,
// inclusive: a commit is considered its own ancestor. The walk visits each
// commit at most once and is bounded only by repository history.
func (g *Context) IsAncestor(ancestor, tip string) (bool, error) {
	if ancestor == tip {
		return true, nil
	}

	stack := []string{tip}
	seen := make(map[string]struct{})
	for len(stack) > 0 {
		sha := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[sha]; ok {
			continue
		}
		seen[sha] = struct{}{}

		parents, err := g.CommitParents(sha)
		if err != nil {
			// Unreadable objects terminate that path, not the walk.
			continue
		}
		for _, p := range parents {
			if p == ancestor {
				return true, nil
			}
			stack = append(stack, p)
		}
	}
	return false, nil
}

// AheadBehind returns how many commits local is ahead of and behind remote.
func (g *Context) AheadBehind(local, remote string) (ahead, behind int, err error) {
	out, runErr := g.runGit("rev-list", "--left-right", "--count", local+"..."+remote)
	if runErr != nil {
		return 0, 0, &Error{Op: "count ahead/behind", Err: runErr}
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, &Error{Op: "count ahead/behind", Output: out, Err: ErrRefNotFound}
	}
	ahead = atoi(fields[0])
	behind = atoi(fields[1])
	return ahead, behind, nil
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
