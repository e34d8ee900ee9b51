package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// ContextRootsEnv names the env var listing host directories exposed
// to agents as read-only context, comma separated.
const ContextRootsEnv = "AGENT_CONTEXT_ROOTS"

// MergeContextRoots combines context-root lists, normalizing each path
// to absolute form and deduplicating. Order matters: earlier lists win
// for ordering, and therefore for container mount indices.
func MergeContextRoots(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, roots := range lists {
		for _, root := range roots {
			p := strings.TrimSpace(root)
			if p == "" {
				continue
			}
			if abs, err := filepath.Abs(p); err == nil {
				p = abs
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ContextRootsFromEnv reads AGENT_CONTEXT_ROOTS.
func ContextRootsFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv(ContextRootsEnv))
	if raw == "" {
		return nil
	}
	return MergeContextRoots(strings.Split(raw, ","))
}
