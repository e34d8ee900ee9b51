// Package agent wraps an external coding-agent CLI for structured
// invocation. A Runner executes a single prompt against a repository
// checkout; the typed agents (ChangeAgent, ReviewAgent, RelevanceAgent,
// NamingAgent) layer a prompt contract and output parsing on top.
package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Agent CLI errors
var (
	// ErrAgentNotFound indicates the agent CLI binary was not found.
	ErrAgentNotFound = errors.New("agent CLI not found")

	// ErrAgentTimeout indicates the agent run timed out.
	ErrAgentTimeout = errors.New("agent run timed out")

	// ErrAgentFailed indicates the agent CLI exited with an error.
	ErrAgentFailed = errors.New("agent run failed")
)

// Runner executes a prompt against an optional repository checkout and
// returns the agent's final text output.
type Runner interface {
	Run(ctx context.Context, prompt string, opts ...RunOption) (string, error)
}

// runConfig holds configuration for a single run.
type runConfig struct {
	repoPath     string            // Repository the agent may edit (empty = none)
	contextRoots []string          // Read-only reference directories
	secrets      map[string]string // Extra environment for the agent process
	model        string
	timeout      time.Duration
	repoHint     bool // Prefix the prompt with repo/context locations
}

// RunOption configures a Run invocation.
type RunOption func(*runConfig)

// WithRepo points the agent at a repository checkout it may edit.
func WithRepo(path string) RunOption {
	return func(cfg *runConfig) {
		cfg.repoPath = path
	}
}

// WithContextRoots adds read-only directories the agent may consult.
func WithContextRoots(roots ...string) RunOption {
	return func(cfg *runConfig) {
		cfg.contextRoots = append(cfg.contextRoots, roots...)
	}
}

// WithSecrets merges extra environment variables into the agent process.
// Values are passed through the environment and never appear on the
// command line or in logs.
func WithSecrets(secrets map[string]string) RunOption {
	return func(cfg *runConfig) {
		if cfg.secrets == nil {
			cfg.secrets = make(map[string]string, len(secrets))
		}
		for k, v := range secrets {
			cfg.secrets[k] = v
		}
	}
}

// WithModel overrides the model for this run.
func WithModel(model string) RunOption {
	return func(cfg *runConfig) {
		cfg.model = model
	}
}

// WithRunTimeout overrides the timeout for this run.
func WithRunTimeout(d time.Duration) RunOption {
	return func(cfg *runConfig) {
		cfg.timeout = d
	}
}

// WithRepoHint prefixes the prompt with the repo and context locations
// so the agent knows where to work.
func WithRepoHint() RunOption {
	return func(cfg *runConfig) {
		cfg.repoHint = true
	}
}

// promptPrefix builds the location hint prepended to agent prompts.
// repoDir may be empty when the run has no editable repository.
func promptPrefix(repoDir string, contextDirs []string) string {
	var sections []string
	if repoDir != "" {
		sections = append(sections,
			"Target repository to edit is located at: "+repoDir+"\n"+
				"Treat "+repoDir+" as the repo root.")
	}
	if len(contextDirs) > 0 {
		more := ""
		if rest := len(contextDirs) - 1; rest > 0 {
			more = " (and " + strconv.Itoa(rest) + " more)"
		}
		sections = append(sections,
			"Additional read-only context is available at:\n"+
				"- "+contextDirs[0]+more+"\n"+
				"Use this for reference only; do not modify it. "+
				"If your prompt contains any links to external code, always check this context "+
				"for the most up-to-date code.")
	}
	if len(sections) == 0 {
		return ""
	}
	return strings.Join(sections, "\n\n") + "\n\n"
}

// commonPath returns the deepest directory containing every path.
// Paths are made absolute first; an empty slice yields "".
func commonPath(paths []string) string {
	var abs []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		a, err := filepath.Abs(p)
		if err != nil {
			a = p
		}
		abs = append(abs, filepath.Clean(a))
	}
	if len(abs) == 0 {
		return ""
	}

	sep := string(filepath.Separator)
	common := strings.Split(abs[0], sep)
	for _, p := range abs[1:] {
		parts := strings.Split(p, sep)
		if len(parts) < len(common) {
			common = common[:len(parts)]
		}
		for i := range common {
			if common[i] != parts[i] {
				common = common[:i]
				break
			}
		}
	}
	root := strings.Join(common, sep)
	if root == "" {
		root = sep
	}
	return root
}
