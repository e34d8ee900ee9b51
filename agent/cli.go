package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultBinary is the agent CLI looked up on PATH when no
	// binary path is configured.
	DefaultBinary = "cursor-agent"

	// DefaultRunTimeout bounds a single agent invocation.
	DefaultRunTimeout = 30 * time.Minute
)

// CLIRunner runs the agent CLI directly on the host.
type CLIRunner struct {
	binaryPath    string
	model         string
	timeout       time.Duration
	workspaceRoot string // overrides the computed workspace root
	logger        *slog.Logger
}

// CLIConfig configures a CLIRunner.
type CLIConfig struct {
	BinaryPath    string        // Path to the agent binary (default: "cursor-agent", env AGENT_CLI_BIN)
	Model         string        // Model passed to the CLI (env AGENT_MODEL)
	Timeout       time.Duration // Default per-run timeout (default: 30m)
	WorkspaceRoot string        // Fixed --workspace value (env AGENT_WORKSPACE_ROOT)
	Logger        *slog.Logger
}

// NewCLIRunner creates a runner for the host agent CLI.
// Returns ErrAgentNotFound if the binary is not installed.
func NewCLIRunner(cfg CLIConfig) (*CLIRunner, error) {
	binaryPath := cfg.BinaryPath
	if binaryPath == "" {
		binaryPath = os.Getenv("AGENT_CLI_BIN")
	}
	if binaryPath == "" {
		binaryPath = DefaultBinary
	}
	if _, err := exec.LookPath(binaryPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, binaryPath)
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("AGENT_MODEL")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultRunTimeout
	}
	workspaceRoot := cfg.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = os.Getenv("AGENT_WORKSPACE_ROOT")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CLIRunner{
		binaryPath:    binaryPath,
		model:         model,
		timeout:       timeout,
		workspaceRoot: workspaceRoot,
		logger:        logger,
	}, nil
}

// Run executes the agent CLI with the given prompt.
func (r *CLIRunner) Run(ctx context.Context, prompt string, opts ...RunOption) (string, error) {
	cfg := &runConfig{
		model:   r.model,
		timeout: r.timeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	fullPrompt := prompt
	if cfg.repoHint || len(cfg.contextRoots) > 0 {
		repoDir := ""
		if cfg.repoHint {
			repoDir = cfg.repoPath
		}
		fullPrompt = promptPrefix(repoDir, cfg.contextRoots) + prompt
	}

	root := r.workspaceRoot
	if root == "" {
		root = commonPath(append([]string{cfg.repoPath}, cfg.contextRoots...))
	}
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		} else {
			root = "."
		}
	}

	args := []string{"--workspace", root}
	if cfg.model != "" {
		args = append(args, "--model", cfg.model)
	}
	args = append(args, "--force", "--print", fullPrompt)

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	if cfg.repoPath != "" {
		cmd.Dir = cfg.repoPath
	}
	cmd.Env = mergeEnv(os.Environ(), cfg.secrets)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running agent CLI",
		"binary", r.binaryPath,
		"workspace", root,
		"repo", cfg.repoPath,
		"model", cfg.model)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrAgentTimeout, cfg.timeout)
		}
		return "", fmt.Errorf("%w: %v: %s", ErrAgentFailed, err, snippet(stderr.String(), 400))
	}

	r.logger.Debug("agent CLI finished",
		"duration", duration,
		"output_len", stdout.Len())

	return stdout.String(), nil
}

// mergeEnv appends extra KEY=VALUE pairs to base, with extras winning
// over any pre-existing key.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, shadowed := extra[key]; shadowed {
				continue
			}
		}
		merged = append(merged, kv)
	}
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// snippet trims text to at most limit characters for error messages.
func snippet(text string, limit int) string {
	s := strings.TrimSpace(text)
	if len(s) <= limit {
		return s
	}
	return strings.TrimRight(s[:limit], " \t\n") + "..."
}
