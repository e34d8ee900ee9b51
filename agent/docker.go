package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Container mount points. The repo is always bound at the same place so
// prompts can reference stable paths.
const (
	containerWorkspace  = "/workspace"
	containerRepoDir    = "/workspace/repo"
	containerContextDir = "/workspace/context"
)

// DefaultImage is the agent container image used when none is
// configured.
const DefaultImage = "leonpatmore2/cursor-agent:latest"

// DockerRunner runs the agent CLI inside a container. The repository is
// mounted read-write at /workspace/repo and context roots read-only
// under /workspace/context/<n>.
type DockerRunner struct {
	image   string
	model   string
	timeout time.Duration
	envKeys []string // host env vars forwarded into the container
	logger  *slog.Logger
}

// DockerConfig configures a DockerRunner.
type DockerConfig struct {
	Image   string        // Container image (env AGENT_IMAGE)
	Model   string        // Model passed to the CLI (env AGENT_MODEL)
	Timeout time.Duration // Default per-run timeout (default: 30m)
	EnvKeys []string      // Host env vars to forward (env AGENT_ENV_KEYS, comma separated)
	Logger  *slog.Logger
}

// NewDockerRunner creates a container-backed runner.
// Returns ErrAgentNotFound if the docker CLI is not installed.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker", ErrAgentNotFound)
	}

	image := cfg.Image
	if image == "" {
		image = os.Getenv("AGENT_IMAGE")
	}
	if image == "" {
		image = DefaultImage
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("AGENT_MODEL")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultRunTimeout
	}
	envKeys := cfg.EnvKeys
	if len(envKeys) == 0 {
		envKeys = splitEnvKeys(os.Getenv("AGENT_ENV_KEYS"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DockerRunner{
		image:   image,
		model:   model,
		timeout: timeout,
		envKeys: envKeys,
		logger:  logger,
	}, nil
}

// Run executes the agent CLI inside a fresh container.
func (r *DockerRunner) Run(ctx context.Context, prompt string, opts ...RunOption) (string, error) {
	cfg := &runConfig{
		model:   r.model,
		timeout: r.timeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	contextDirs := make([]string, len(cfg.contextRoots))
	for i := range cfg.contextRoots {
		contextDirs[i] = containerContextDir + "/" + strconv.Itoa(i)
	}

	fullPrompt := prompt
	if cfg.repoHint || len(contextDirs) > 0 {
		repoDir := ""
		if cfg.repoHint && cfg.repoPath != "" {
			repoDir = containerRepoDir
		}
		fullPrompt = promptPrefix(repoDir, contextDirs) + prompt
	}

	workdir := containerWorkspace
	args := []string{"run", "--rm"}
	if cfg.repoPath != "" {
		repoAbs, err := filepath.Abs(cfg.repoPath)
		if err != nil {
			return "", fmt.Errorf("resolve repo path: %w", err)
		}
		args = append(args, "-v", repoAbs+":"+containerRepoDir)
		workdir = containerRepoDir
	}
	for i, root := range cfg.contextRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			rootAbs = root
		}
		args = append(args, "-v", rootAbs+":"+contextDirs[i]+":ro")
	}
	args = append(args, "-w", workdir)

	// Forward env by key only. docker resolves the value from the
	// child process environment, so secrets never hit the command line.
	for _, key := range r.envKeys {
		if _, ok := os.LookupEnv(key); ok {
			args = append(args, "-e", key)
		}
	}
	for key := range cfg.secrets {
		args = append(args, "-e", key)
	}

	args = append(args, r.image, DefaultBinary, "--workspace", containerWorkspace)
	if cfg.model != "" {
		args = append(args, "--model", cfg.model)
	}
	args = append(args, "--force", "--print", fullPrompt)

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.secrets)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running agent container",
		"image", r.image,
		"repo", cfg.repoPath,
		"model", cfg.model)

	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrAgentTimeout, cfg.timeout)
		}
		return "", fmt.Errorf("%w: %v: %s", ErrAgentFailed, err, snippet(stderr.String(), 400))
	}

	return stdout.String(), nil
}

func splitEnvKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
