package agent

import (
	"context"
	"log/slog"
	"strings"
)

// Review verdict lines the reviewing agent is instructed to emit.
const (
	VerdictReady           = "READY_TO_COMMIT"
	VerdictChangesRequired = "CHANGES_REQUIRED"
)

// Fail-safe feedback used when the reviewer gives no usable signal.
// Both route the run back through another change attempt rather than
// submitting unreviewed work.
const (
	emptyReviewFeedback = "Review output was empty; please re-run review and provide required fixes."
	bareVerdictFeedback = "Changes required (no details provided)."
)

// ReviewAgent inspects uncommitted work in a repository before it is
// submitted and decides whether another change pass is needed.
type ReviewAgent struct {
	runner Runner
	logger *slog.Logger
}

// NewReviewAgent creates a review agent on top of a runner.
func NewReviewAgent(runner Runner, logger *slog.Logger) *ReviewAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewAgent{runner: runner, logger: logger}
}

// Review runs the reviewer against the repository. It returns
// needsChanges=true with feedback to feed back into the next change
// attempt, or needsChanges=false when the work is ready to submit.
func (a *ReviewAgent) Review(ctx context.Context, repoPath, taskPrompt string, opts ...RunOption) (bool, string, error) {
	prompt := buildReviewPrompt(taskPrompt)

	runOpts := append([]RunOption{WithRepo(repoPath), WithRepoHint()}, opts...)
	output, err := a.runner.Run(ctx, prompt, runOpts...)
	if err != nil {
		return false, "", err
	}

	needsChanges, feedback := ParseReviewOutput(output)
	a.logger.Info("review verdict",
		"repo", repoPath,
		"needs_changes", needsChanges,
		"feedback_snippet", snippet(feedback, 400))
	return needsChanges, feedback, nil
}

func buildReviewPrompt(taskPrompt string) string {
	var b strings.Builder
	b.WriteString("You are reviewing the current repository state BEFORE submitting a PR.\n")
	b.WriteString("Please inspect all uncommitted work (unstaged + staged + untracked).\n")
	b.WriteString("\n")
	b.WriteString("Important workflow context:\n")
	b.WriteString("- Do NOT require changes to be staged. The submit step will stage everything automatically.\n")
	b.WriteString("\n")
	b.WriteString("Review rules:\n")
	b.WriteString("- Treat the Task instructions (if provided below) as the source of truth.\n")
	b.WriteString("- Only require changes if they are necessary for correctness, security (no leaked secrets/tokens),\n")
	b.WriteString("  or to satisfy explicit requirements in the Task instructions.\n")
	b.WriteString("- Do not request stylistic refactors or generic best-practice changes unless explicitly required.\n")
	b.WriteString("- Example: flag unintended generated/build artifacts that got staged/committed (e.g. build outputs,\n")
	b.WriteString("  dependency directories, caches). Require reverting them and/or adding correct `.gitignore` rules.\n")
	if task := strings.TrimSpace(taskPrompt); task != "" {
		b.WriteString("\nTask instructions (source of truth):\n----\n")
		b.WriteString(task)
		b.WriteString("\n----\n")
	}
	b.WriteString("\n")
	b.WriteString("You may run any relevant commands (e.g. git status, git diff, tests) and read files.\n")
	b.WriteString("If changes are needed before submitting, list them clearly.\n")
	b.WriteString("\n")
	b.WriteString("IMPORTANT OUTPUT FORMAT (no extra text):\n")
	b.WriteString("- If the repo is ready, output exactly: " + VerdictReady + "\n")
	b.WriteString("- Otherwise output exactly: " + VerdictChangesRequired + "\\n<bullet list of required changes>\n")
	return b.String()
}

// ParseReviewOutput interprets the reviewer's output contract. The
// first non-blank line is the verdict; everything after it is feedback.
// Any output that does not match the contract is treated as requiring
// changes, with the raw text forwarded as feedback.
func ParseReviewOutput(output string) (needsChanges bool, feedback string) {
	text := strings.TrimSpace(output)
	if text == "" {
		return true, emptyReviewFeedback
	}

	first := ""
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			first = strings.ToUpper(line)
			break
		}
	}

	if first == VerdictReady {
		return false, ""
	}

	if strings.HasPrefix(first, VerdictChangesRequired) {
		_, rest, _ := strings.Cut(text, "\n")
		if rest = strings.TrimSpace(rest); rest != "" {
			return true, rest
		}
		return true, bareVerdictFeedback
	}

	return true, text
}
