package agent

import (
	"context"
	"log/slog"
	"strings"
)

// RelevanceAgent decides whether a repository is relevant to an
// objective. The agent is asked for a bare yes/no answer; anything that
// cannot be read as an answer counts as not relevant.
type RelevanceAgent struct {
	runner Runner
	logger *slog.Logger
}

// NewRelevanceAgent creates a relevance agent on top of a runner.
func NewRelevanceAgent(runner Runner, logger *slog.Logger) *RelevanceAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelevanceAgent{runner: runner, logger: logger}
}

// Evaluate asks the agent whether the repository matters for the
// objective. Runner failures are returned so the caller can decide how
// to proceed; a successful run with an unreadable answer is false.
func (a *RelevanceAgent) Evaluate(ctx context.Context, repoPath, objective string, opts ...RunOption) (bool, error) {
	prompt := "You are evaluating whether a repository is relevant to an objective.\n" +
		"Objective: " + objective + "\n" +
		"Answer with only 'yes' or 'no'."

	runOpts := append([]RunOption{WithRepo(repoPath), WithRepoHint()}, opts...)
	output, err := a.runner.Run(ctx, prompt, runOpts...)
	if err != nil {
		return false, err
	}

	decision := ParseDecision(output)
	a.logger.Info("relevance decision",
		"repo", repoPath,
		"relevant", decision,
		"output_snippet", snippet(output, 200))
	return decision, nil
}

// ParseDecision extracts a yes/no answer from agent output. Agent CLIs
// often echo reasoning before the final answer, so the tail of the
// output is checked first, newest token to oldest, before falling back
// to a front-to-back scan. Defaults to false.
func ParseDecision(output string) bool {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(output, ".", " ")))

	tail := words
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	for i := len(tail) - 1; i >= 0; i-- {
		if verdict, ok := decisionWord(tail[i]); ok {
			return verdict
		}
	}

	for _, word := range words {
		if verdict, ok := decisionWord(word); ok {
			return verdict
		}
	}
	return false
}

func decisionWord(word string) (verdict, ok bool) {
	switch word {
	case "yes", "y", "true":
		return true, true
	case "no", "n", "false":
		return false, true
	}
	return false, false
}
