package pipeline

import (
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/randalmurphal/prflow/submit"
)

// RunState carries everything a run reads and writes. It is owned by
// the orchestrator: created once, mutated in place by each stage, and
// discarded when the run ends. Secret values must never be logged.
type RunState struct {
	// RunID identifies this run in logs and notifications.
	RunID string

	Prompt          string
	RelevancePrompt string
	ChangeID        string
	WorkingDir      string
	ContextRoots    []string
	Secrets         map[string]string

	// Repos is the FIFO queue of repositories left to process.
	Repos []string

	// Per-repo bookkeeping, keyed by repo identifier.
	Cloned         map[string]string
	Branches       map[string]string
	PRTitles       map[string]string
	CommitMessages map[string]string

	Relevant   []string
	Processed  []string
	Irrelevant []string

	// CreatedPRs is append-only; at most one entry per successful
	// submission per repo.
	CreatedPRs []submit.Result

	// ReviewFeedback holds the raw verdict of the last review per repo.
	ReviewFeedback map[string]string

	Retry *RetryState
}

// NewRunState creates a run state with initialized maps and retry
// budgets read from the environment.
func NewRunState(prompt, workingDir string) *RunState {
	runID, _ := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
	return &RunState{
		RunID:          runID,
		Prompt:         prompt,
		WorkingDir:     workingDir,
		Cloned:         map[string]string{},
		Branches:       map[string]string{},
		PRTitles:       map[string]string{},
		CommitMessages: map[string]string{},
		ReviewFeedback: map[string]string{},
		Retry:          NewRetryStateFromEnv(),
	}
}

// lastPRFor returns the most recent created-PR record for repo, or nil.
func (s *RunState) lastPRFor(repo string) *submit.Result {
	for i := len(s.CreatedPRs) - 1; i >= 0; i-- {
		if s.CreatedPRs[i].RepoURL == repo {
			return &s.CreatedPRs[i]
		}
	}
	return nil
}

// BuildInstructions assembles the text handed to the change capability.
// Pending CI failures come first, then review feedback, then the
// original prompt, each clearly labeled so the agent can prioritize.
func BuildInstructions(ciDigest, reviewFeedback, prompt string) string {
	ci := strings.TrimSpace(ciDigest)
	review := strings.TrimSpace(reviewFeedback)
	if ci == "" && review == "" {
		return prompt
	}

	var sections []string
	if ci != "" {
		sections = append(sections,
			"## CRITICAL: Fix failing CI / GitHub Actions\n"+
				"The PR is failing CI. Use the logs below to fix the issue.\n"+
				"If there is a conflict, prioritize this section.\n\n"+
				ci+"\n")
	}
	if review != "" {
		sections = append(sections,
			"## CRITICAL: Address review feedback\n"+
				"Apply the following review feedback before doing anything else.\n"+
				"If there is a conflict, prioritize this section.\n\n"+
				review+"\n")
	}

	return strings.TrimRight(strings.Join(sections, "\n\n"), "\n") + "\n\n" +
		"## Original request (retain intent)\n" +
		strings.TrimSpace(prompt) + "\n"
}
