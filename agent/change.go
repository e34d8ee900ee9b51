package agent

import "context"

// ChangeAgent applies a change prompt to a repository checkout. Any
// runner failure aborts the run for that repository; partial edits left
// behind by a failed agent are never committed.
type ChangeAgent struct {
	runner Runner
}

// NewChangeAgent creates a change agent on top of a runner.
func NewChangeAgent(runner Runner) *ChangeAgent {
	return &ChangeAgent{runner: runner}
}

// Apply runs the agent with full edit access to the repository.
func (a *ChangeAgent) Apply(ctx context.Context, repoPath, prompt string, opts ...RunOption) error {
	runOpts := append([]RunOption{WithRepo(repoPath), WithRepoHint()}, opts...)
	_, err := a.runner.Run(ctx, prompt, runOpts...)
	return err
}
