// Package pipeline drives a change across a queue of repositories. One
// repository is processed at a time through a fixed sequence of stages:
// naming, workspace preparation, relevance evaluation, applying the
// change, review, submission, and a CI wait with bounded fix retries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/randalmurphal/prflow/agent"
	"github.com/randalmurphal/prflow/notify"
	"github.com/randalmurphal/prflow/submit"
	"github.com/randalmurphal/prflow/workspace"
)

var (
	// ErrNoPrompt means the run was started without a change prompt.
	ErrNoPrompt = errors.New("pipeline: prompt is required")
	// ErrNoRepos means discovery produced an empty repository queue.
	ErrNoRepos = errors.New("pipeline: no repositories to process")
	// ErrMissingDependency means a required collaborator was not wired.
	ErrMissingDependency = errors.New("pipeline: missing dependency")
)

// WorkspacePreparer clones or reuses a working tree for a repository.
type WorkspacePreparer interface {
	Prepare(ctx context.Context, req workspace.PrepareRequest) (*workspace.CloneResult, error)
}

// ChangeCapability edits a working tree according to instructions.
type ChangeCapability interface {
	Apply(ctx context.Context, repoPath, instructions string, opts ...agent.RunOption) error
}

// ReviewCapability inspects a working tree and reports whether further
// changes are required.
type ReviewCapability interface {
	Review(ctx context.Context, repoPath, taskPrompt string, opts ...agent.RunOption) (bool, string, error)
}

// RelevanceCapability decides whether a repository matters for an objective.
type RelevanceCapability interface {
	Evaluate(ctx context.Context, repoPath, objective string, opts ...agent.RunOption) (bool, error)
}

// NamingCapability proposes a short kebab-case description for a change.
type NamingCapability interface {
	ShortDesc(ctx context.Context, prompt string, opts ...agent.RunOption) string
}

// SubmitCapability commits, pushes, and opens a pull request.
type SubmitCapability interface {
	Submit(ctx context.Context, req submit.Request) (*submit.Result, error)
}

// CIWaiter blocks until CI settles for a pull request.
type CIWaiter interface {
	Wait(ctx context.Context, prURL, expectedHeadSHA string) (bool, string)
}

// Deps holds the collaborators a run needs. Workspaces, Change, Review,
// and Submitter are required. The rest degrade gracefully: a nil Namer
// falls back to generated branch names, a nil CIWait skips the CI
// stage, a nil Planning reuses Workspaces for relevance checkouts.
type Deps struct {
	// Discover fills the repository queue when the state starts empty.
	Discover func(ctx context.Context) ([]string, error)

	Namer      NamingCapability
	Workspaces WorkspacePreparer
	// Planning prepares read-only stable checkouts for relevance
	// evaluation, kept separate so evaluation never touches the
	// change branch.
	Planning  WorkspacePreparer
	Relevance RelevanceCapability
	Change    ChangeCapability
	Review    ReviewCapability
	Submitter SubmitCapability
	CIWait    CIWaiter

	// Cleanup tears down a repo workspace after processing. Errors are
	// logged, never fatal.
	Cleanup func(ctx context.Context, repoURL, path string) error

	// Notify announces run events. Failed notifications never fail the run.
	Notify notify.Notifier

	Logger *slog.Logger
}

func (d *Deps) validate(state *RunState) error {
	if d.Workspaces == nil {
		return fmt.Errorf("%w: workspaces", ErrMissingDependency)
	}
	if d.Change == nil {
		return fmt.Errorf("%w: change capability", ErrMissingDependency)
	}
	if d.Review == nil {
		return fmt.Errorf("%w: review capability", ErrMissingDependency)
	}
	if d.Submitter == nil {
		return fmt.Errorf("%w: submitter", ErrMissingDependency)
	}
	if state.RelevancePrompt != "" && d.Relevance == nil {
		return fmt.Errorf("%w: relevance capability", ErrMissingDependency)
	}
	return nil
}

// Orchestrator advances a RunState through the stage machine.
type Orchestrator struct {
	deps   Deps
	state  *RunState
	logger *slog.Logger

	// repo is the repository currently being processed.
	repo string
	// branchRemote records repos whose change branch already existed
	// on the remote when the workspace was prepared.
	branchRemote map[string]bool
}

// New builds an orchestrator over deps and state.
func New(deps Deps, state *RunState) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:         deps,
		state:        state,
		logger:       logger,
		branchRemote: map[string]bool{},
	}
}

// Run executes the pipeline to completion. Any stage error aborts the
// whole run; the state retains whatever progress was made.
func (o *Orchestrator) Run(ctx context.Context) error {
	stage := StageInit
	for stage != StageEnd {
		next, err := o.step(ctx, stage)
		if err != nil {
			err = fmt.Errorf("stage %s: %w", stage, err)
			o.notify(ctx, notify.Event{
				Type:     notify.EventRunFailed,
				Repo:     o.repo,
				Message:  err.Error(),
				Severity: notify.SeverityError,
			})
			return err
		}
		stage = next
	}
	o.notify(ctx, notify.Event{
		Type: notify.EventRunCompleted,
		Message: fmt.Sprintf("processed %d repos, %d pull requests, %d irrelevant",
			len(o.state.Processed), len(o.state.CreatedPRs), len(o.state.Irrelevant)),
		Severity: notify.SeverityInfo,
	})
	return nil
}

// notify sends a run event if a notifier is configured. Errors are
// logged and dropped.
func (o *Orchestrator) notify(ctx context.Context, event notify.Event) {
	if o.deps.Notify == nil {
		return
	}
	event.RunID = o.state.RunID
	event.Timestamp = time.Now()
	if err := o.deps.Notify.Notify(ctx, event); err != nil {
		o.logger.Warn("notification failed", "event_type", event.Type, "error", err)
	}
}

func (o *Orchestrator) step(ctx context.Context, stage Stage) (Stage, error) {
	switch stage {
	case StageInit:
		return o.runInit(ctx)
	case StageDiscover:
		return o.runDiscover(ctx)
	case StageNextRepo:
		return o.runNextRepo(ctx)
	case StageNaming:
		return o.runNaming(ctx)
	case StageWorkspace:
		return o.runWorkspace(ctx)
	case StageEvaluateRelevance:
		return o.runEvaluateRelevance(ctx)
	case StageApplyChange:
		return o.runApplyChange(ctx)
	case StageReview:
		return o.runReview(ctx)
	case StageSubmit:
		return o.runSubmit(ctx)
	case StageWaitForCI:
		return o.runWaitForCI(ctx)
	case StageCleanup:
		return o.runCleanup(ctx)
	default:
		return StageEnd, fmt.Errorf("unexpected stage %s", stage)
	}
}

func (o *Orchestrator) runInit(ctx context.Context) (Stage, error) {
	if strings.TrimSpace(o.state.Prompt) == "" {
		return StageEnd, ErrNoPrompt
	}
	if err := o.deps.validate(o.state); err != nil {
		return StageEnd, err
	}
	o.state.ContextRoots = agent.MergeContextRoots(o.state.ContextRoots)
	if o.state.Retry == nil {
		o.state.Retry = NewRetryStateFromEnv()
	}
	o.logger.Info("run starting",
		"run_id", o.state.RunID,
		"repos", len(o.state.Repos),
		"context_roots", len(o.state.ContextRoots))
	o.notify(ctx, notify.Event{
		Type:     notify.EventRunStarted,
		Message:  fmt.Sprintf("run started with %d queued repos", len(o.state.Repos)),
		Severity: notify.SeverityInfo,
	})
	return StageDiscover, nil
}

func (o *Orchestrator) runDiscover(ctx context.Context) (Stage, error) {
	if len(o.state.Repos) == 0 && o.deps.Discover != nil {
		repos, err := o.deps.Discover(ctx)
		if err != nil {
			return StageEnd, err
		}
		o.state.Repos = repos
	}
	if len(o.state.Repos) == 0 {
		return StageEnd, ErrNoRepos
	}
	o.logger.Info("repository queue ready", "count", len(o.state.Repos))
	return StageNextRepo, nil
}

func (o *Orchestrator) runNextRepo(ctx context.Context) (Stage, error) {
	if len(o.state.Repos) == 0 {
		o.logger.Info("run complete",
			"processed", len(o.state.Processed),
			"created_prs", len(o.state.CreatedPRs),
			"irrelevant", len(o.state.Irrelevant))
		return StageEnd, nil
	}
	o.repo = o.state.Repos[0]
	o.state.Repos = o.state.Repos[1:]
	o.logger.Info("processing repository", "repo", o.repo, "remaining", len(o.state.Repos))
	return StageNaming, nil
}

func (o *Orchestrator) runNaming(ctx context.Context) (Stage, error) {
	if o.state.Branches[o.repo] != "" {
		return StageWorkspace, nil
	}

	var shortDesc string
	if o.deps.Namer != nil {
		shortDesc = o.deps.Namer.ShortDesc(ctx, o.state.Prompt,
			agent.WithSecrets(o.state.Secrets))
	}
	if shortDesc == "" {
		suffix, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 6)
		if err != nil {
			return StageEnd, fmt.Errorf("generate branch suffix: %w", err)
		}
		shortDesc = "change-" + suffix
	}

	slug := workspace.SanitizeChangeID(strings.ToLower(shortDesc))
	branch := slug
	if o.state.ChangeID != "" {
		branch = workspace.SanitizeChangeID(o.state.ChangeID) + "/" + slug
	}
	o.state.Branches[o.repo] = branch

	title := titleFromSlug(slug)
	o.state.PRTitles[o.repo] = title
	o.state.CommitMessages[o.repo] = title
	o.logger.Info("change named", "repo", o.repo, "branch", branch)
	return StageWorkspace, nil
}

// titleFromSlug turns a kebab-case slug into a sentence-style title.
func titleFromSlug(slug string) string {
	words := strings.Split(strings.ReplaceAll(slug, "-", " "), " ")
	out := strings.TrimSpace(strings.Join(words, " "))
	if out == "" {
		return out
	}
	return strings.ToUpper(out[:1]) + out[1:]
}

func (o *Orchestrator) runWorkspace(ctx context.Context) (Stage, error) {
	res, err := o.deps.Workspaces.Prepare(ctx, workspace.PrepareRequest{
		Repo:     o.repo,
		Branch:   o.state.Branches[o.repo],
		ChangeID: o.state.ChangeID,
	})
	if err != nil {
		return StageEnd, err
	}
	o.state.Cloned[o.repo] = res.Path
	o.state.Branches[o.repo] = res.Branch
	o.branchRemote[o.repo] = res.BranchExistsRemotely
	o.logger.Info("workspace ready",
		"repo", o.repo,
		"path", res.Path,
		"branch", res.Branch,
		"branch_exists_remotely", res.BranchExistsRemotely)
	return StageEvaluateRelevance, nil
}

func (o *Orchestrator) runEvaluateRelevance(ctx context.Context) (Stage, error) {
	if o.branchRemote[o.repo] {
		// Work already started on this branch; never re-litigate relevance.
		o.logger.Info("branch exists remotely, skipping relevance check", "repo", o.repo)
		o.state.Relevant = append(o.state.Relevant, o.repo)
		return StageApplyChange, nil
	}
	if o.state.RelevancePrompt == "" {
		o.state.Relevant = append(o.state.Relevant, o.repo)
		return StageApplyChange, nil
	}

	planning := o.deps.Planning
	if planning == nil {
		planning = o.deps.Workspaces
	}
	stable, err := planning.Prepare(ctx, workspace.PrepareRequest{
		Repo:     o.repo,
		Stable:   true,
		ReadOnly: true,
	})
	if err != nil {
		return StageEnd, fmt.Errorf("prepare planning checkout: %w", err)
	}

	relevant, err := o.deps.Relevance.Evaluate(ctx, stable.Path, o.state.RelevancePrompt,
		agent.WithSecrets(o.state.Secrets))
	if err != nil {
		return StageEnd, err
	}
	if !relevant {
		o.logger.Info("repository not relevant, skipping", "repo", o.repo)
		o.state.Irrelevant = append(o.state.Irrelevant, o.repo)
		o.notify(ctx, notify.Event{
			Type:     notify.EventRepoSkipped,
			Repo:     o.repo,
			Message:  "repository judged not relevant",
			Severity: notify.SeverityInfo,
		})
		return StageNextRepo, nil
	}
	o.state.Relevant = append(o.state.Relevant, o.repo)
	return StageApplyChange, nil
}

func (o *Orchestrator) runApplyChange(ctx context.Context) (Stage, error) {
	ciDigest, reviewFeedback := o.state.Retry.TakePending(o.repo)
	instructions := BuildInstructions(ciDigest, reviewFeedback, o.state.Prompt)

	err := o.deps.Change.Apply(ctx, o.state.Cloned[o.repo], instructions,
		agent.WithContextRoots(o.state.ContextRoots...),
		agent.WithSecrets(o.state.Secrets))
	if err != nil {
		return StageEnd, err
	}
	o.state.Processed = append(o.state.Processed, o.repo)
	return StageReview, nil
}

func (o *Orchestrator) runReview(ctx context.Context) (Stage, error) {
	needsChanges, feedback, err := o.deps.Review.Review(ctx, o.state.Cloned[o.repo], o.state.Prompt,
		agent.WithContextRoots(o.state.ContextRoots...),
		agent.WithSecrets(o.state.Secrets))
	if err != nil {
		return StageEnd, err
	}

	if !needsChanges {
		o.state.ReviewFeedback[o.repo] = agent.VerdictReady
		return StageSubmit, nil
	}

	if feedback == "" {
		feedback = "Changes required."
	}
	o.state.ReviewFeedback[o.repo] = feedback
	if o.state.Retry.RequestReviewRetry(o.repo, feedback) {
		o.logger.Info("review requested changes, retrying",
			"repo", o.repo,
			"attempt", o.state.Retry.ReviewAttempts(o.repo))
		return StageApplyChange, nil
	}
	o.logger.Warn("review retries exhausted, submitting anyway", "repo", o.repo)
	return StageSubmit, nil
}

func (o *Orchestrator) runSubmit(ctx context.Context) (Stage, error) {
	res, err := o.deps.Submitter.Submit(ctx, submit.Request{
		RepoPath:      o.state.Cloned[o.repo],
		ChangePrompt:  o.state.Prompt,
		Branch:        o.state.Branches[o.repo],
		PRTitle:       o.state.PRTitles[o.repo],
		CommitMessage: o.state.CommitMessages[o.repo],
	})
	if err != nil {
		return StageEnd, err
	}
	if res != nil {
		// Key the record by the repo identifier the run uses, not by
		// whatever URL form the submitter derived.
		res.RepoURL = o.repo
		o.state.CreatedPRs = append(o.state.CreatedPRs, *res)
		o.logger.Info("pull request submitted", "repo", o.repo, "pr_url", res.PRURL)
		o.notify(ctx, notify.Event{
			Type:     notify.EventPRCreated,
			Repo:     o.repo,
			PRURL:    res.PRURL,
			Message:  "pull request submitted",
			Severity: notify.SeverityInfo,
			Metadata: map[string]any{"branch": res.Branch},
		})
	}
	return StageWaitForCI, nil
}

func (o *Orchestrator) runWaitForCI(ctx context.Context) (Stage, error) {
	pr := o.state.lastPRFor(o.repo)
	if pr == nil || pr.PRURL == "" {
		return StageCleanup, nil
	}
	if o.deps.CIWait == nil {
		o.logger.Warn("no CI monitor configured, skipping CI wait", "repo", o.repo)
		return StageCleanup, nil
	}

	ok, msg := o.deps.CIWait.Wait(ctx, pr.PRURL, pr.PushedSHA)
	if ok {
		o.logger.Info("CI passed", "repo", o.repo, "pr_url", pr.PRURL)
		return StageCleanup, nil
	}
	if o.state.Retry.RequestCIRetry(o.repo, msg) {
		o.logger.Info("CI failed, retrying with failure digest",
			"repo", o.repo,
			"attempt", o.state.Retry.CIAttempts(o.repo))
		return StageApplyChange, nil
	}
	o.logger.Warn("CI fix retries exhausted", "repo", o.repo, "pr_url", pr.PRURL)
	o.notify(ctx, notify.Event{
		Type:     notify.EventCIFailed,
		Repo:     o.repo,
		PRURL:    pr.PRURL,
		Message:  "CI still failing after all fix attempts",
		Severity: notify.SeverityWarning,
	})
	return StageCleanup, nil
}

func (o *Orchestrator) runCleanup(ctx context.Context) (Stage, error) {
	if o.deps.Cleanup != nil {
		if err := o.deps.Cleanup(ctx, o.repo, o.state.Cloned[o.repo]); err != nil {
			o.logger.Warn("workspace cleanup failed", "repo", o.repo, "error", err)
		}
	}
	o.repo = ""
	return StageNextRepo, nil
}
