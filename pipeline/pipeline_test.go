package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/randalmurphal/prflow/agent"
	"github.com/randalmurphal/prflow/submit"
	"github.com/randalmurphal/prflow/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventLog records cross-capability ordering so tests can assert that
// one repo finishes before the next begins.
type eventLog struct {
	events []string
}

func (l *eventLog) add(event string) { l.events = append(l.events, event) }

type fakeWorkspaces struct {
	log *eventLog
	// remoteBranches marks repos whose branch already exists remotely.
	remoteBranches map[string]bool
	planningCalls  []workspace.PrepareRequest
	err            error
}

func (f *fakeWorkspaces) Prepare(_ context.Context, req workspace.PrepareRequest) (*workspace.CloneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if req.Stable || req.ReadOnly {
		f.planningCalls = append(f.planningCalls, req)
		return &workspace.CloneResult{Path: "/planning/" + req.Repo, Branch: "main"}, nil
	}
	if f.log != nil {
		f.log.add("prepare " + req.Repo)
	}
	return &workspace.CloneResult{
		Path:                 "/work/" + req.Repo,
		Branch:               req.Branch,
		BranchExistsRemotely: f.remoteBranches[req.Repo],
	}, nil
}

type fakeChange struct {
	log          *eventLog
	instructions []string
	err          error
}

func (f *fakeChange) Apply(_ context.Context, repoPath, instructions string, _ ...agent.RunOption) error {
	f.instructions = append(f.instructions, instructions)
	if f.log != nil {
		f.log.add("apply " + repoPath)
	}
	return f.err
}

type reviewVerdict struct {
	needsChanges bool
	feedback     string
}

type fakeReview struct {
	verdicts []reviewVerdict
	calls    int
	err      error
}

func (f *fakeReview) Review(_ context.Context, _, _ string, _ ...agent.RunOption) (bool, string, error) {
	if f.err != nil {
		return false, "", f.err
	}
	f.calls++
	if len(f.verdicts) == 0 {
		return false, "", nil
	}
	v := f.verdicts[0]
	if len(f.verdicts) > 1 {
		f.verdicts = f.verdicts[1:]
	}
	return v.needsChanges, v.feedback, nil
}

type fakeRelevance struct {
	decisions map[string]bool
	calls     []string
}

func (f *fakeRelevance) Evaluate(_ context.Context, repoPath, _ string, _ ...agent.RunOption) (bool, error) {
	f.calls = append(f.calls, repoPath)
	return f.decisions[repoPath], nil
}

type fakeNamer struct {
	desc string
}

func (f *fakeNamer) ShortDesc(context.Context, string, ...agent.RunOption) string { return f.desc }

type fakeSubmitter struct {
	log      *eventLog
	requests []submit.Request
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req submit.Request) (*submit.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	if f.log != nil {
		f.log.add("submit " + req.RepoPath)
	}
	return &submit.Result{
		RepoURL:   "https://example.invalid/ignored",
		Branch:    req.Branch,
		PRURL:     "https://github.com/acme/demo/pull/7",
		PushedSHA: "abc123",
	}, nil
}

type ciResult struct {
	ok  bool
	msg string
}

type fakeCI struct {
	results []ciResult
	calls   int
}

func (f *fakeCI) Wait(_ context.Context, _, _ string) (bool, string) {
	f.calls++
	if len(f.results) == 0 {
		return true, ""
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.ok, r.msg
}

func newTestState(repos ...string) *RunState {
	st := NewRunState("Add a retry budget to the worker pool", "/tmp/work")
	st.Repos = repos
	st.Retry = NewRetryState(2, 2)
	return st
}

func TestRunProcessesReposSequentially(t *testing.T) {
	log := &eventLog{}
	ws := &fakeWorkspaces{log: log}
	change := &fakeChange{log: log}
	sub := &fakeSubmitter{log: log}
	ci := &fakeCI{}

	st := newTestState("https://github.com/acme/api", "https://github.com/acme/worker")
	st.ChangeID = "PROJ-42"

	o := New(Deps{
		Namer:      &fakeNamer{desc: "add-retry-budget"},
		Workspaces: ws,
		Change:     change,
		Review:     &fakeReview{},
		Submitter:  sub,
		CIWait:     ci,
		Logger:     quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"prepare https://github.com/acme/api",
		"apply /work/https://github.com/acme/api",
		"submit /work/https://github.com/acme/api",
		"prepare https://github.com/acme/worker",
		"apply /work/https://github.com/acme/worker",
		"submit /work/https://github.com/acme/worker",
	}
	if len(log.events) != len(want) {
		t.Fatalf("events = %v", log.events)
	}
	for i, e := range want {
		if log.events[i] != e {
			t.Fatalf("event[%d] = %q, want %q\nall: %v", i, log.events[i], e, log.events)
		}
	}

	if len(st.CreatedPRs) != 2 {
		t.Fatalf("CreatedPRs = %d, want 2", len(st.CreatedPRs))
	}
	if st.CreatedPRs[0].RepoURL != "https://github.com/acme/api" {
		t.Fatalf("CreatedPRs[0].RepoURL = %q, want the repo identifier", st.CreatedPRs[0].RepoURL)
	}
	if got := st.Branches["https://github.com/acme/api"]; got != "PROJ-42/add-retry-budget" {
		t.Fatalf("branch = %q", got)
	}
	if got := st.PRTitles["https://github.com/acme/api"]; got != "Add retry budget" {
		t.Fatalf("PR title = %q", got)
	}
	if ci.calls != 2 {
		t.Fatalf("CI waits = %d, want 2", ci.calls)
	}
	if len(st.Irrelevant) != 0 {
		t.Fatalf("Irrelevant = %v, want empty", st.Irrelevant)
	}
}

func TestRunReviewRetriesThenSubmits(t *testing.T) {
	change := &fakeChange{}
	review := &fakeReview{verdicts: []reviewVerdict{{needsChanges: true, feedback: "split the handler"}}}
	sub := &fakeSubmitter{}

	st := newTestState("https://github.com/acme/api")
	st.Retry = NewRetryState(2, 0)

	o := New(Deps{
		Namer:      &fakeNamer{desc: "refactor-handler"},
		Workspaces: &fakeWorkspaces{},
		Change:     change,
		Review:     review,
		Submitter:  sub,
		Logger:     quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Initial apply plus one per granted retry.
	if len(change.instructions) != 3 {
		t.Fatalf("Apply called %d times, want 3", len(change.instructions))
	}
	if change.instructions[0] != st.Prompt {
		t.Fatalf("first instructions should be the bare prompt, got %q", change.instructions[0])
	}
	second := change.instructions[1]
	if !strings.Contains(second, "## CRITICAL: Address review feedback") {
		t.Fatalf("retry instructions missing review section:\n%s", second)
	}
	if !strings.Contains(second, "split the handler") {
		t.Fatalf("retry instructions missing feedback:\n%s", second)
	}
	if !strings.Contains(second, "## Original request (retain intent)") {
		t.Fatalf("retry instructions missing original request:\n%s", second)
	}
	if len(sub.requests) != 1 {
		t.Fatalf("Submit called %d times, want 1", len(sub.requests))
	}
	if st.ReviewFeedback["https://github.com/acme/api"] != "split the handler" {
		t.Fatalf("ReviewFeedback = %q", st.ReviewFeedback["https://github.com/acme/api"])
	}
}

func TestRunCIFailureRetries(t *testing.T) {
	change := &fakeChange{}
	ci := &fakeCI{results: []ciResult{
		{ok: false, msg: "job lint failed: undefined variable"},
		{ok: true},
	}}
	sub := &fakeSubmitter{}

	st := newTestState("https://github.com/acme/api")
	st.Retry = NewRetryState(0, 2)

	o := New(Deps{
		Namer:      &fakeNamer{desc: "fix-lint"},
		Workspaces: &fakeWorkspaces{},
		Change:     change,
		Review:     &fakeReview{},
		Submitter:  sub,
		CIWait:     ci,
		Logger:     quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(change.instructions) != 2 {
		t.Fatalf("Apply called %d times, want 2", len(change.instructions))
	}
	second := change.instructions[1]
	if !strings.Contains(second, "## CRITICAL: Fix failing CI / GitHub Actions") {
		t.Fatalf("retry instructions missing CI section:\n%s", second)
	}
	if !strings.Contains(second, "job lint failed: undefined variable") {
		t.Fatalf("retry instructions missing failure digest:\n%s", second)
	}
	if ci.calls != 2 {
		t.Fatalf("CI waits = %d, want 2", ci.calls)
	}
	if len(sub.requests) != 2 {
		t.Fatalf("Submit called %d times, want 2", len(sub.requests))
	}
}

func TestRunIrrelevantRepoSkipped(t *testing.T) {
	ws := &fakeWorkspaces{}
	rel := &fakeRelevance{decisions: map[string]bool{
		"/planning/https://github.com/acme/docs": false,
		"/planning/https://github.com/acme/api":  true,
	}}
	sub := &fakeSubmitter{}

	st := newTestState("https://github.com/acme/docs", "https://github.com/acme/api")
	st.RelevancePrompt = "Does this repo serve HTTP traffic?"

	o := New(Deps{
		Namer:      &fakeNamer{desc: "tune-timeouts"},
		Workspaces: ws,
		Relevance:  rel,
		Change:     &fakeChange{},
		Review:     &fakeReview{},
		Submitter:  sub,
		Logger:     quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(st.Irrelevant) != 1 || st.Irrelevant[0] != "https://github.com/acme/docs" {
		t.Fatalf("Irrelevant = %v", st.Irrelevant)
	}
	if len(sub.requests) != 1 {
		t.Fatalf("Submit called %d times, want 1", len(sub.requests))
	}
	if len(ws.planningCalls) != 2 {
		t.Fatalf("planning prepares = %d, want 2", len(ws.planningCalls))
	}
	for _, req := range ws.planningCalls {
		if !req.Stable || !req.ReadOnly {
			t.Fatalf("planning prepare should be stable and read-only: %+v", req)
		}
	}
}

func TestRunRemoteBranchSkipsRelevance(t *testing.T) {
	repo := "https://github.com/acme/api"
	ws := &fakeWorkspaces{remoteBranches: map[string]bool{repo: true}}
	rel := &fakeRelevance{decisions: map[string]bool{}}
	sub := &fakeSubmitter{}

	st := newTestState(repo)
	st.RelevancePrompt = "Is this repo relevant?"

	o := New(Deps{
		Namer:      &fakeNamer{desc: "resume-work"},
		Workspaces: ws,
		Relevance:  rel,
		Change:     &fakeChange{},
		Review:     &fakeReview{},
		Submitter:  sub,
		Logger:     quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rel.calls) != 0 {
		t.Fatalf("relevance should be skipped for remote branches, got calls %v", rel.calls)
	}
	if len(sub.requests) != 1 {
		t.Fatalf("Submit called %d times, want 1", len(sub.requests))
	}
}

func TestRunDiscoverFillsQueue(t *testing.T) {
	sub := &fakeSubmitter{}
	st := newTestState()

	o := New(Deps{
		Discover: func(context.Context) ([]string, error) {
			return []string{"https://github.com/acme/api"}, nil
		},
		Namer:      &fakeNamer{desc: "discovered-change"},
		Workspaces: &fakeWorkspaces{},
		Change:     &fakeChange{},
		Review:     &fakeReview{},
		Submitter:  sub,
		Logger:     quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sub.requests) != 1 {
		t.Fatalf("Submit called %d times, want 1", len(sub.requests))
	}
}

func TestRunNamingFallback(t *testing.T) {
	st := newTestState("https://github.com/acme/api")

	o := New(Deps{
		Workspaces: &fakeWorkspaces{},
		Change:     &fakeChange{},
		Review:     &fakeReview{},
		Submitter:  &fakeSubmitter{},
		Logger:     quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	branch := st.Branches["https://github.com/acme/api"]
	if !strings.HasPrefix(branch, "change-") || len(branch) != len("change-")+6 {
		t.Fatalf("fallback branch = %q", branch)
	}
}

func TestRunValidation(t *testing.T) {
	t.Run("no prompt", func(t *testing.T) {
		st := newTestState("repo")
		st.Prompt = "  "
		o := New(Deps{
			Workspaces: &fakeWorkspaces{},
			Change:     &fakeChange{},
			Review:     &fakeReview{},
			Submitter:  &fakeSubmitter{},
			Logger:     quietLogger(),
		}, st)
		if err := o.Run(context.Background()); !errors.Is(err, ErrNoPrompt) {
			t.Fatalf("err = %v, want ErrNoPrompt", err)
		}
	})

	t.Run("no repos", func(t *testing.T) {
		o := New(Deps{
			Workspaces: &fakeWorkspaces{},
			Change:     &fakeChange{},
			Review:     &fakeReview{},
			Submitter:  &fakeSubmitter{},
			Logger:     quietLogger(),
		}, newTestState())
		if err := o.Run(context.Background()); !errors.Is(err, ErrNoRepos) {
			t.Fatalf("err = %v, want ErrNoRepos", err)
		}
	})

	t.Run("relevance prompt without capability", func(t *testing.T) {
		st := newTestState("repo")
		st.RelevancePrompt = "relevant?"
		o := New(Deps{
			Workspaces: &fakeWorkspaces{},
			Change:     &fakeChange{},
			Review:     &fakeReview{},
			Submitter:  &fakeSubmitter{},
			Logger:     quietLogger(),
		}, st)
		if err := o.Run(context.Background()); !errors.Is(err, ErrMissingDependency) {
			t.Fatalf("err = %v, want ErrMissingDependency", err)
		}
	})

	t.Run("missing submitter", func(t *testing.T) {
		o := New(Deps{
			Workspaces: &fakeWorkspaces{},
			Change:     &fakeChange{},
			Review:     &fakeReview{},
			Logger:     quietLogger(),
		}, newTestState("repo"))
		if err := o.Run(context.Background()); !errors.Is(err, ErrMissingDependency) {
			t.Fatalf("err = %v, want ErrMissingDependency", err)
		}
	})
}

func TestRunStageErrorAborts(t *testing.T) {
	ws := &fakeWorkspaces{err: errors.New("clone failed")}
	st := newTestState("https://github.com/acme/api", "https://github.com/acme/worker")

	o := New(Deps{
		Namer:      &fakeNamer{desc: "x"},
		Workspaces: ws,
		Change:     &fakeChange{},
		Review:     &fakeReview{},
		Submitter:  &fakeSubmitter{},
		Logger:     quietLogger(),
	}, st)
	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "stage workspace") {
		t.Fatalf("error should name the failed stage: %v", err)
	}
	if len(st.CreatedPRs) != 0 {
		t.Fatalf("no PRs should be created after abort, got %d", len(st.CreatedPRs))
	}
}

func TestRunCleanupBestEffort(t *testing.T) {
	var cleaned []string
	st := newTestState("https://github.com/acme/api")

	o := New(Deps{
		Namer:      &fakeNamer{desc: "x"},
		Workspaces: &fakeWorkspaces{},
		Change:     &fakeChange{},
		Review:     &fakeReview{},
		Submitter:  &fakeSubmitter{},
		Cleanup: func(_ context.Context, repoURL, path string) error {
			cleaned = append(cleaned, repoURL+" "+path)
			return errors.New("rm failed")
		},
		Logger: quietLogger(),
	}, st)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("cleanup errors must not fail the run: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "https://github.com/acme/api /work/https://github.com/acme/api" {
		t.Fatalf("cleaned = %v", cleaned)
	}
}

func TestBuildInstructions(t *testing.T) {
	prompt := "Upgrade the logging library"

	t.Run("no pending", func(t *testing.T) {
		if got := BuildInstructions("", "", prompt); got != prompt {
			t.Fatalf("got %q, want unchanged prompt", got)
		}
	})

	t.Run("review only", func(t *testing.T) {
		got := BuildInstructions("", "Use the v2 API", prompt)
		want := "## CRITICAL: Address review feedback\n" +
			"Apply the following review feedback before doing anything else.\n" +
			"If there is a conflict, prioritize this section.\n\n" +
			"Use the v2 API\n\n" +
			"## Original request (retain intent)\n" +
			"Upgrade the logging library\n"
		if got != want {
			t.Fatalf("got:\n%q\nwant:\n%q", got, want)
		}
	})

	t.Run("ci only", func(t *testing.T) {
		got := BuildInstructions("tests failed", "", prompt)
		want := "## CRITICAL: Fix failing CI / GitHub Actions\n" +
			"The PR is failing CI. Use the logs below to fix the issue.\n" +
			"If there is a conflict, prioritize this section.\n\n" +
			"tests failed\n\n" +
			"## Original request (retain intent)\n" +
			"Upgrade the logging library\n"
		if got != want {
			t.Fatalf("got:\n%q\nwant:\n%q", got, want)
		}
	})

	t.Run("both pending puts CI first", func(t *testing.T) {
		got := BuildInstructions("tests failed", "rename the flag", prompt)
		ciIdx := strings.Index(got, "Fix failing CI")
		reviewIdx := strings.Index(got, "Address review feedback")
		if ciIdx < 0 || reviewIdx < 0 || ciIdx > reviewIdx {
			t.Fatalf("CI section should precede review section:\n%s", got)
		}
		if !strings.HasSuffix(got, "Upgrade the logging library\n") {
			t.Fatalf("original request should close the instructions:\n%s", got)
		}
	})
}

func TestTitleFromSlug(t *testing.T) {
	cases := []struct{ in, want string }{
		{"add-retry-budget", "Add retry budget"},
		{"fix", "Fix"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := titleFromSlug(tc.in); got != tc.want {
			t.Errorf("titleFromSlug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
