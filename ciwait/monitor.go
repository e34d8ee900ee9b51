package ciwait

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/prflow/hosting"
)

// StatusSource supplies per-commit CI data for a repository.
// hosting.GitHubClient implements it.
type StatusSource interface {
	PRHeadSHA(ctx context.Context, owner, repo string, number int) (string, error)
	CheckRuns(ctx context.Context, owner, repo, sha string) ([]hosting.CheckRun, error)
	CombinedStatus(ctx context.Context, owner, repo, sha string) (string, error)
	JobLogs(ctx context.Context, owner, repo string, jobID, maxBytes int64) ([]byte, error)
	RunLogs(ctx context.Context, owner, repo string, runID, maxBytes int64) ([]byte, error)
}

// Monitor waits for a pull request's CI to resolve.
type Monitor struct {
	source StatusSource
	cfg    Config
	logger *slog.Logger
	sleep  func(time.Duration)
	now    func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithSleep replaces the poll sleep. Tests use this to run the loop without
// real delays.
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Monitor) { m.sleep = sleep }
}

// WithClock replaces the time source used for the deadline.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor over a status source.
func NewMonitor(source StatusSource, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		source: source,
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  time.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wait polls until the PR's CI resolves or the timeout expires. It returns
// (true, summary) on success and (false, digest) on failure or timeout.
// expectedHeadSHA, when non-empty, guards against evaluating a stale head
// right after a push: polls are burned until the PR head reaches it.
func (m *Monitor) Wait(ctx context.Context, prURL, expectedHeadSHA string) (bool, string) {
	owner, repo, number, err := hosting.ParsePRURL(prURL)
	if err != nil {
		return true, fmt.Sprintf("skipping CI wait: %v", err)
	}

	deadline := m.now().Add(m.cfg.Timeout)
	lastState := "unknown"
	lastObserved := ""

	for m.now().Before(deadline) {
		sha, err := m.source.PRHeadSHA(ctx, owner, repo, number)
		if err != nil {
			lastState = "poll_error"
			lastObserved = err.Error()
			m.logger.Warn("CI poll failed", "pr", prURL, "error", err)
			m.sleep(m.cfg.PollEvery)
			continue
		}
		if expectedHeadSHA != "" && sha != expectedHeadSHA {
			lastState = "waiting_for_pr_head_update"
			lastObserved = fmt.Sprintf("pr_head_sha=%s expected_head_sha=%s", sha, expectedHeadSHA)
			m.sleep(m.cfg.PollEvery)
			continue
		}

		checks, err := m.source.CheckRuns(ctx, owner, repo, sha)
		if err != nil {
			lastState = "poll_error"
			lastObserved = err.Error()
			m.logger.Warn("CI poll failed", "pr", prURL, "error", err)
			m.sleep(m.cfg.PollEvery)
			continue
		}
		combined, err := m.source.CombinedStatus(ctx, owner, repo, sha)
		if err != nil {
			lastState = "poll_error"
			lastObserved = err.Error()
			m.logger.Warn("CI poll failed", "pr", prURL, "error", err)
			m.sleep(m.cfg.PollEvery)
			continue
		}

		failed := m.failedChecks(checks)
		lastState = combined
		lastObserved = fmt.Sprintf("checks=%d failed=%d state=%s", len(checks), len(failed), combined)

		if !m.pending(checks, combined) {
			switch {
			case len(checks) > 0 && len(failed) == 0:
				return true, fmt.Sprintf("all checks passed for %s (%s)", prURL, lastObserved)
			case len(failed) > 0:
				return false, m.failureDigest(ctx, owner, repo, prURL, sha, lastObserved, failed)
			case combined == "success":
				// No check runs at all: the combined status decides.
				return true, fmt.Sprintf("no check runs found; combined status is success for %s", prURL)
			case combined == "failure" || combined == "error":
				return false, fmt.Sprintf(
					"CI failed for this PR (commit status).\n\n- PR: %s\n- head_sha: %s\n- status: %s\n",
					prURL, sha, combined)
			}
		}

		m.sleep(m.cfg.PollEvery)
	}

	expectedLine := ""
	if expectedHeadSHA != "" {
		expectedLine = fmt.Sprintf("- expected_head_sha: %s\n", expectedHeadSHA)
	}
	return false, fmt.Sprintf(
		"Timed out waiting for CI.\n\n- PR: %s\n%s- last_state: %s\n- last_observed: %s\n",
		prURL, expectedLine, lastState, lastObserved)
}

// pending reports whether any signal is still in flight.
func (m *Monitor) pending(checks []hosting.CheckRun, combined string) bool {
	if combined == "pending" {
		return true
	}
	for _, c := range checks {
		if c.Pending() {
			return true
		}
	}
	return false
}

// failedChecks returns the completed checks whose conclusion is outside the
// acceptable set.
func (m *Monitor) failedChecks(checks []hosting.CheckRun) []hosting.CheckRun {
	var failed []hosting.CheckRun
	for _, c := range checks {
		if !c.Completed() {
			continue
		}
		if c.Conclusion != "" && !m.cfg.acceptable(c.Conclusion) {
			failed = append(failed, c)
		}
	}
	return failed
}
