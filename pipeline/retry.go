package pipeline

import (
	"os"
	"strconv"
	"strings"
)

// Default retry budgets for the review and CI feedback loops.
const (
	DefaultReviewMaxAttempts = 2
	DefaultCIMaxAttempts     = 2
)

// RetryState tracks per-repo retry counters and the feedback waiting to
// be folded into the next change attempt. Counters never exceed their
// maximum: once a budget is spent, the stage degrades instead of
// looping.
type RetryState struct {
	maxReview int
	maxCI     int

	reviewAttempts map[string]int
	ciAttempts     map[string]int
	reviewPending  map[string]string
	ciPending      map[string]string
}

// NewRetryState creates retry bookkeeping with the given budgets.
// Negative budgets are treated as zero.
func NewRetryState(maxReview, maxCI int) *RetryState {
	return &RetryState{
		maxReview:      max(0, maxReview),
		maxCI:          max(0, maxCI),
		reviewAttempts: map[string]int{},
		ciAttempts:     map[string]int{},
		reviewPending:  map[string]string{},
		ciPending:      map[string]string{},
	}
}

// NewRetryStateFromEnv reads REVIEW_MAX_ATTEMPTS and
// CI_FIX_MAX_ATTEMPTS, defaulting both to 2.
func NewRetryStateFromEnv() *RetryState {
	return NewRetryState(
		envAttempts("REVIEW_MAX_ATTEMPTS", DefaultReviewMaxAttempts),
		envAttempts("CI_FIX_MAX_ATTEMPTS", DefaultCIMaxAttempts),
	)
}

func envAttempts(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return max(0, n)
}

// RequestReviewRetry records review feedback for another change pass.
// Returns false when the repo's review budget is spent; the feedback is
// then discarded and the caller should proceed to submit.
func (r *RetryState) RequestReviewRetry(repo, feedback string) bool {
	if r.reviewAttempts[repo] >= r.maxReview {
		return false
	}
	r.reviewAttempts[repo]++
	r.reviewPending[repo] = feedback
	return true
}

// RequestCIRetry records a CI failure digest for another change pass.
// Returns false when the repo's CI budget is spent.
func (r *RetryState) RequestCIRetry(repo, digest string) bool {
	if r.ciAttempts[repo] >= r.maxCI {
		return false
	}
	r.ciAttempts[repo]++
	r.ciPending[repo] = digest
	return true
}

// TakePending removes and returns the feedback queued for the repo's
// next change attempt.
func (r *RetryState) TakePending(repo string) (ciDigest, reviewFeedback string) {
	ciDigest = r.ciPending[repo]
	reviewFeedback = r.reviewPending[repo]
	delete(r.ciPending, repo)
	delete(r.reviewPending, repo)
	return ciDigest, reviewFeedback
}

// ReviewAttempts returns the review retries consumed for repo.
func (r *RetryState) ReviewAttempts(repo string) int { return r.reviewAttempts[repo] }

// CIAttempts returns the CI retries consumed for repo.
func (r *RetryState) CIAttempts(repo string) int { return r.ciAttempts[repo] }
