package pipeline

import "testing"

func TestRetryStateReviewBudget(t *testing.T) {
	r := NewRetryState(2, 2)

	if !r.RequestReviewRetry("repo-a", "rename the flag") {
		t.Fatal("first retry should be granted")
	}
	if !r.RequestReviewRetry("repo-a", "still wrong") {
		t.Fatal("second retry should be granted")
	}
	if r.RequestReviewRetry("repo-a", "again") {
		t.Fatal("third retry should be denied")
	}
	if got := r.ReviewAttempts("repo-a"); got != 2 {
		t.Fatalf("ReviewAttempts = %d, want 2", got)
	}

	// Budgets are per repo.
	if !r.RequestReviewRetry("repo-b", "other feedback") {
		t.Fatal("fresh repo should get its own budget")
	}
}

func TestRetryStateCIBudgetIndependent(t *testing.T) {
	r := NewRetryState(1, 1)

	if !r.RequestReviewRetry("repo", "fb") {
		t.Fatal("review retry should be granted")
	}
	if !r.RequestCIRetry("repo", "lint failed") {
		t.Fatal("CI retry should be granted despite spent review budget")
	}
	if r.RequestCIRetry("repo", "lint failed again") {
		t.Fatal("CI budget should be exhausted")
	}
}

func TestRetryStateTakePendingPops(t *testing.T) {
	r := NewRetryState(2, 2)
	r.RequestReviewRetry("repo", "split the function")
	r.RequestCIRetry("repo", "unit tests failed")

	ci, review := r.TakePending("repo")
	if ci != "unit tests failed" || review != "split the function" {
		t.Fatalf("TakePending = (%q, %q)", ci, review)
	}

	ci, review = r.TakePending("repo")
	if ci != "" || review != "" {
		t.Fatalf("second TakePending = (%q, %q), want empty", ci, review)
	}
}

func TestRetryStateZeroBudget(t *testing.T) {
	r := NewRetryState(0, 0)
	if r.RequestReviewRetry("repo", "fb") {
		t.Fatal("zero budget should deny review retries")
	}
	if r.RequestCIRetry("repo", "digest") {
		t.Fatal("zero budget should deny CI retries")
	}
}

func TestNewRetryStateFromEnv(t *testing.T) {
	t.Setenv("REVIEW_MAX_ATTEMPTS", "3")
	t.Setenv("CI_FIX_MAX_ATTEMPTS", "1")

	r := NewRetryStateFromEnv()
	for i := 0; i < 3; i++ {
		if !r.RequestReviewRetry("repo", "fb") {
			t.Fatalf("review retry %d should be granted", i+1)
		}
	}
	if r.RequestReviewRetry("repo", "fb") {
		t.Fatal("fourth review retry should be denied")
	}
	if !r.RequestCIRetry("repo", "d") {
		t.Fatal("first CI retry should be granted")
	}
	if r.RequestCIRetry("repo", "d") {
		t.Fatal("second CI retry should be denied")
	}
}

func TestNewRetryStateFromEnvMalformed(t *testing.T) {
	t.Setenv("REVIEW_MAX_ATTEMPTS", "lots")
	t.Setenv("CI_FIX_MAX_ATTEMPTS", "")

	r := NewRetryStateFromEnv()
	for i := 0; i < DefaultReviewMaxAttempts; i++ {
		if !r.RequestReviewRetry("repo", "fb") {
			t.Fatalf("retry %d should fall back to the default budget", i+1)
		}
	}
	if r.RequestReviewRetry("repo", "fb") {
		t.Fatal("retry past the default budget should be denied")
	}
}
