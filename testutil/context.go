package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context that is canceled when the test ends so any
// goroutines started during the test are cleaned up.
func TestContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return ctx
}

// TestContextWithTimeout returns a context with a timeout, also canceled
// when the test ends.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)

	return ctx
}
