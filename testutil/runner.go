package testutil

import (
	"fmt"
	"sync"
)

// Call records a single command invocation observed by a mock runner.
type Call struct {
	WorkDir string
	Name    string
	Args    []string
}

// SequentialMockRunner replays a scripted sequence of command results in
// order, regardless of the command issued. It satisfies git.CommandRunner.
type SequentialMockRunner struct {
	mu      sync.Mutex
	results []mockResult
	calls   []Call
}

type mockResult struct {
	output string
	err    error
}

// NewSequentialMockRunner returns an empty scripted runner.
func NewSequentialMockRunner() *SequentialMockRunner {
	return &SequentialMockRunner{}
}

// AddOutput appends a scripted result to the sequence.
func (r *SequentialMockRunner) AddOutput(output string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, mockResult{output: output, err: err})
}

// AddOutputError appends a scripted failure with the given message.
func (r *SequentialMockRunner) AddOutputError(output, message string, wrapped error) {
	err := fmt.Errorf("%s", message)
	if wrapped != nil {
		err = fmt.Errorf("%s: %w", message, wrapped)
	}
	r.AddOutput(output, err)
}

// Run returns the next scripted result and records the call.
func (r *SequentialMockRunner) Run(workDir, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, Call{WorkDir: workDir, Name: name, Args: args})
	if len(r.results) == 0 {
		return "", fmt.Errorf("mock runner: unexpected call %s %v", name, args)
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.output, next.err
}

// Calls returns the invocations recorded so far.
func (r *SequentialMockRunner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}
