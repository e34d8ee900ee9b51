package git

import (
	"os/exec"
	"strings"
)

// CommandRunner executes external commands. The exec-backed implementation is
// used in production; tests inject a mock to script command results.
type CommandRunner interface {
	Run(workDir string, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command in workDir and returns trimmed combined output.
func (r *ExecRunner) Run(workDir string, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, &CommandError{
			Command: name,
			Args:    args,
			Output:  output,
			Err:     err,
		}
	}
	return output, nil
}

// CommandError wraps a failed command execution with its output.
type CommandError struct {
	Command string
	Args    []string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Command + " failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
