// Package testutil provides shared test fixtures and helpers.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with a single initial
// commit on branch "main". The repository is cleaned up when the test ends.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	RunGit(t, dir, "init", "--initial-branch=main")
	RunGit(t, dir, "config", "user.email", "test@test.com")
	RunGit(t, dir, "config", "user.name", "Test User")

	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# Test Repository\n"), 0o644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "Initial commit")

	return dir
}

// SetupTestRepoWithFiles creates a test repo with the given files committed.
func SetupTestRepoWithFiles(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "Add test files")

	return dir
}

// SetupRemoteAndClone creates a bare "origin" repository seeded with one
// commit on main, plus a working clone of it. Returns (originPath, clonePath).
// Fetch, push and branch reconciliation tests need both ends of the pair.
func SetupRemoteAndClone(t *testing.T) (string, string) {
	t.Helper()

	seed := SetupTestRepo(t)

	origin := filepath.Join(t.TempDir(), "origin.git")
	RunGit(t, filepath.Dir(origin), "clone", "--bare", seed, origin)
	// A bare repo cloned from a local seed keeps the seed as its own
	// origin remote, which confuses nothing but is tidier removed.
	RunGit(t, origin, "remote", "remove", "origin")

	clone := filepath.Join(t.TempDir(), "clone")
	RunGit(t, filepath.Dir(clone), "clone", origin, clone)
	RunGit(t, clone, "config", "user.email", "test@test.com")
	RunGit(t, clone, "config", "user.name", "Test User")

	return origin, clone
}

// CloneRepo clones src into a fresh temp directory and returns the path.
func CloneRepo(t *testing.T, src string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "clone")
	RunGit(t, filepath.Dir(dir), "clone", src, dir)
	RunGit(t, dir, "config", "user.email", "test@test.com")
	RunGit(t, dir, "config", "user.name", "Test User")

	return dir
}

// WriteFile writes a file under repoDir, creating parent directories.
func WriteFile(t *testing.T, repoDir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	WriteFile(t, repoDir, path, content)
	RunGit(t, repoDir, "add", path)
	RunGit(t, repoDir, "commit", "-m", message)
}

// CreateBranch creates and checks out a new branch.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	RunGit(t, repoDir, "checkout", "-b", branch)
}

// SwitchBranch checks out an existing branch.
func SwitchBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	RunGit(t, repoDir, "checkout", branch)
}

// GetCurrentBranch returns the current branch name.
func GetCurrentBranch(t *testing.T, repoDir string) string {
	t.Helper()
	return GitOutput(t, repoDir, "branch", "--show-current")
}

// GetHeadSHA returns the current HEAD SHA.
func GetHeadSHA(t *testing.T, repoDir string) string {
	t.Helper()
	return GitOutput(t, repoDir, "rev-parse", "HEAD")
}

// RefSHA returns the SHA a ref points at.
func RefSHA(t *testing.T, repoDir, ref string) string {
	t.Helper()
	return GitOutput(t, repoDir, "rev-parse", ref)
}

// RunGit runs a git command in dir and fails the test on error.
func RunGit(t *testing.T, dir string, args ...string) {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, output)
	}
}

// GitOutput runs a git command in dir and returns its trimmed stdout.
func GitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %v failed: %v", args, err)
	}
	return strings.TrimSpace(string(output))
}
