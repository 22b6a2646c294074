// Package testutil provides git fixture helpers shared by tests that
// exercise the real git binary.
package testutil

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is on PATH.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// GitEnv returns the environment for running git in tests: a pinned commit
// identity plus isolation from user and system git configuration.
func GitEnv() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
	)
}

// RunGit runs git with args in dir and fails the test on error. It returns
// the command's stdout. An empty dir runs git in the process working
// directory.
func RunGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = GitEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String()
}

// InitRepo creates a repo at dir with its initial branch named branch.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	RunGit(t, "", "init", "-b", branch, dir)
}

// InitBare creates a bare repo at dir, suitable as a push target.
func InitBare(t *testing.T, dir, branch string) {
	t.Helper()
	RunGit(t, "", "init", "--bare", "-b", branch, dir)
}

// WriteFile creates rel (and its parent directories) under root.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// CommitFile creates or overwrites a single file and commits it.
func CommitFile(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	WriteFile(t, repoDir, name, content)
	RunGit(t, repoDir, "add", name)
	RunGit(t, repoDir, "commit", "-m", msg)
}

// CommitAll stages every pending change in repoDir and commits it.
func CommitAll(t *testing.T, repoDir, msg string) {
	t.Helper()
	RunGit(t, repoDir, "add", "-A")
	RunGit(t, repoDir, "commit", "-m", msg)
}

// Branch creates a branch pointing at the current tip.
func Branch(t *testing.T, repoDir, name string) {
	t.Helper()
	RunGit(t, repoDir, "branch", name)
}
