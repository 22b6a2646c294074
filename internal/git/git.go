package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrPublishRejected reports a push the remote refused because its branch
// tip moved since the local checkout was last aligned with it. The push is
// never forced; the caller aborts and leaves the remote untouched.
var ErrPublishRejected = errors.New("push rejected by remote")

// Markers git prints when a push is refused as non-fast-forward. The push
// command runs with LC_ALL=C so they stay matchable.
var rejectionMarkers = []string{"non-fast-forward", "[rejected]", "fetch first"}

// headRefPattern matches one line of ls-remote output for a branch ref.
var headRefPattern = regexp.MustCompile(`^([0-9a-f]+)\s+refs/heads/(.+)$`)

// Client provides git operations for repository management
type Client interface {
	// ListRemoteBranches returns the branch names advertised by the remote
	ListRemoteBranches(ctx context.Context, url string) ([]string, error)
	// EnsureCheckout clones or updates a repository and checks out branch,
	// returning the resulting HEAD commit ("" when the branch is unborn)
	EnsureCheckout(ctx context.Context, url, branch, destDir string) (string, error)
	// Snapshot materializes the tip of branch as a fresh shallow clone
	Snapshot(ctx context.Context, url, branch, destDir string) error
	// TipMessage returns the message of the checked-out branch's tip
	// commit, or "" when the branch has no commits yet
	TipMessage(ctx context.Context, repoDir string) (string, error)
	// StageAll stages every change in the working tree
	StageAll(ctx context.Context, repoDir string) error
	// DiffCachedEmpty reports whether the staged tree matches HEAD
	DiffCachedEmpty(ctx context.Context, repoDir string) (bool, error)
	// Commit records the staged tree as one commit with the given author
	Commit(ctx context.Context, repoDir, name, email, message string) error
	// Push publishes branch to the remote, failing with ErrPublishRejected
	// when the remote tip has moved
	Push(ctx context.Context, repoDir, url, branch string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// ListRemoteBranches enumerates the remote's branches via ls-remote
func (c *ShellClient) ListRemoteBranches(ctx context.Context, url string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--heads", "--refs", url)
	if err := c.configureAuth(cmd, url); err != nil {
		return nil, err
	}

	out, err := c.runCommandOutput(cmd)
	if err != nil {
		return nil, fmt.Errorf("git ls-remote failed: %w", err)
	}

	var branches []string
	for _, line := range strings.Split(string(out), "\n") {
		m := headRefPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		branches = append(branches, m[2])
	}
	return branches, nil
}

// EnsureCheckout clones or fetches and checks out the specified branch
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, branch, destDir string) (string, error) {
	// Check if repo already exists
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	var cmd *exec.Cmd
	if !exists {
		// Clone the repository
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		// Fetch updates
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Checkout strategy:
	// 1. Forced checkout of the branch; git creates a local tracking branch
	//    from origin/<branch> when only the remote one exists.
	// 2. If neither exists the branch has never been born; start it empty
	//    so the first sync can create the root commit.
	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", branch)
	if err := c.runCommand(cmd); err != nil {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "switch", "--orphan", branch)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
		}
	}

	// For existing checkouts the local branch may be stale after fetch, or
	// carry the leftovers of an interrupted run. Reset to the remote
	// tracking branch; ignored when the remote branch does not exist yet.
	if exists {
		resetCmd := exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+branch)
		_ = c.runCommand(resetCmd)
	}

	return c.headCommit(ctx, destDir)
}

// Snapshot clones the tip of branch into destDir. Depth 1 keeps the clone
// a single consistent revision and nothing else.
func (c *ShellClient) Snapshot(ctx context.Context, url, branch, destDir string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", branch, url, destDir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}

	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git snapshot clone of %q failed: %w", branch, err)
	}
	return nil
}

// TipMessage returns the full message of the tip commit
func (c *ShellClient) TipMessage(ctx context.Context, repoDir string) (string, error) {
	head, err := c.headCommit(ctx, repoDir)
	if err != nil {
		return "", err
	}
	if head == "" {
		// Unborn branch: no commits, no recorded revision
		return "", nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "log", "-1", "--pretty=%B")
	out, err := c.runCommandOutput(cmd)
	if err != nil {
		return "", fmt.Errorf("git log failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// StageAll stages all additions, modifications and deletions
func (c *ShellClient) StageAll(ctx context.Context, repoDir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "add", "-A")
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// DiffCachedEmpty reports whether the staged tree is identical to HEAD.
// On an unborn branch the comparison runs against the empty tree.
func (c *ShellClient) DiffCachedEmpty(ctx context.Context, repoDir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git diff --cached failed: %w", err)
}

// Commit records the staged tree as a single commit
func (c *ShellClient) Commit(ctx context.Context, repoDir, name, email, message string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir,
		"-c", "user.name="+name,
		"-c", "user.email="+email,
		"commit", "-m", message)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// Push publishes the branch. The push is plain, never forced: a remote tip
// that moved since checkout rejects it and surfaces as ErrPublishRejected.
func (c *ShellClient) Push(ctx context.Context, repoDir, url, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "push", "origin", branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "LC_ALL=C")

	output, err := cmd.CombinedOutput()
	if err != nil {
		text := string(output)
		for _, marker := range rejectionMarkers {
			if strings.Contains(text, marker) {
				return fmt.Errorf("%w: %s", ErrPublishRejected, strings.TrimSpace(text))
			}
		}
		return fmt.Errorf("git push failed: %w: %s", err, text)
	}
	return nil
}

// headCommit resolves HEAD to a commit hash, or "" for an unborn branch
func (c *ShellClient) headCommit(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "-q", "--verify", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "UPSYNCD_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$UPSYNCD_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

// runCommandOutput executes a command and returns its stdout, folding
// stderr into the error on failure
func (c *ShellClient) runCommandOutput(cmd *exec.Cmd) ([]byte, error) {
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s", err, exitErr.Stderr)
		}
		return nil, err
	}
	return out, nil
}
