//go:build integration

package tier1

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/upsyncd/internal/config"
	"github.com/schaermu/upsyncd/internal/git"
	upsyncd "github.com/schaermu/upsyncd/internal/sync"
	"github.com/schaermu/upsyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness provisions a local upstream repo with revision branches, a bare
// target repo as the push destination, and a config pointing the sync
// engine at both. All repos live under a per-test temp directory.
type Harness struct {
	t        *testing.T
	base     string
	Upstream string
	Target   string
	Cfg      *config.Config
}

// NewHarness creates the upstream and target fixtures. The upstream starts
// with a seed commit on main; the target starts empty.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	base := t.TempDir()
	upstream := filepath.Join(base, "upstream")
	target := filepath.Join(base, "target.git")

	testutil.InitRepo(t, upstream, "main")
	testutil.CommitFile(t, upstream, "README.md", "upstream seed\n", "Initial commit")
	testutil.InitBare(t, target, "main")

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			URL:          upstream,
			BranchPrefix: "w1-",
		},
		Target: config.TargetConfig{
			URL:         target,
			Branch:      "main",
			CommitName:  "upsyncd",
			CommitEmail: "upsyncd@localhost",
		},
		Paths: config.PathsConfig{WorkDir: filepath.Join(base, "work")},
		Sync:  config.SyncConfig{Preserve: []string{".config"}},
	}

	return &Harness{
		t:        t,
		base:     base,
		Upstream: upstream,
		Target:   target,
		Cfg:      cfg,
	}
}

// PushRevision creates or resets the named revision branch from the tip of
// main, applies the given files and commits them.
func (h *Harness) PushRevision(branch string, files map[string]string) {
	h.t.Helper()
	testutil.RunGit(h.t, h.Upstream, "switch", "-C", branch, "main")
	for rel, content := range files {
		testutil.WriteFile(h.t, h.Upstream, rel, content)
	}
	testutil.CommitAll(h.t, h.Upstream, "Prepare "+branch)
}

// SeedTarget publishes an initial commit on the target's main branch with
// the given files and commit message, simulating earlier sync history.
func (h *Harness) SeedTarget(files map[string]string, message string) {
	h.t.Helper()

	seed := filepath.Join(h.base, "seed")
	testutil.RunGit(h.t, "", "clone", h.Target, seed)
	for rel, content := range files {
		testutil.WriteFile(h.t, seed, rel, content)
	}
	testutil.CommitAll(h.t, seed, message)
	testutil.RunGit(h.t, seed, "push", "origin", "main")

	if err := os.RemoveAll(seed); err != nil {
		h.t.Fatal(err)
	}
}

// RunSync drives the engine against the fixtures with a real git client.
func (h *Harness) RunSync(ctx context.Context) error {
	h.t.Helper()
	return h.runEngine(ctx, false)
}

// RunSyncDry is RunSync in dry-run mode.
func (h *Harness) RunSyncDry(ctx context.Context) error {
	h.t.Helper()
	return h.runEngine(ctx, true)
}

func (h *Harness) runEngine(ctx context.Context, dryRun bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	client := git.NewShellClient(h.Cfg.Auth.SSHKeyFile, h.Cfg.Auth.HTTPSTokenFile)
	return upsyncd.NewEngine(h.Cfg, client, logger, dryRun).Run(ctx)
}

// TargetTip returns the commit message at the tip of the target's main.
func (h *Harness) TargetTip() string {
	h.t.Helper()
	return strings.TrimSpace(testutil.RunGit(h.t, h.Target, "log", "-1", "--pretty=%B", "main"))
}

// TargetCommitCount returns the number of commits on the target's main.
func (h *Harness) TargetCommitCount() int {
	h.t.Helper()
	out := strings.TrimSpace(testutil.RunGit(h.t, h.Target, "rev-list", "--count", "main"))
	n, err := strconv.Atoi(out)
	if err != nil {
		h.t.Fatalf("parse commit count %q: %v", out, err)
	}
	return n
}

// TargetBranches lists the branches existing in the target repo.
func (h *Harness) TargetBranches() []string {
	h.t.Helper()
	out := testutil.RunGit(h.t, h.Target, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches
}

// CheckoutTarget clones the target repo into a fresh directory for content
// assertions and returns its path.
func (h *Harness) CheckoutTarget() string {
	h.t.Helper()
	dest := filepath.Join(h.t.TempDir(), "checkout")
	testutil.RunGit(h.t, "", "clone", h.Target, dest)
	return dest
}
