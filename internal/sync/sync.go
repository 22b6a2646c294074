package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/upsyncd/internal/config"
	"github.com/schaermu/upsyncd/internal/git"
	"github.com/schaermu/upsyncd/internal/revision"
)

// syncMessageFormat embeds the mirrored revision in the commit message.
// The next run recovers the revision from the tip message, making the
// commit log the only persistent state.
const syncMessageFormat = "Sync to upstream %s"

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	git    git.Client
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		logger: logger,
		dryRun: dryRun,
	}
}

// Run executes the complete sync process
func (e *Engine) Run(ctx context.Context) (err error) {
	prefix := e.cfg.Upstream.BranchPrefix
	e.logger.Info("starting sync",
		"upstream", e.cfg.Upstream.URL,
		"target", e.cfg.Target.URL,
		"branch_prefix", prefix,
		"dry_run", e.dryRun)

	// Resolve the latest upstream revision first: resolution failures
	// abort before anything has been touched
	branches, err := e.git.ListRemoteBranches(ctx, e.cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("failed to list upstream branches: %w", err)
	}
	latest, err := revision.Latest(prefix, branches)
	if err != nil {
		return fmt.Errorf("failed to resolve latest upstream revision: %w", err)
	}
	e.logger.Info("resolved latest upstream revision", "revision", latest.Raw)

	// Check out the target branch
	repoDir := e.cfg.RepoDir()
	e.logger.Info("checking out target", "dest", repoDir, "branch", e.cfg.Target.Branch)
	commit, err := e.git.EnsureCheckout(ctx, e.cfg.Target.URL, e.cfg.Target.Branch, repoDir)
	if err != nil {
		return fmt.Errorf("failed to checkout target repository: %w", err)
	}

	// Recover the previously synced revision from the tip commit message
	msg, err := e.git.TipMessage(ctx, repoDir)
	if err != nil {
		return fmt.Errorf("failed to read target tip message: %w", err)
	}
	current := revision.FromMessage(prefix, msg)
	e.logger.Info("target checked out",
		"commit", commit,
		"current_revision", current.String())

	if current.Equal(latest) {
		e.logger.Info("already up to date", "revision", latest.Raw)
		return nil
	}

	// Snapshot the upstream revision into a scoped temporary directory,
	// released on every exit path below
	snap := acquireSnapshotDir()
	defer func() {
		if rerr := snap.Release(); rerr != nil {
			if err == nil {
				err = rerr
			} else {
				e.logger.Warn("snapshot cleanup failed", "error", rerr)
			}
		}
	}()

	e.logger.Info("snapshotting upstream revision", "revision", latest.Raw, "dir", snap.path)
	if err := e.git.Snapshot(ctx, e.cfg.Upstream.URL, latest.Raw, snap.path); err != nil {
		return fmt.Errorf("failed to snapshot upstream revision %s: %w", latest.Raw, err)
	}

	// Build the reconciliation plan
	plan, err := buildPlan(snap.path, repoDir, e.cfg.PreservedPaths())
	if err != nil {
		return fmt.Errorf("failed to build sync plan: %w", err)
	}

	// Log plan
	e.logger.Info("sync plan",
		"add", len(plan.Add),
		"update", len(plan.Update),
		"delete", len(plan.Delete))

	// check for dry-run mode
	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	// Apply plan
	if err := e.applyPlan(plan, snap.path, repoDir); err != nil {
		return fmt.Errorf("failed to apply sync plan: %w", err)
	}

	// Stage everything and let git decide whether anything actually changed
	if err := e.git.StageAll(ctx, repoDir); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	clean, err := e.git.DiffCachedEmpty(ctx, repoDir)
	if err != nil {
		return fmt.Errorf("failed to inspect staged changes: %w", err)
	}
	if clean {
		e.logger.Info("no visible changes", "revision", latest.Raw)
		return nil
	}

	// Exactly one commit records the new revision
	message := fmt.Sprintf(syncMessageFormat, latest.Raw)
	if err := e.git.Commit(ctx, repoDir, e.cfg.Target.CommitName, e.cfg.Target.CommitEmail, message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	// Publish; a remote tip that moved since checkout rejects the push
	if err := e.git.Push(ctx, repoDir, e.cfg.Target.URL, e.cfg.Target.Branch); err != nil {
		return fmt.Errorf("failed to publish revision %s: %w", latest.Raw, err)
	}

	e.logger.Info("sync completed successfully", "revision", latest.Raw)
	return nil
}

// applyPlan executes the sync plan against the target working tree.
// Deletes run first so paths whose type changed between revisions are
// clear before adds and updates.
func (e *Engine) applyPlan(plan *Plan, snapshotRoot, targetRoot string) error {
	for _, op := range plan.Delete {
		e.logger.Info("deleting file", "path", op.Path)
		dst := filepath.Join(targetRoot, filepath.FromSlash(op.Path))
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file %s: %w", op.Path, err)
		}
	}

	for _, op := range plan.Add {
		e.logger.Info("adding file", "path", op.Path)
		if err := copyTreeFile(snapshotRoot, targetRoot, op.Path); err != nil {
			return fmt.Errorf("failed to add file %s: %w", op.Path, err)
		}
	}

	for _, op := range plan.Update {
		e.logger.Info("updating file", "path", op.Path)
		if err := copyTreeFile(snapshotRoot, targetRoot, op.Path); err != nil {
			return fmt.Errorf("failed to update file %s: %w", op.Path, err)
		}
	}

	return nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, op := range plan.Add {
		e.logger.Info("[dry-run] would add", "path", op.Path)
	}
	for _, op := range plan.Update {
		e.logger.Info("[dry-run] would update", "path", op.Path)
	}
	for _, op := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "path", op.Path)
	}
}

// copyTreeFile copies one relative path from the snapshot tree into the
// target tree.
func copyTreeFile(srcRoot, dstRoot, rel string) error {
	src := filepath.Join(srcRoot, filepath.FromSlash(rel))
	dst := filepath.Join(dstRoot, filepath.FromSlash(rel))
	return copyFile(src, dst)
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	// Open source
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".upsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	// Copy content
	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	// Get source permissions
	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	// Set permissions on temp file
	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	// Close temp file
	if err := tmpFile.Close(); err != nil {
		return err
	}

	// An emptied directory left behind by the delete pass blocks the
	// rename when the path changed type between revisions
	if info, lerr := os.Lstat(dst); lerr == nil && info.IsDir() {
		if err := removeEmptyDirTree(dst); err != nil {
			return err
		}
	}

	// Atomic rename
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}

	return nil
}

// removeEmptyDirTree removes dir and any nested subdirectories, but only
// when no files remain anywhere below it. Preserved files never appear in
// the delete pass, so refusing here keeps them from being swept away with
// the directory.
func removeEmptyDirTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return fmt.Errorf("directory %s still contains %s", dir, entry.Name())
		}
		if err := removeEmptyDirTree(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return os.Remove(dir)
}
