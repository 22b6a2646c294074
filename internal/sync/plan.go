package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schaermu/upsyncd/internal/tree"
)

// FileOp names one path the reconciliation touches, relative to the
// repository root.
type FileOp struct {
	Path string
}

// Plan represents the sync operations to perform
type Plan struct {
	Add    []FileOp
	Update []FileOp
	Delete []FileOp
}

// buildPlan computes the operations turning the target tree into the
// snapshot tree. Preserved paths are skipped in both directions: never
// copied from the snapshot, never deleted from the target.
func buildPlan(snapshotRoot, targetRoot string, preserved tree.PreservedSet) (*Plan, error) {
	plan := &Plan{
		Add:    make([]FileOp, 0),
		Update: make([]FileOp, 0),
		Delete: make([]FileOp, 0),
	}

	snapshotFiles, err := tree.ListFiles(snapshotRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot files: %w", err)
	}
	targetFiles, err := tree.ListFiles(targetRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list target files: %w", err)
	}

	inSnapshot := make(map[string]bool, len(snapshotFiles))
	for _, rel := range snapshotFiles {
		if preserved.Contains(rel) {
			continue
		}
		inSnapshot[rel] = true

		dstPath := filepath.Join(targetRoot, filepath.FromSlash(rel))
		info, err := os.Lstat(dstPath)
		switch {
		case os.IsNotExist(err):
			plan.Add = append(plan.Add, FileOp{Path: rel})
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to stat %s: %w", dstPath, err)
		case !info.Mode().IsRegular():
			// The path changed type between revisions; rewrite it
			plan.Update = append(plan.Update, FileOp{Path: rel})
			continue
		}

		srcHash, err := fileHash(filepath.Join(snapshotRoot, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to hash snapshot file %s: %w", rel, err)
		}
		dstHash, err := fileHash(dstPath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash target file %s: %w", rel, err)
		}
		if srcHash != dstHash {
			plan.Update = append(plan.Update, FileOp{Path: rel})
		}
	}

	for _, rel := range targetFiles {
		if preserved.Contains(rel) || inSnapshot[rel] {
			continue
		}
		plan.Delete = append(plan.Delete, FileOp{Path: rel})
	}

	return plan, nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
