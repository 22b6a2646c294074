package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrUnsafeCleanupPath reports a snapshot directory that failed the
// pre-disposal safety check. The directory is left in place.
var ErrUnsafeCleanupPath = errors.New("unsafe snapshot cleanup path")

// snapshotDirPrefix names snapshot directories under the system temp dir.
const snapshotDirPrefix = "upsyncd-snap-"

// snapshotDir is the scoped location a sync materializes the upstream
// revision into. It is acquired before the clone and released on every
// exit path; Release refuses to remove anything but the directory it
// acquired.
type snapshotDir struct {
	path string
	id   string
}

// acquireSnapshotDir reserves a uniquely named directory path for the
// snapshot clone. The directory itself is created by the clone.
func acquireSnapshotDir() *snapshotDir {
	id := uuid.NewString()
	return &snapshotDir{
		path: filepath.Join(os.TempDir(), snapshotDirPrefix+id),
		id:   id,
	}
}

// Release removes the snapshot directory. It verifies first that the path
// still names the dedicated directory acquired for this run; on any failed
// check it returns ErrUnsafeCleanupPath and deletes nothing.
func (s *snapshotDir) Release() error {
	if err := s.verifyDisposable(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("failed to remove snapshot directory: %w", err)
	}
	return nil
}

// verifyDisposable checks that the snapshot path is absolute, is not the
// filesystem root, carries the acquired unique name, and does not contain
// the process working directory.
func (s *snapshotDir) verifyDisposable() error {
	if s.path == "" || s.id == "" {
		return fmt.Errorf("%w: snapshot directory was never acquired", ErrUnsafeCleanupPath)
	}

	clean := filepath.Clean(s.path)
	if !filepath.IsAbs(clean) {
		return fmt.Errorf("%w: %q is not absolute", ErrUnsafeCleanupPath, s.path)
	}
	if clean == string(filepath.Separator) {
		return fmt.Errorf("%w: refusing the filesystem root", ErrUnsafeCleanupPath)
	}
	if filepath.Base(clean) != snapshotDirPrefix+s.id {
		return fmt.Errorf("%w: %q does not carry the acquired snapshot name", ErrUnsafeCleanupPath, s.path)
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("%w: working directory unknown: %v", ErrUnsafeCleanupPath, err)
	}
	sep := string(filepath.Separator)
	if strings.HasPrefix(filepath.Clean(wd)+sep, clean+sep) {
		return fmt.Errorf("%w: %q is the working directory or an ancestor of it", ErrUnsafeCleanupPath, s.path)
	}

	return nil
}
