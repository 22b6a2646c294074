package tree

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ListFiles returns the paths of all files under root, relative to root,
// slash-separated and sorted. Directories named ".git" are skipped
// entirely; everything else is listed, including dotfiles.
func ListFiles(root string) ([]string, error) {
	var files []string

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if p != root && info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// PreservedSet is a set of relative path prefixes excluded from
// reconciliation. A file is preserved when its path equals a prefix or
// lies underneath one.
type PreservedSet []string

// NewPreservedSet normalizes the configured prefixes. Entries must stay
// inside the repository: absolute paths, "..", and the repository root
// itself are rejected.
func NewPreservedSet(prefixes []string) (PreservedSet, error) {
	set := make(PreservedSet, 0, len(prefixes))
	for _, p := range prefixes {
		clean := path.Clean(filepath.ToSlash(p))
		if clean == "." || clean == "/" || path.IsAbs(clean) ||
			clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("invalid preserved path %q: must name a path inside the repository", p)
		}
		set = append(set, clean)
	}
	return set, nil
}

// Contains reports whether the relative path rel falls under the set.
func (ps PreservedSet) Contains(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range ps {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}
