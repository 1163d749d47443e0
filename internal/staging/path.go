// Package staging prepares input files for a run. It resolves and checks
// paths, expands glob patterns, detects the media type and copies each file
// to a temporary location so the run never touches the original.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned by ValidatePath for paths that escape the
// import root.
var ErrOutsideRoot = errors.New("outside the import root")

// ValidatePath resolves path to an absolute path with symlinks evaluated.
// When root is non-empty the result must lie within root.
func ValidatePath(path, root string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if root == "" {
		return resolved, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid import root: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve import root: %w", err)
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil {
		return "", fmt.Errorf("%s is %w: %v", path, ErrOutsideRoot, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is %w", path, ErrOutsideRoot)
	}
	return resolved, nil
}

// CheckFile verifies that path is a regular file that can be opened for
// reading.
func CheckFile(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f.Close()
	return info, nil
}
