// Package security checks that installed companion files stay inside the
// asset root once symlinks are resolved.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is wrapped by errors for paths that escape their root.
var ErrOutsideRoot = errors.New("path resolves outside the asset root")

// ValidatePathWithinDirectory reports whether filePath, with symlinks and
// ".." resolved, lies inside root. A path that does not exist yet is
// checked through its nearest existing parent.
func ValidatePathWithinDirectory(filePath, root string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve asset root: %w", err)
	}

	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve asset root symlinks: %w", err)
	}
	canonicalPath := canonicalize(absPath)

	rel, err := filepath.Rel(canonicalRoot, canonicalPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOutsideRoot, filePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s -> %s", ErrOutsideRoot, filePath, canonicalPath)
	}
	return nil
}

// canonicalize resolves symlinks in abs, or in its deepest existing parent
// when abs itself does not exist.
func canonicalize(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel)
		}
		if parent := filepath.Dir(dir); parent == dir {
			return abs
		}
	}
}
