// Package assets resolves where the companion sender and its configuration
// live under the asset root. Placing those files is the installer's job;
// this package only describes and checks the layout.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// ProcessName identifies the companion process for attach-without-spawn.
	ProcessName = "PoseLandmarkSender"
	// SenderDir is the companion's directory under the asset root.
	SenderDir = "PoseLandmarkSender"
	// ConfigFile is the connection descriptor inside SenderDir.
	ConfigFile = "config.json"
)

// Installer places the companion executable and its config at the paths a
// Layout describes. Implementations live outside this module.
type Installer interface {
	Install(ctx context.Context, layout Layout) error
}

// Layout describes the expected files under one asset root.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// ExecutableName is the companion file name for the running platform.
func ExecutableName() string {
	if runtime.GOOS == "windows" {
		return ProcessName + ".exe"
	}
	return ProcessName
}

// SenderDir returns <root>/PoseLandmarkSender.
func (l Layout) SenderDir() string {
	return filepath.Join(l.Root, SenderDir)
}

// ExecutablePath returns the companion executable path.
func (l Layout) ExecutablePath() string {
	return filepath.Join(l.SenderDir(), ExecutableName())
}

// ConfigPath returns the connection config path.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.SenderDir(), ConfigFile)
}

// MissingError lists files that were expected but not found.
type MissingError struct {
	Paths []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("asset files missing: %v", e.Paths)
}

// Check verifies that the executable and config exist as regular files.
// It returns a *MissingError naming every absent file.
func (l Layout) Check() error {
	var missing []string
	for _, p := range []string{l.ExecutablePath(), l.ConfigPath()} {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, p)
				continue
			}
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Paths: missing}
	}
	return nil
}
