package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	sender := filepath.Join(root, "PoseLandmarkSender")
	require.NoError(t, os.MkdirAll(sender, 0o755))
	exe := filepath.Join(sender, "PoseLandmarkSender")
	require.NoError(t, os.WriteFile(exe, []byte("x"), 0o755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing file", exe, false},
		{"missing file inside", filepath.Join(sender, "config.json"), false},
		{"missing nested dir", filepath.Join(root, "a", "b", "c"), false},
		{"root itself", root, false},
		{"dot dot escape", filepath.Join(sender, "..", "..", "etc"), true},
		{"sibling prefix", root + "-other", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, root)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOutsideRoot)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "PoseLandmarkSender")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o755))

	link := filepath.Join(root, "PoseLandmarkSender")
	require.NoError(t, os.Symlink(target, link))
	assert.ErrorIs(t, ValidatePathWithinDirectory(link, root), ErrOutsideRoot)

	dirLink := filepath.Join(root, "linked")
	require.NoError(t, os.Symlink(outside, dirLink))
	assert.ErrorIs(t, ValidatePathWithinDirectory(filepath.Join(dirLink, "new.json"), root), ErrOutsideRoot)
}

func TestValidatePathWithinDirectory_MissingRoot(t *testing.T) {
	err := ValidatePathWithinDirectory("/tmp/x", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOutsideRoot)
}
