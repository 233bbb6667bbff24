package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoader_Success(t *testing.T) {
	path := writeConfig(t, `{"udp_ip": "127.0.0.1", "udp_port": 5005}`)
	l := NewLoader(path)

	require.NoError(t, l.Load(context.Background()))
	assert.True(t, l.Loaded())
	assert.Equal(t, ConnectionConfig{UDPIP: "127.0.0.1", UDPPort: 5005}, l.Config())
}

func TestLoader_LoadedIsNotReloaded(t *testing.T) {
	path := writeConfig(t, `{"udp_port": 5005}`)
	l := NewLoader(path)
	require.NoError(t, l.Load(context.Background()))

	// Changing or breaking the file afterwards has no effect.
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	require.NoError(t, l.Load(context.Background()))
	assert.Equal(t, 5005, l.Config().UDPPort)
}

func TestLoader_Missing(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "config.json"))

	err := l.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigMissing), "got %v", err)
	assert.False(t, l.Loaded())
}

func TestLoader_ParseFailures(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantMsg  string
	}{
		{"syntax", `{"udp_port": `, ""},
		{"wrong type", `{"udp_port": "5005"}`, ""},
		{"port range", `{"udp_port": 70000}`, "udp_port must be between"},
		{"empty", ``, "empty config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(writeConfig(t, tt.contents))
			err := l.Load(context.Background())

			var perr *ParseError
			require.True(t, errors.As(err, &perr), "expected *ParseError, got %v", err)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
			assert.False(t, l.Loaded())
			assert.Equal(t, ConnectionConfig{}, l.Config())
		})
	}
}

func TestLoader_RetriesAfterParseFailure(t *testing.T) {
	path := writeConfig(t, `{broken`)
	l := NewLoader(path)
	require.Error(t, l.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`{"udp_port": 6000}`), 0o644))
	require.NoError(t, l.Load(context.Background()))
	assert.True(t, l.Loaded())
	assert.Equal(t, 6000, l.Config().UDPPort)
}

func TestLoader_CommentsAndTrailingCommas(t *testing.T) {
	l := NewLoader(writeConfig(t, `{
		// sender address
		"udp_ip": "192.168.1.20",
		"udp_port": 5005,
	}`))
	require.NoError(t, l.Load(context.Background()))
	assert.Equal(t, "192.168.1.20", l.Config().UDPIP)
}

func TestLoader_RejectsWrongExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`{"udp_port": 1}`), 0o644))

	err := NewLoader(path).Load(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), ".json extension"))
}

func TestLoader_CancelledContext(t *testing.T) {
	l := NewLoader(writeConfig(t, `{"udp_port": 1}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Load(ctx), context.Canceled)
	assert.False(t, l.Loaded())
}
