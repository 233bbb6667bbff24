// Package config loads the companion's connection descriptor.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/jsonc"

	"github.com/banshee-data/pose-receiver/internal/monitoring"
)

// maxFileSize bounds the descriptor read.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// ErrConfigMissing is returned when the descriptor file does not exist.
var ErrConfigMissing = errors.New("config file not found")

// ParseError wraps a failure to read or decode an existing descriptor.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConnectionConfig is the companion's UDP target.
type ConnectionConfig struct {
	// UDPIP optionally restricts accepted datagrams to one sender address.
	UDPIP string `json:"udp_ip"`
	// UDPPort is the local port the receiver binds.
	UDPPort int `json:"udp_port"`
}

// Validate checks that the configuration values are valid.
func (c ConnectionConfig) Validate() error {
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 0 and 65535, got %d", c.UDPPort)
	}
	return nil
}

// Loader reads the descriptor once. After a successful Load the config is
// fixed for the lifetime of the Loader; failed loads leave it unloaded so
// the next Load tries again.
type Loader struct {
	path string

	mu     sync.Mutex
	cfg    ConnectionConfig
	loaded bool
}

// NewLoader returns a Loader for the descriptor at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Path returns the descriptor path.
func (l *Loader) Path() string { return l.path }

// Load reads and parses the descriptor unless it was already loaded.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.cfg = ConnectionConfig{}
	cfg, err := readConnectionConfig(l.path)
	if err != nil {
		monitoring.WithComponent("config").Errorf("%v", err)
		return err
	}

	l.cfg = cfg
	l.loaded = true
	monitoring.WithComponent("config").Infof("Config loaded successfully. ip: %q, port: %d", cfg.UDPIP, cfg.UDPPort)
	return nil
}

// Loaded reports whether a Load has succeeded.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Config returns the current config. It is the zero value until loaded.
func (l *Loader) Config() ConnectionConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func readConnectionConfig(path string) (ConnectionConfig, error) {
	var cfg ConnectionConfig

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return cfg, &ParseError{Path: cleanPath, Err: fmt.Errorf("config file must have .json extension, got %q", ext)}
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s", ErrConfigMissing, cleanPath)
		}
		return cfg, &ParseError{Path: cleanPath, Err: err}
	}
	if info.Size() > maxFileSize {
		return cfg, &ParseError{Path: cleanPath, Err: fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)}
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, &ParseError{Path: cleanPath, Err: err}
	}
	if len(data) == 0 {
		return cfg, &ParseError{Path: cleanPath, Err: errors.New("empty config file")}
	}

	// Comments and trailing commas are accepted.
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return ConnectionConfig{}, &ParseError{Path: cleanPath, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return ConnectionConfig{}, &ParseError{Path: cleanPath, Err: err}
	}
	return cfg, nil
}
