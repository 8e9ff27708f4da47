// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.codementor/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// APIBaseURL is the backend base URL including the version prefix.
	// Default: http://127.0.0.1:8000/api/v1
	APIBaseURL string `toml:"api_base_url"`

	// Addr is the host:port for the WebSocket command channel.
	// Default: 127.0.0.1:7171
	Addr string `toml:"addr"`

	// TokenStore is the path to the SQLite database holding the bearer token.
	// Default: ~/.codementor/codementor.db
	TokenStore string `toml:"token_store"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFile is the path for log output. Empty logs to stderr.
	LogFile string `toml:"log_file"`

	// RequestTimeoutMs bounds query, rewrite and resync calls.
	// Default: 60000
	RequestTimeoutMs int `toml:"request_timeout_ms"`

	// AuthTimeoutMs bounds login, register, refresh and identity calls.
	// Default: 15000
	AuthTimeoutMs int `toml:"auth_timeout_ms"`

	// Workspace is the root of the workspace to index and read files from.
	// Default: current working directory
	Workspace string `toml:"workspace"`

	// ChunkerCmd is the external command that produces the chunks artifact.
	// It receives the workspace path and the output path as its last two arguments.
	// Default: python3 code_chunker.py
	ChunkerCmd []string `toml:"chunker_cmd"`

	// ChunksDir is where chunk artifacts are written.
	// Default: ~/.codementor/chunks
	ChunksDir string `toml:"chunks_dir"`

	// DiffMode selects how suggested edits are shown: "native" or "annotated".
	// Default: annotated
	DiffMode string `toml:"diff_mode"`

	// DiffCmd is the editor compare command used in native mode.
	// {original} and {modified} are replaced with the transient document paths.
	// Default: code --diff {original} {modified}
	DiffCmd []string `toml:"diff_cmd"`

	// DiffOutput is the file the annotated view is written to.
	// Default: ~/.codementor/diff.html
	DiffOutput string `toml:"diff_output"`

	// CommandRate is the maximum number of commands per second per client.
	// Default: 10
	CommandRate float64 `toml:"command_rate"`
}

// DefaultConfigPath returns the default config file location: ~/.codementor/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".codementor", "config.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.codementor/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Defaults are not applied here; call ApplyDefaults after merging flags.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
// Home-relative defaults fall back to the working directory when the home
// directory cannot be determined.
func (c *Config) ApplyDefaults() {
	base := "."
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".codementor")
	}

	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.TokenStore == "" {
		c.TokenStore = filepath.Join(base, "codementor.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if c.AuthTimeoutMs <= 0 {
		c.AuthTimeoutMs = DefaultAuthTimeoutMs
	}
	if c.Workspace == "" {
		c.Workspace = DefaultWorkspace
	}
	if len(c.ChunkerCmd) == 0 {
		c.ChunkerCmd = append([]string(nil), DefaultChunkerCmd...)
	}
	if c.ChunksDir == "" {
		c.ChunksDir = filepath.Join(base, "chunks")
	}
	if c.DiffMode == "" {
		c.DiffMode = DiffModeAnnotated
	}
	if c.DiffOutput == "" {
		c.DiffOutput = filepath.Join(base, "diff.html")
	}
	if len(c.DiffCmd) == 0 {
		c.DiffCmd = append([]string(nil), DefaultDiffCmd...)
	}
	if c.CommandRate <= 0 {
		c.CommandRate = DefaultCommandRate
	}
}

// Validate reports configuration values that cannot be used.
func (c *Config) Validate() error {
	switch c.DiffMode {
	case DiffModeNative, DiffModeAnnotated:
	default:
		return fmt.Errorf("invalid diff_mode %q (must be %q or %q)", c.DiffMode, DiffModeNative, DiffModeAnnotated)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// RequestTimeout returns the backend call timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// AuthTimeout returns the auth call timeout as a duration.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMs) * time.Millisecond
}
