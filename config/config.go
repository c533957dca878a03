// Package config holds the bridge's server configuration, loaded from a
// YAML file under the config directory (see paths.ConfigFilePath).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-bridge/paths"
)

// DefaultModel is the baseline model tier used when a conversation does not
// select one explicitly.
const DefaultModel = "sonnet"

// Config holds the application configuration
type Config struct {
	Host            string `yaml:"host,omitempty"`             // Listen address (default 127.0.0.1)
	Port            int    `yaml:"port,omitempty"`             // Listen port (default 8787)
	ClaudeBinary    string `yaml:"claude_binary,omitempty"`    // Path to the claude CLI (default "claude" from PATH)
	DefaultModel    string `yaml:"default_model,omitempty"`    // Model tier when a conversation doesn't pick one
	WorkingDir      string `yaml:"working_dir,omitempty"`      // Working directory for spawned processes
	CredentialsPath string `yaml:"credentials_path,omitempty"` // Override for ~/.claude/.credentials.json
	Debug           bool   `yaml:"debug,omitempty"`            // Debug-level logging

	// ShutdownTimeoutSec bounds graceful HTTP shutdown. Process termination is
	// fire-and-forget and not covered by this timeout.
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one with defaults if it
// doesn't exist.
func Load() (*Config, error) {
	fp, err := paths.ConfigFilePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return LoadFrom(fp)
}

// LoadFrom reads the config from the given path, applying defaults for any
// unset fields. A missing file is not an error.
func LoadFrom(fp string) (*Config, error) {
	cfg := &Config{filePath: fp}

	data, err := os.ReadFile(fp)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.ClaudeBinary == "" {
		c.ClaudeBinary = "claude"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = DefaultModel
	}
	if c.ShutdownTimeoutSec == 0 {
		c.ShutdownTimeoutSec = 10
	}
}

// Save writes the config back to disk, creating the directory if needed.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filePath == "" {
		return fmt.Errorf("config has no file path")
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShutdownTimeout returns the graceful shutdown deadline as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// CredentialsFile returns the credentials file path, resolving the default
// (~/.claude/.credentials.json) when no override is configured.
func (c *Config) CredentialsFile() (string, error) {
	c.mu.RLock()
	override := c.CredentialsPath
	c.mu.RUnlock()

	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", ".credentials.json"), nil
}
