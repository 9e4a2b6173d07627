// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds resolved paths and runtime settings for the agent runtime
type Config struct {
	HomeDir      string `yaml:"-"`
	DataDir      string `yaml:"-"`
	DatabasePath string `yaml:"-"`
	SnapshotDir  string `yaml:"-"`
	LogDir       string `yaml:"-"`

	Runtime Runtime `yaml:"runtime"`

	// CustomProfiles are user-defined tool profiles. A custom profile may
	// reuse a built-in name; resolution checks this list first.
	CustomProfiles []Profile `yaml:"profiles"`
}

// Runtime holds tunable runtime settings loaded from config.yaml
type Runtime struct {
	// Model identifies the default model sent to the transport.
	Model string `yaml:"model"`
	// ContextWindow is the model context size in tokens.
	ContextWindow int `yaml:"context_window"`
	// ResponseMargin is the token count reserved for the model response
	// when assembling context.
	ResponseMargin int `yaml:"response_margin"`
	// HighWaterFraction of the window at which a near-limit event fires.
	HighWaterFraction float64 `yaml:"high_water_fraction"`
	// DefaultProfile names the tool profile new threads start with.
	DefaultProfile string `yaml:"default_profile"`
	// ProviderCommand is the provider CLI invoked by the process transport.
	ProviderCommand string `yaml:"provider_command"`
	// MaxTransportRetries bounds automatic re-submission after a retryable
	// transport failure. Retries are never silent beyond this count.
	MaxTransportRetries int `yaml:"max_transport_retries"`
	// CompressionLevel for the snapshot content pool (zstd).
	CompressionLevel int `yaml:"compression_level"`
}

// Profile is a named set of enabled tool names as stored in config.yaml
type Profile struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Defaults returns the runtime settings used when config.yaml is absent
func Defaults() Runtime {
	return Runtime{
		Model:               "default",
		ContextWindow:       200_000,
		ResponseMargin:      16_384,
		HighWaterFraction:   0.8,
		DefaultProfile:      "write",
		MaxTransportRetries: 1,
		CompressionLevel:    3,
	}
}

// Load creates a Config with resolved paths and settings from
// ~/.agentloop/config.yaml when present
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return LoadAt(filepath.Join(home, ".agentloop"))
}

// LoadAt loads configuration rooted at the given data directory
func LoadAt(dataDir string) (*Config, error) {
	logDir := filepath.Join(dataDir, "logs")
	snapshotDir := filepath.Join(dataDir, "snapshots")

	for _, dir := range []string{dataDir, logDir, snapshotDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		HomeDir:      filepath.Dir(dataDir),
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "threads.db"),
		SnapshotDir:  snapshotDir,
		LogDir:       logDir,
		Runtime:      Defaults(),
	}

	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the mutable parts of the config back to config.yaml
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0644)
}

// applyDefaults fills zero values left by a partial config.yaml
func (c *Config) applyDefaults() {
	def := Defaults()
	if c.Runtime.Model == "" {
		c.Runtime.Model = def.Model
	}
	if c.Runtime.ContextWindow == 0 {
		c.Runtime.ContextWindow = def.ContextWindow
	}
	if c.Runtime.ResponseMargin == 0 {
		c.Runtime.ResponseMargin = def.ResponseMargin
	}
	if c.Runtime.HighWaterFraction == 0 {
		c.Runtime.HighWaterFraction = def.HighWaterFraction
	}
	if c.Runtime.DefaultProfile == "" {
		c.Runtime.DefaultProfile = def.DefaultProfile
	}
	if c.Runtime.MaxTransportRetries == 0 {
		c.Runtime.MaxTransportRetries = def.MaxTransportRetries
	}
	if c.Runtime.CompressionLevel == 0 {
		c.Runtime.CompressionLevel = def.CompressionLevel
	}
}
