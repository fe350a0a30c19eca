// Package config provides configuration loading and management for the
// sync engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codecollab/syncengine/loader"
	"github.com/codecollab/syncengine/pool"
	"github.com/codecollab/syncengine/store"
	"github.com/codecollab/syncengine/watcher"
)

// Config represents the complete engine configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Store     store.Config    `yaml:"store"`
	Loader    loader.Config   `yaml:"loader"`
	Watcher   watcher.Config  `yaml:"watcher"`
	Pool      pool.Config     `yaml:"pool"`
	NATS      NATSConfig      `yaml:"nats"`
	Collab    CollabConfig    `yaml:"collab"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// WorkspaceConfig names the workspace itself.
type WorkspaceConfig struct {
	// Root is the workspace root directory. It seeds the store and
	// watcher roots unless they are set explicitly.
	Root string `yaml:"root"`

	// Project is the project identifier attached to sessions.
	Project string `yaml:"project"`
}

// NATSConfig configures the event fan-out connection.
type NATSConfig struct {
	// URL is the NATS server URL. Empty disables external fan-out.
	URL string `yaml:"url"`

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CollabConfig decides which files go through the collaborative
// (merge-based) path. Everything else uses pessimistic locks.
type CollabConfig struct {
	// Extensions lists the text file extensions edited collaboratively.
	Extensions []string `yaml:"extensions"`

	// SnapshotDir is where document snapshots are persisted. Defaults to
	// <workspace root>/.snapshots, which the watcher ignores.
	SnapshotDir string `yaml:"snapshot_dir"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults. Workspace.Root
// must still be set by the caller or a config file.
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Project: "default"},
		Store:     store.DefaultConfig(),
		Loader:    loader.DefaultConfig(),
		Watcher:   watcher.DefaultConfig(),
		Pool:      pool.DefaultConfig(),
		NATS: NATSConfig{
			ConnectTimeout: 5 * time.Second,
		},
		Collab: CollabConfig{
			Extensions: []string{
				".ts", ".tsx", ".js", ".jsx", ".go", ".py", ".rs",
				".md", ".txt", ".css", ".html", ".json", ".yaml", ".yml",
			},
		},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// Validate checks that the configuration is valid, propagating the
// workspace root into the component configs that need it.
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Store.Root == "" {
		c.Store.Root = c.Workspace.Root
	}
	if c.Watcher.Root == "" {
		c.Watcher.Root = c.Workspace.Root
	}
	if c.Collab.SnapshotDir == "" {
		c.Collab.SnapshotDir = filepath.Join(c.Workspace.Root, ".snapshots")
	}
	if len(c.Collab.Extensions) == 0 {
		return fmt.Errorf("collab.extensions must not be empty")
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Loader.Validate(); err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	if err := c.Watcher.Validate(); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
