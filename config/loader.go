package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "syncengine.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/syncengine"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/syncengine/config.yaml)
// 3. Project config (syncengine.yaml in startDir or parent directories)
func (l *Loader) Load(startDir string) (*Config, error) {
	config := DefaultConfig()

	if userPath, ok := l.userConfigPath(); ok {
		if err := l.mergeFile(config, userPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded user config", "path", userPath)
	}

	if projectPath, ok := l.findProjectConfig(startDir); ok {
		if err := l.mergeFile(config, projectPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded project config", "path", projectPath)
		// A project config anchors the workspace at its own directory
		// unless it says otherwise.
		if config.Workspace.Root == "" {
			config.Workspace.Root = filepath.Dir(projectPath)
		}
	}

	return config, nil
}

// mergeFile unmarshals a YAML file over the accumulated config.
func (l *Loader) mergeFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

// userConfigPath returns the user-level config path if it exists.
func (l *Loader) userConfigPath() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// findProjectConfig walks up from startDir looking for the project config.
func (l *Loader) findProjectConfig(startDir string) (string, bool) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false
	}
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
