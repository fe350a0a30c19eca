package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.Workspace.Root)
	assert.Equal(t, "default", cfg.Workspace.Project)
	assert.NotEmpty(t, cfg.Collab.Extensions)
	assert.Contains(t, cfg.Collab.Extensions, ".go")
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestValidateRequiresRoot(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace.root")
}

func TestValidatePropagatesRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace.Root = t.TempDir()

	require.NoError(t, cfg.Validate())

	assert.Equal(t, cfg.Workspace.Root, cfg.Store.Root)
	assert.Equal(t, cfg.Workspace.Root, cfg.Watcher.Root)
	assert.Equal(t, filepath.Join(cfg.Workspace.Root, ".snapshots"), cfg.Collab.SnapshotDir)
}

func TestValidateKeepsExplicitComponentRoots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	other := t.TempDir()
	cfg.Store.Root = other

	require.NoError(t, cfg.Validate())
	assert.Equal(t, other, cfg.Store.Root)
}

func TestValidateRejectsEmptyExtensions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Collab.Extensions = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collab.extensions")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace.Root = "/srv/workspace"
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.Metrics.Addr = ":9100"

	path := filepath.Join(t.TempDir(), "nested", "syncengine.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Workspace.Root, loaded.Workspace.Root)
	assert.Equal(t, cfg.NATS.URL, loaded.NATS.URL)
	assert.Equal(t, cfg.Metrics.Addr, loaded.Metrics.Addr)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoaderFindsProjectConfigUpward(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "src", "deep")
	require.NoError(t, os.MkdirAll(nested, 0755))

	yaml := "workspace:\n  project: acme\nnats:\n  url: nats://hub:4222\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectConfigFile), []byte(yaml), 0644))

	cfg, err := NewLoader(nil).Load(nested)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Workspace.Project)
	assert.Equal(t, "nats://hub:4222", cfg.NATS.URL)
	// The project config anchors the workspace at its directory.
	assert.Equal(t, root, cfg.Workspace.Root)
}

func TestLoaderWithoutProjectConfig(t *testing.T) {
	cfg, err := NewLoader(nil).Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Workspace.Project)
}
