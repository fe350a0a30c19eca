package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	s, err := newSnapshotStore(filepath.Join(t.TempDir(), "snaps"))
	require.NoError(t, err)

	require.NoError(t, s.SaveSnapshot("doc-1", []byte("state")))
	data, err := s.LoadSnapshot("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), data)

	// Overwrites replace the previous snapshot.
	require.NoError(t, s.SaveSnapshot("doc-1", []byte("newer")))
	data, err = s.LoadSnapshot("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), data)
}

func TestSnapshotMissingIsNil(t *testing.T) {
	s, err := newSnapshotStore(t.TempDir())
	require.NoError(t, err)

	data, err := s.LoadSnapshot("never-saved")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSnapshotNameSanitized(t *testing.T) {
	dir := t.TempDir()
	s, err := newSnapshotStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveSnapshot("proj/src/a.ts", []byte("x")))

	// The document ID must not escape the snapshot directory.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "proj_src_a.ts.snapshot", entries[0].Name())
}
