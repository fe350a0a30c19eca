package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// snapshotStore persists collaboration document snapshots as files under
// a dedicated directory. The directory lives inside the workspace by
// default and is excluded from watching by the default ignore patterns.
type snapshotStore struct {
	dir string
}

func newSnapshotStore(dir string) (*snapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &snapshotStore{dir: dir}, nil
}

// SaveSnapshot writes the snapshot atomically so a crash mid-write never
// leaves a truncated file behind.
func (s *snapshotStore) SaveSnapshot(documentID string, snapshot []byte) error {
	path := s.path(documentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snapshot, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns nil with no error when no snapshot exists yet.
func (s *snapshotStore) LoadSnapshot(documentID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(documentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

func (s *snapshotStore) path(documentID string) string {
	return filepath.Join(s.dir, sanitizeName(documentID)+".snapshot")
}

// sanitizeName maps a document ID onto a safe file name.
func sanitizeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
