package store

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ConflictType classifies the outcome of a conflict check.
type ConflictType string

// Conflict classifications.
const (
	ConflictNone    ConflictType = "none"
	ConflictContent ConflictType = "content"
	ConflictDeleted ConflictType = "deleted"
)

// ConflictReport is computed on demand by comparing the incoming metadata
// against the persisted state. It is never stored.
type ConflictReport struct {
	Path        string        `json:"path"`
	HasConflict bool          `json:"hasConflict"`
	Type        ConflictType  `json:"conflictType"`
	Local       *FileMetadata `json:"localMetadata,omitempty"`
	Remote      *FileMetadata `json:"remoteMetadata,omitempty"`
}

// ResolveStrategy selects how ResolveConflict reconciles two versions.
type ResolveStrategy string

// Resolution strategies. Neither silently drops data: user-choice writes
// content the caller already vetted, backup preserves the overwritten
// version on disk.
const (
	// ResolveUserChoice writes the caller-supplied content as-is.
	ResolveUserChoice ResolveStrategy = "user-choice"

	// ResolveBackup copies the current version to a ".backup" sibling
	// before overwriting.
	ResolveBackup ResolveStrategy = "backup"
)

// Resolution describes the outcome of a conflict resolution.
type Resolution struct {
	Path       string          `json:"path"`
	Strategy   ResolveStrategy `json:"strategy"`
	BackupPath string          `json:"backupPath,omitempty"`
	Metadata   FileMetadata    `json:"metadata"`
}

// CheckConflicts compares incoming metadata against the persisted state of
// a path. A content conflict is flagged when the checksums differ and both
// sides were modified after the last known sync point.
func (s *Store) CheckConflicts(path string, incoming FileMetadata) (ConflictReport, error) {
	if err := s.ValidatePath(path); err != nil {
		return ConflictReport{}, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return ConflictReport{}, err
	}
	rel := s.relative(abs)

	local, err := s.Metadata(rel)
	if err != nil {
		if errors.Is(err, ErrNotFound) || os.IsNotExist(err) {
			// Local side deleted while the remote still has content.
			return ConflictReport{
				Path:        rel,
				HasConflict: true,
				Type:        ConflictDeleted,
				Remote:      &incoming,
			}, nil
		}
		return ConflictReport{}, err
	}

	report := ConflictReport{
		Path:   rel,
		Type:   ConflictNone,
		Local:  &local,
		Remote: &incoming,
	}

	if local.Checksum == incoming.Checksum {
		return report, nil
	}

	s.mu.Lock()
	syncPoint, hasSyncPoint := s.lastSync[rel]
	s.mu.Unlock()

	// Divergent checksums alone are not a conflict: if only one side moved
	// since the sync point the other can fast-forward.
	if !hasSyncPoint || (local.ModifiedAt.After(syncPoint) && incoming.ModifiedAt.After(syncPoint)) {
		report.HasConflict = true
		report.Type = ConflictContent
	}
	return report, nil
}

// ResolveConflict writes authoritative content to a path according to the
// given strategy and marks the path synced.
func (s *Store) ResolveConflict(path string, content []byte, strategy ResolveStrategy, userID string) (Resolution, error) {
	abs, rel, err := s.checkWrite(path, content)
	if err != nil {
		return Resolution{}, err
	}

	resolution := Resolution{Path: rel, Strategy: strategy}

	switch strategy {
	case ResolveUserChoice:
		// Caller supplies the authoritative content; nothing to preserve.

	case ResolveBackup:
		previous, err := os.ReadFile(abs)
		if err != nil && !os.IsNotExist(err) {
			return Resolution{}, fmt.Errorf("resolve %s: %w", rel, err)
		}
		if err == nil {
			backupAbs := abs + ".backup"
			if err := s.writeAtomic(backupAbs, previous); err != nil {
				return Resolution{}, fmt.Errorf("resolve %s: backup failed: %w", rel, err)
			}
			resolution.BackupPath = rel + ".backup"
		}

	default:
		return Resolution{}, fmt.Errorf("unknown resolve strategy %q", strategy)
	}

	if err := s.writeAtomic(abs, content); err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", rel, err)
	}

	now := time.Now()
	s.mu.Lock()
	meta, ok := s.meta[rel]
	if !ok {
		meta = FileMetadata{Path: rel, CreatedAt: now}
	}
	meta.Size = int64(len(content))
	meta.ModifiedAt = now
	meta.Checksum = Checksum(content)
	s.meta[rel] = meta
	s.lastSync[rel] = now
	s.mu.Unlock()

	resolution.Metadata = meta
	s.emit(SyncEvent{Type: SyncResolved, Path: rel, Content: content, UserID: userID, At: now})
	return resolution, nil
}
