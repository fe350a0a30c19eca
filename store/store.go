// Package store provides the secure file store for the workspace: validated
// paths, atomic CRUD with content checksums, advisory locks, conflict
// detection, and sync event emission.
package store

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

const (
	// eventChannelBuffer is the size of the sync event channel.
	eventChannelBuffer = 256
)

// Config configures the file store.
type Config struct {
	// Root is the workspace root directory. All paths are resolved
	// relative to it and must stay inside it.
	Root string `yaml:"root"`

	// MaxFileSize is the maximum accepted content size in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`

	// DeniedPatterns lists doublestar patterns for paths that are never
	// writable through the store (e.g. "**/*.exe", "**/.env").
	DeniedPatterns []string `yaml:"denied_patterns"`

	// DefaultLockTTL is applied when AcquireLock is called with a zero TTL.
	DefaultLockTTL time.Duration `yaml:"default_lock_ttl"`
}

// DefaultConfig returns a store configuration with sensible defaults.
// Root must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:    10 << 20, // 10 MiB
		DeniedPatterns: []string{"**/*.exe", "**/*.dll", "**/*.so", "**/.env"},
		DefaultLockTTL: 30 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive, got %d", c.MaxFileSize)
	}
	for _, p := range c.DeniedPatterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid denied pattern %q", p)
		}
	}
	return nil
}

// FileMetadata describes a stored file. It is recomputed on every
// successful write.
type FileMetadata struct {
	// Path is the workspace-relative path.
	Path string `json:"path"`

	// Size is the content size in bytes.
	Size int64 `json:"size"`

	// CreatedAt is when the file was first created through the store.
	CreatedAt time.Time `json:"createdAt"`

	// ModifiedAt is the time of the last successful write.
	ModifiedAt time.Time `json:"modifiedAt"`

	// Checksum is the hex-encoded BLAKE3 digest of the content.
	Checksum string `json:"checksum"`
}

// SyncEventType enumerates the mutations the store announces.
type SyncEventType string

// Sync event types emitted on successful mutations.
const (
	SyncCreated  SyncEventType = "created"
	SyncModified SyncEventType = "modified"
	SyncDeleted  SyncEventType = "deleted"
	SyncResolved SyncEventType = "conflict-resolved"
)

// SyncEvent is emitted on every successful mutation. Content is nil for
// deletes.
type SyncEvent struct {
	Type    SyncEventType `json:"type"`
	Path    string        `json:"path"`
	Content []byte        `json:"content,omitempty"`
	UserID  string        `json:"userId,omitempty"`
	At      time.Time     `json:"at"`
}

// Store is the secure file store. All mutation goes through its public
// methods; the lock table and metadata table are never exposed directly.
type Store struct {
	config Config
	root   string // absolute workspace root
	logger *slog.Logger

	mu       sync.Mutex
	meta     map[string]FileMetadata // rel path → metadata
	lastSync map[string]time.Time    // rel path → last known sync point
	locks    map[string][]*Lock      // rel path → live locks

	events chan SyncEvent

	droppedEvents int64
}

// New creates a file store rooted at cfg.Root. The root directory is
// created if it does not exist.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &Store{
		config:   cfg,
		root:     absRoot,
		logger:   logger,
		meta:     make(map[string]FileMetadata),
		lastSync: make(map[string]time.Time),
		locks:    make(map[string][]*Lock),
		events:   make(chan SyncEvent, eventChannelBuffer),
	}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string {
	return s.root
}

// Events returns the channel of sync events. Consumers must drain it;
// events are dropped (with a warning) when the buffer is full.
func (s *Store) Events() <-chan SyncEvent {
	return s.events
}

// ValidatePath checks that path is a safe workspace-relative path: non-empty,
// free of traversal sequences, resolving inside the workspace root, and not
// matching any denied pattern. Every other operation calls it first.
func (s *Store) ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, path)
	}

	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("%w: %q resolves to the workspace root itself", ErrInvalidPath, path)
	}

	rel := s.relative(abs)
	for _, pattern := range s.config.DeniedPatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return fmt.Errorf("%w: %q matches denied pattern %q", ErrInvalidPath, path, pattern)
		}
	}
	return nil
}

// resolve turns a workspace-relative (or absolute) path into an absolute
// path confined to the root.
func (s *Store) resolve(path string) (string, error) {
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Clean(filepath.Join(s.root, path))
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the workspace root", ErrInvalidPath, path)
	}
	return abs, nil
}

// relative converts an absolute path back to workspace-relative slash form.
func (s *Store) relative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// Create writes a new file and returns its metadata. Fails if the file
// already exists.
func (s *Store) Create(path string, content []byte, userID string) (FileMetadata, error) {
	abs, rel, err := s.checkWrite(path, content)
	if err != nil {
		return FileMetadata{}, err
	}

	if _, err := os.Stat(abs); err == nil {
		return FileMetadata{}, fmt.Errorf("create %s: %w", rel, os.ErrExist)
	}

	if err := s.writeAtomic(abs, content); err != nil {
		return FileMetadata{}, fmt.Errorf("create %s: %w", rel, err)
	}

	now := time.Now()
	meta := FileMetadata{
		Path:       rel,
		Size:       int64(len(content)),
		CreatedAt:  now,
		ModifiedAt: now,
		Checksum:   Checksum(content),
	}

	s.mu.Lock()
	s.meta[rel] = meta
	s.lastSync[rel] = now
	s.mu.Unlock()

	s.emit(SyncEvent{Type: SyncCreated, Path: rel, Content: content, UserID: userID, At: now})
	return meta, nil
}

// Read returns the content of a file.
func (s *Store) Read(path string) ([]byte, error) {
	if err := s.ValidatePath(path); err != nil {
		return nil, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", s.relative(abs), ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", s.relative(abs), err)
	}
	return content, nil
}

// Metadata returns the current metadata for a file. If the store has no
// record (e.g. the file was created out of band), metadata is rebuilt from
// disk.
func (s *Store) Metadata(path string) (FileMetadata, error) {
	if err := s.ValidatePath(path); err != nil {
		return FileMetadata{}, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return FileMetadata{}, err
	}
	rel := s.relative(abs)

	s.mu.Lock()
	meta, ok := s.meta[rel]
	s.mu.Unlock()
	if ok {
		return meta, nil
	}

	return s.rebuildMetadata(abs, rel)
}

// rebuildMetadata derives metadata from disk for files mutated out of band.
func (s *Store) rebuildMetadata(abs, rel string) (FileMetadata, error) {
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return FileMetadata{}, fmt.Errorf("stat %s: %w", rel, ErrNotFound)
		}
		return FileMetadata{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("read %s: %w", rel, err)
	}

	meta := FileMetadata{
		Path:       rel,
		Size:       info.Size(),
		CreatedAt:  info.ModTime(),
		ModifiedAt: info.ModTime(),
		Checksum:   Checksum(content),
	}

	s.mu.Lock()
	s.meta[rel] = meta
	s.mu.Unlock()
	return meta, nil
}

// Update overwrites an existing file and returns the fresh metadata.
func (s *Store) Update(path string, content []byte, userID string) (FileMetadata, error) {
	abs, rel, err := s.checkWrite(path, content)
	if err != nil {
		return FileMetadata{}, err
	}

	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return FileMetadata{}, fmt.Errorf("update %s: %w", rel, ErrNotFound)
		}
		return FileMetadata{}, fmt.Errorf("update %s: %w", rel, err)
	}

	if err := s.writeAtomic(abs, content); err != nil {
		return FileMetadata{}, fmt.Errorf("update %s: %w", rel, err)
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
	s.mu.Unlock()

	s.emit(SyncEvent{Type: SyncModified, Path: rel, Content: content, UserID: userID, At: now})
	return meta, nil
}

// Delete removes a file and its metadata.
func (s *Store) Delete(path string, userID string) error {
	if err := s.ValidatePath(path); err != nil {
		return err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	rel := s.relative(abs)

	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", rel, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", rel, err)
	}

	s.mu.Lock()
	delete(s.meta, rel)
	delete(s.lastSync, rel)
	s.mu.Unlock()

	s.emit(SyncEvent{Type: SyncDeleted, Path: rel, UserID: userID, At: time.Now()})
	return nil
}

// MarkSynced records the current time as the last known sync point for a
// path. Conflict detection compares modification times against it.
func (s *Store) MarkSynced(path string) error {
	if err := s.ValidatePath(path); err != nil {
		return err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSync[s.relative(abs)] = time.Now()
	s.mu.Unlock()
	return nil
}

// checkWrite runs the validations shared by Create and Update: path rules
// and the size cap, before any disk I/O.
func (s *Store) checkWrite(path string, content []byte) (abs, rel string, err error) {
	if err := s.ValidatePath(path); err != nil {
		return "", "", err
	}
	if int64(len(content)) > s.config.MaxFileSize {
		return "", "", fmt.Errorf("%w: %d bytes exceeds limit of %d",
			ErrFileTooLarge, len(content), s.config.MaxFileSize)
	}
	abs, err = s.resolve(path)
	if err != nil {
		return "", "", err
	}
	return abs, s.relative(abs), nil
}

// writeAtomic writes content to a temp file in the target directory and
// renames it into place, so readers never observe a partial write.
func (s *Store) writeAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sync-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// emit sends a sync event without blocking a mutation on slow consumers.
func (s *Store) emit(event SyncEvent) {
	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.droppedEvents++
		s.mu.Unlock()
		s.logger.Warn("Sync event channel full, dropping event",
			"type", event.Type,
			"path", event.Path)
	}
}

// Checksum returns the hex-encoded BLAKE3 digest of content.
func Checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
