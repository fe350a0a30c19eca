package store

import "errors"

// Common file store errors.
var (
	// ErrInvalidPath is returned when a path fails validation.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrFileTooLarge is returned when a write exceeds the configured maximum size.
	ErrFileTooLarge = errors.New("file too large")

	// ErrLocked is returned when a lock request conflicts with an existing lock.
	ErrLocked = errors.New("path is locked")

	// ErrLockNotFound is returned when releasing a lock that does not exist.
	// Release treats this as a no-op; the sentinel exists for callers that
	// want to distinguish the case.
	ErrLockNotFound = errors.New("lock not found")
)
