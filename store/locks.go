package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LockType distinguishes exclusive from shared advisory locks.
type LockType string

// Lock types. Shared locks may coexist with each other; an exclusive lock
// excludes everything else on the same path.
const (
	LockExclusive LockType = "exclusive"
	LockShared    LockType = "shared"
)

// Lock is an advisory lock on a workspace path. Entries past ExpiresAt are
// treated as abandoned and purged lazily on the next access.
type Lock struct {
	ID         string    `json:"lockId"`
	Path       string    `json:"path"`
	Type       LockType  `json:"type"`
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// expired reports whether the lock's TTL has elapsed.
func (l *Lock) expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// AcquireLock takes an advisory lock on a path. An exclusive request fails
// with ErrLocked while any live lock exists on the path; a shared request
// fails only while an exclusive lock is live. A zero ttl uses the
// configured default. The check-and-set runs under the store mutex, so two
// callers can never both believe they hold an exclusive lock.
func (s *Store) AcquireLock(path string, lockType LockType, ownerID string, ttl time.Duration) (*Lock, error) {
	if err := s.ValidatePath(path); err != nil {
		return nil, err
	}
	if lockType != LockExclusive && lockType != LockShared {
		return nil, fmt.Errorf("unknown lock type %q", lockType)
	}
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	rel := s.relative(abs)

	if ttl <= 0 {
		ttl = s.config.DefaultLockTTL
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.purgeExpiredLocked(rel, now)
	for _, held := range live {
		if held.Type == LockExclusive || lockType == LockExclusive {
			return nil, fmt.Errorf("%w: %s held by %s until %s",
				ErrLocked, held.Type, held.OwnerID, held.ExpiresAt.Format(time.RFC3339))
		}
	}

	lock := &Lock{
		ID:         uuid.NewString(),
		Path:       rel,
		Type:       lockType,
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.locks[rel] = append(live, lock)

	s.logger.Debug("Lock acquired",
		"path", rel,
		"type", lockType,
		"owner", ownerID,
		"lockId", lock.ID)
	return lock, nil
}

// ReleaseLock releases a lock by ID. Releasing a lock that has already
// expired or been released is a no-op.
func (s *Store) ReleaseLock(path, lockID string) error {
	if err := s.ValidatePath(path); err != nil {
		return err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	rel := s.relative(abs)

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.purgeExpiredLocked(rel, time.Now())
	for i, held := range live {
		if held.ID == lockID {
			remaining := append(live[:i], live[i+1:]...)
			if len(remaining) == 0 {
				delete(s.locks, rel)
			} else {
				s.locks[rel] = remaining
			}
			s.logger.Debug("Lock released", "path", rel, "lockId", lockID)
			return nil
		}
	}
	// Already expired or released.
	return nil
}

// LockInfo returns the live locks on a path, purging expired entries.
func (s *Store) LockInfo(path string) ([]*Lock, error) {
	if err := s.ValidatePath(path); err != nil {
		return nil, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	rel := s.relative(abs)

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.purgeExpiredLocked(rel, time.Now())
	out := make([]*Lock, len(live))
	copy(out, live)
	return out, nil
}

// purgeExpiredLocked drops expired locks for a path and returns the live
// remainder. Caller must hold s.mu.
func (s *Store) purgeExpiredLocked(rel string, now time.Time) []*Lock {
	held := s.locks[rel]
	if len(held) == 0 {
		return nil
	}

	live := held[:0]
	for _, l := range held {
		if l.expired(now) {
			s.logger.Debug("Purging expired lock",
				"path", rel,
				"lockId", l.ID,
				"owner", l.OwnerID)
			continue
		}
		live = append(live, l)
	}
	if len(live) == 0 {
		delete(s.locks, rel)
		return nil
	}
	s.locks[rel] = live
	return live
}
