package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusiveLockExcludes(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.AcquireLock("ws/a.ts", LockExclusive, "u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, LockExclusive, lock.Type)
	assert.Equal(t, "u1", lock.OwnerID)
	assert.NotEmpty(t, lock.ID)

	// Second exclusive request by another owner fails until release.
	_, err = s.AcquireLock("ws/a.ts", LockExclusive, "u2", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	// Shared request also fails while an exclusive lock is live.
	_, err = s.AcquireLock("ws/a.ts", LockShared, "u2", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.ReleaseLock("ws/a.ts", lock.ID))

	// u2 acquires after release.
	_, err = s.AcquireLock("ws/a.ts", LockExclusive, "u2", time.Minute)
	assert.NoError(t, err)
}

func TestSharedLocksCoexist(t *testing.T) {
	s := newTestStore(t)

	first, err := s.AcquireLock("doc.md", LockShared, "u1", time.Minute)
	require.NoError(t, err)
	second, err := s.AcquireLock("doc.md", LockShared, "u2", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Exclusive request fails while shared locks remain.
	_, err = s.AcquireLock("doc.md", LockExclusive, "u3", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.ReleaseLock("doc.md", first.ID))
	_, err = s.AcquireLock("doc.md", LockExclusive, "u3", time.Minute)
	require.ErrorIs(t, err, ErrLocked, "one shared lock still held")

	require.NoError(t, s.ReleaseLock("doc.md", second.ID))
	_, err = s.AcquireLock("doc.md", LockExclusive, "u3", time.Minute)
	assert.NoError(t, err)
}

func TestLockTTLExpiry(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AcquireLock("a.txt", LockExclusive, "u1", 20*time.Millisecond)
	require.NoError(t, err)

	_, err = s.AcquireLock("a.txt", LockExclusive, "u2", time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	time.Sleep(30 * time.Millisecond)

	// The expired entry is purged lazily on the next access.
	lock, err := s.AcquireLock("a.txt", LockExclusive, "u2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "u2", lock.OwnerID)
}

func TestReleaseLockIdempotent(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.AcquireLock("a.txt", LockExclusive, "u1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseLock("a.txt", lock.ID))
	require.NoError(t, s.ReleaseLock("a.txt", lock.ID), "second release is a no-op")
	require.NoError(t, s.ReleaseLock("a.txt", "never-existed"))
}

func TestLockDefaultTTL(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.AcquireLock("a.txt", LockExclusive, "u1", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, lock.AcquiredAt.Add(s.config.DefaultLockTTL), lock.ExpiresAt, time.Second)
}

func TestLockInvalidPath(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AcquireLock("../outside.txt", LockExclusive, "u1", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestLockInfoPurges(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AcquireLock("a.txt", LockShared, "u1", 20*time.Millisecond)
	require.NoError(t, err)
	held, err := s.LockInfo("a.txt")
	require.NoError(t, err)
	assert.Len(t, held, 1)

	time.Sleep(30 * time.Millisecond)
	held, err = s.LockInfo("a.txt")
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestUnknownLockType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AcquireLock("a.txt", LockType("advisory"), "u1", time.Minute)
	assert.Error(t, err)
}
