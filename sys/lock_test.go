package sys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFileLock_AcquireRelease(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")

	release, err := AcquireFileLock(base, 0, 0, 0)
	require.NoError(t, err)
	_, err = os.Stat(base + LockFileSuffix)
	require.NoError(t, err, "lock file should exist while held")

	require.NoError(t, release())
	_, err = os.Stat(base + LockFileSuffix)
	assert.True(t, os.IsNotExist(err), "lock file should be gone after release")

	// Releasing twice is harmless.
	assert.NoError(t, release())
}

// A fresh lock held by someone else is respected.
func TestAcquireFileLock_FreshPreventsAcquisition(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	release, err := AcquireFileLock(base, 0, 0, time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = AcquireFileLock(base, 2, 5*time.Millisecond, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockHeld))
}

// A lock older than the stale TTL is broken.
func TestAcquireFileLock_StaleBreak(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	lockPath := base + LockFileSuffix
	old := lockRecord{pid: 99999, ts: time.Now().Add(-2 * time.Minute).UTC().UnixNano()}
	require.NoError(t, os.WriteFile(lockPath, old.encode(), 0644))

	release, err := AcquireFileLock(base, 3, 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	rec, ok := readLockRecord(lockPath)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), rec.pid)
	require.NoError(t, release())
}

// Release must not remove a lock that was broken and re-taken by someone else.
func TestAcquireFileLock_ReleaseKeepsForeignLock(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	lockPath := base + LockFileSuffix
	release, err := AcquireFileLock(base, 0, 0, 0)
	require.NoError(t, err)

	foreign := lockRecord{pid: 4242, ts: time.Now().UnixNano()}
	require.NoError(t, os.WriteFile(lockPath, foreign.encode(), 0644))

	require.NoError(t, release())
	_, err = os.Stat(lockPath)
	assert.NoError(t, err, "foreign lock must survive our release")
}
