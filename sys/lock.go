package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// LockFileSuffix is appended to the guarded path to form the lock file name.
const LockFileSuffix = ".lock"

// DefaultLockStaleTTL is the age after which a lock left behind by a crashed
// builder is broken.
var DefaultLockStaleTTL = 6 * time.Hour

// ErrLockHeld is returned when the lock is still held after all retries.
var ErrLockHeld = errors.New("lock file is held")

// lockRecord is the binary content of a lock file: pid followed by the
// unixnano acquisition time.
type lockRecord struct {
	pid int
	ts  int64
}

func (r lockRecord) encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.pid))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.ts))
	return buf
}

func readLockRecord(lockPath string) (lockRecord, bool) {
	b, err := os.ReadFile(lockPath)
	if err != nil || len(b) < 12 {
		return lockRecord{}, false
	}
	return lockRecord{
		pid: int(binary.LittleEndian.Uint32(b[0:4])),
		ts:  int64(binary.LittleEndian.Uint64(b[4:12])),
	}, true
}

// lockAge returns how long ago the lock at lockPath was taken, using the
// recorded timestamp or the file modtime when the content is unreadable.
func lockAge(lockPath string) (time.Duration, bool) {
	now := time.Now().UTC()
	if rec, ok := readLockRecord(lockPath); ok && rec.ts > 0 {
		return now.Sub(time.Unix(0, rec.ts)), true
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return 0, false
	}
	return now.Sub(info.ModTime()), true
}

// AcquireFileLock tries to create a lock file at path + ".lock" using an
// atomic create (O_EXCL). It retries up to maxRetries with retryInterval.
// If staleTTL > 0, an existing lock file older than staleTTL is removed and
// acquisition retried. On success it returns a release function that removes
// the lock file only if it still belongs to this process.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration, staleTTL time.Duration) (func() error, error) {
	lockPath := path + LockFileSuffix
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			ours := lockRecord{pid: os.Getpid(), ts: time.Now().UTC().UnixNano()}
			_, werr := f.Write(ours.encode())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("AcquireFileLock: write %s: %w", lockPath, errors.Join(werr, cerr))
			}
			release := func() error {
				rec, ok := readLockRecord(lockPath)
				if !ok {
					if _, serr := os.Stat(lockPath); os.IsNotExist(serr) {
						return nil
					}
					// Unexpected content, leave it alone.
					return nil
				}
				if rec != ours {
					return nil
				}
				return os.Remove(lockPath)
			}
			return release, nil
		}
		lastErr = err
		if !os.IsExist(err) {
			return nil, fmt.Errorf("AcquireFileLock: %w", err)
		}

		if staleTTL > 0 {
			if age, ok := lockAge(lockPath); ok && age > staleTTL {
				// May race with another process breaking the same lock; the
				// O_EXCL create above decides the winner.
				_ = os.Remove(lockPath)
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("AcquireFileLock: %s: %w: %v", lockPath, ErrLockHeld, lastErr)
}
