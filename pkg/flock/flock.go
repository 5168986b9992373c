// Package flock provides a primitive cross-process mutual exclusion lock
// built on exclusive file creation. A lock on "/some/path" is represented
// by the file "/some/path.lock"; whichever process creates it owns the
// lock until the file is removed.
package flock

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const retryDelay = time.Millisecond * 50

var ErrTimeout = errors.New("timed out waiting for file lock")

type FileLock struct {
	lockPath string
}

// New returns a lock guarding the given path. The lock file itself is
// created beside the guarded path with a '.lock' suffix.
func New(path string) *FileLock {
	return &FileLock{lockPath: path + ".lock"}
}

// Acquire attempts to create the lock file, retrying until the timeout
// elapses. The O_CREATE|O_EXCL pair is atomic on all platforms we care
// about, which makes it safe against other processes on the same host.
func (l *FileLock) Acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		handle, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(handle, "%d\n", os.Getpid())
			handle.Close()
			return nil
		}

		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create lock file %s: %w", l.lockPath, err)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, l.lockPath)
		}

		time.Sleep(retryDelay)
	}
}

// Release removes the lock file. Releasing a lock that is not held is a
// no-op so that deferred releases are safe on failed acquisitions.
func (l *FileLock) Release() error {
	if err := os.Remove(l.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.lockPath, err)
	}

	return nil
}
