package scheduler

import (
	"errors"
	"fmt"
)

// FileLock keeps two salesclaw processes sharing a data directory from
// sending the same follow-ups. It never blocks.
type FileLock struct {
	path    string
	release func() error
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock reports false without error when another process holds the lock.
func (l *FileLock) TryLock() (bool, error) {
	if l.release != nil {
		return false, errors.New("file lock: already held")
	}
	release, err := lockFile(l.path)
	if errors.Is(err, errLocked) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("file lock %s: %w", l.path, err)
	}
	l.release = release
	return true, nil
}

// Unlock is a no-op when the lock is not held.
func (l *FileLock) Unlock() error {
	if l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}

var errLocked = errors.New("locked by another process")
