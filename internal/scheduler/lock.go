package scheduler

import (
	"os"
	"path/filepath"
	"strconv"
)

// FileLock guards scheduler ticks across processes with a non-blocking
// exclusive lock on a file. The holder's pid is written into the file.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock for the given path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file location.
func (l *FileLock) Path() string { return l.path }

// TryLock attempts to acquire the lock without blocking. It reports false
// when another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return false, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, err
	}
	ok, err := tryLockFile(f)
	if err != nil || !ok {
		f.Close()
		return false, err
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	l.file = f
	return true, nil
}

// Unlock releases the lock. The file is left in place so a waiting
// process never locks an unlinked inode.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	l.file.Close()
	l.file = nil
	return err
}
