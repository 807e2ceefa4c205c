// Package fileutil provides advisory lock files and atomic file writes for
// the state files a background supervisor shares with the CLI.
package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned by LockExclusive without wait when another process
// holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an advisory lock held on an open lock file.
type Lock struct {
	f *os.File
}

// LockExclusive opens (creating it if needed) the lock file at path and takes
// an exclusive lock. Without wait it fails with ErrLocked instead of
// blocking.
func LockExclusive(path string, wait bool) (*Lock, error) {
	if err := EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := flock(f, true, wait); err != nil {
		f.Close()
		if !wait {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to acquire exclusive lock: %w", err)
	}
	return &Lock{f: f}, nil
}

// LockShared takes a shared lock on an existing lock file, blocking while a
// writer holds it. A missing lock file is reported as os.ErrNotExist.
func LockShared(path string) (*Lock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if err := flock(f, false, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire shared lock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file. It is safe to call on a nil
// Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := funlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// EnsureParentDir creates parent directories for the given path if they do not exist.
func EnsureParentDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0755)
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := EnsureParentDir(path); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return err
	}
	if err := replaceFile(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// replaceFile renames tempPath to targetPath. Where rename cannot replace an
// existing file it falls back to remove-then-rename.
func replaceFile(tempPath, targetPath string) error {
	if err := os.Rename(tempPath, targetPath); err == nil {
		return nil
	}
	if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Rename(tempPath, targetPath)
}
