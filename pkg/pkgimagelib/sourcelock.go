// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"golang.org/x/sys/unix"
)

var (
	ErrSourceInUse = NewPkgImageError("Source:InUse", "source image is in use by another run")
	ErrSourceLock  = NewPkgImageError("Source:Lock", "failed to lock source image")
)

// SourceLock is an exclusive advisory lock on a source image, shared by every process on the host.
type SourceLock struct {
	path     string
	lockFile *os.File
}

// AcquireSourceLock locks the source without waiting. It fails with ErrSourceInUse if another run holds the lock.
func AcquireSourceLock(lockDir string, source string) (*SourceLock, error) {
	canonical := canonicalSource(source)

	err := os.MkdirAll(lockDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("%w (%s):\n%w", ErrSourceLock, lockDir, err)
	}

	digest := sha256.Sum256([]byte(canonical))
	lockPath := filepath.Join(lockDir, hex.EncodeToString(digest[:])+".lock")

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w (%s):\n%w", ErrSourceLock, lockPath, err)
	}

	err = unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (%s)", ErrSourceInUse, canonical)
		}
		return nil, fmt.Errorf("%w (%s):\n%w", ErrSourceLock, lockPath, err)
	}

	logger.Log.Debugf("Locked source (%s) with (%s)", canonical, lockPath)

	return &SourceLock{
		path:     lockPath,
		lockFile: lockFile,
	}, nil
}

// Release unlocks the source. The lock file is left in place, since removing it would race with other runs.
func (l *SourceLock) Release() error {
	if l.lockFile == nil {
		return nil
	}

	err := unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
	closeErr := l.lockFile.Close()
	l.lockFile = nil

	if err != nil {
		return fmt.Errorf("failed to unlock (%s):\n%w", l.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close (%s):\n%w", l.path, closeErr)
	}

	return nil
}

// canonicalSource returns a stable identity for a source so that different spellings of the same local file share a
// lock.
func canonicalSource(source string) string {
	if isRemoteSource(source) {
		return source
	}

	absPath, err := filepath.Abs(source)
	if err != nil {
		return source
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return absPath
	}

	return resolved
}
