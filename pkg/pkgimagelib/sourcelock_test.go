// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceLockIsExclusive(t *testing.T) {
	lockDir := t.TempDir()
	source := filepath.Join(t.TempDir(), "noble.img")
	require.NoError(t, os.WriteFile(source, []byte("image"), 0o644))

	lock, err := AcquireSourceLock(lockDir, source)
	require.NoError(t, err)

	// flock locks belong to the open file description, so a second open conflicts even within one process.
	_, err = AcquireSourceLock(lockDir, source)
	assert.ErrorIs(t, err, ErrSourceInUse)
	assert.ErrorIs(t, err, ErrSource)

	require.NoError(t, lock.Release())

	lock, err = AcquireSourceLock(lockDir, source)
	require.NoError(t, err)
	assert.NoError(t, lock.Release())

	// Releasing twice is a no-op.
	assert.NoError(t, lock.Release())
}

func TestSourceLockFollowsSymlinks(t *testing.T) {
	lockDir := t.TempDir()
	dir := t.TempDir()
	source := filepath.Join(dir, "noble.img")
	link := filepath.Join(dir, "current.img")
	require.NoError(t, os.WriteFile(source, []byte("image"), 0o644))
	require.NoError(t, os.Symlink(source, link))

	lock, err := AcquireSourceLock(lockDir, source)
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquireSourceLock(lockDir, link)
	assert.ErrorIs(t, err, ErrSourceInUse)
}

func TestSourceLockDifferentSources(t *testing.T) {
	lockDir := t.TempDir()

	first, err := AcquireSourceLock(lockDir, "https://cloud-images.ubuntu.com/noble/current/noble.img")
	require.NoError(t, err)
	defer first.Release()

	second, err := AcquireSourceLock(lockDir, "https://cloud-images.ubuntu.com/jammy/current/jammy.img")
	require.NoError(t, err)
	defer second.Release()
}
