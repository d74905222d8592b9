// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package tarutils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func writeSourceFiles(t *testing.T, dir string) []ArchiveEntry {
	metadataPath := filepath.Join(dir, "metadata.yaml")
	rootfsPath := filepath.Join(dir, "disk.qcow2")
	require.NoError(t, os.WriteFile(metadataPath, []byte("architecture: x86_64\n"), 0o600))
	require.NoError(t, os.WriteFile(rootfsPath, []byte("QFI\xfbnot really a disk"), 0o600))

	return []ArchiveEntry{
		{Name: "metadata.yaml", SourcePath: metadataPath, Mode: 0o644},
		{Name: "rootfs.img", SourcePath: rootfsPath, Mode: 0o644},
	}
}

func TestCreateTarGzArchiveFromFiles(t *testing.T) {
	dir := t.TempDir()
	entries := writeSourceFiles(t, dir)

	archivePath := filepath.Join(dir, "bundle.tar.gz")
	err := CreateTarGzArchiveFromFiles(archivePath, entries, time.Unix(1700000000, 0))
	require.NoError(t, err)

	names, err := ListTarGzArchive(archivePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"metadata.yaml", "rootfs.img"}, names)

	expandDir := filepath.Join(dir, "expanded")
	err = ExpandTarGzArchive(archivePath, expandDir)
	require.NoError(t, err)

	metadata, err := os.ReadFile(filepath.Join(expandDir, "metadata.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "architecture: x86_64\n", string(metadata))

	stat, err := os.Stat(filepath.Join(expandDir, "rootfs.img"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), stat.Mode().Perm())
}

func TestCreateTarGzArchiveIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	entries := writeSourceFiles(t, dir)
	modTime := time.Unix(1700000000, 0)

	first := filepath.Join(dir, "first.tar.gz")
	second := filepath.Join(dir, "second.tar.gz")
	require.NoError(t, CreateTarGzArchiveFromFiles(first, entries, modTime))
	require.NoError(t, CreateTarGzArchiveFromFiles(second, entries, modTime))

	firstBytes, err := os.ReadFile(first)
	require.NoError(t, err)
	secondBytes, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, firstBytes, secondBytes)
}

func TestCreateTarGzArchiveMissingSource(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bundle.tar.gz")

	err := CreateTarGzArchiveFromFiles(archivePath, []ArchiveEntry{
		{Name: "rootfs.img", SourcePath: filepath.Join(dir, "missing"), Mode: 0o644},
	}, time.Unix(0, 0))
	assert.ErrorContains(t, err, "failed to add (rootfs.img) to archive")
}
