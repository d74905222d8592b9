// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safechroot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/safemount"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestSortMountPointsByDepth(t *testing.T) {
	mountPoints := []*MountPoint{
		NewMountPoint("LABEL=UEFI", "/boot/efi", "vfat", 0, ""),
		NewMountPoint("LABEL=BOOT", "/boot", "ext4", 0, ""),
	}

	SortMountPointsByDepth(mountPoints)

	targets := lo.Map(mountPoints, func(m *MountPoint, _ int) string { return m.Target() })
	assert.Equal(t, []string{"/boot", "/boot/efi"}, targets)
}

func TestDefaultMountPointsOrder(t *testing.T) {
	targets := lo.Map(DefaultMountPoints(), func(m *MountPoint, _ int) string { return m.Target() })
	assert.Equal(t, []string{"/proc", "/sys", "/dev", "/dev/pts", "/run"}, targets)
}

func TestAddMountsRequiresInitialize(t *testing.T) {
	chroot := NewChroot(t.TempDir())
	err := chroot.AddMounts(DefaultMountPoints())
	assert.ErrorContains(t, err, "is not initialized")
}

func TestChrootLifecycle(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Test must be run as root because it uses a chroot")
	}

	rootDir := filepath.Join(t.TempDir(), "root")
	chroot := NewChroot(rootDir)

	err := chroot.Initialize(NewMountPoint("tmpfs", "/", "tmpfs", 0, "size=64m"))
	require.NoError(t, err)

	// Populate a minimal root with the host's shell so that Command can run something.
	for _, dir := range []string{"bin", "lib", "lib64", "usr"} {
		hostDir := filepath.Join("/", dir)
		if _, err := os.Lstat(hostDir); err != nil {
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Join(rootDir, dir), 0o755))
	}

	err = chroot.AddMounts([]*MountPoint{
		NewMountPoint("/usr", "/usr", "", 0x1000 /*MS_BIND*/, ""),
	})
	require.NoError(t, err)

	err = chroot.AddMounts(DefaultMountPoints())
	require.NoError(t, err)

	targets := chroot.mountTargets()
	require.Len(t, targets, 7)
	assert.Equal(t, rootDir, targets[0])
	assert.Equal(t, filepath.Join(rootDir, "run"), targets[6])

	// Ubuntu has a merged /usr, so /bin resolves through the bind mounted /usr.
	if _, err := os.Stat("/usr/bin/sh"); err == nil {
		stdout, _, err := chroot.Command(context.Background(), "/usr/bin/sh", "-c", "echo $LC_ALL").
			ExecuteCaptureOutput()
		assert.NoError(t, err)
		assert.Equal(t, "C", strings.TrimSpace(stdout))
	}

	err = chroot.CleanClose()
	assert.NoError(t, err)

	busy, err := safemount.HasMountsUnder(rootDir)
	assert.NoError(t, err)
	assert.False(t, busy)

	_, err = os.Stat(rootDir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
