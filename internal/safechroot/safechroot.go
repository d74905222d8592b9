// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safechroot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/safemount"
	"github.com/gjolly/proposed-package-testing/internal/shell"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

// MountPoint describes a mount inside the chroot. target is relative to the chroot's root.
type MountPoint struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

func NewMountPoint(source string, target string, fstype string, flags uintptr, data string) *MountPoint {
	return &MountPoint{
		source: source,
		target: target,
		fstype: fstype,
		flags:  flags,
		data:   data,
	}
}

func (m *MountPoint) Source() string {
	return m.source
}

func (m *MountPoint) Target() string {
	return m.target
}

func (m *MountPoint) FsType() string {
	return m.fstype
}

// DefaultMountPoints are the pseudo-filesystems that package maintainer scripts expect to find.
// They are mounted in this order.
func DefaultMountPoints() []*MountPoint {
	return []*MountPoint{
		NewMountPoint("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""),
		NewMountPoint("sysfs", "/sys", "sysfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV|unix.MS_RDONLY, ""),
		NewMountPoint("/dev", "/dev", "", unix.MS_BIND, ""),
		NewMountPoint("/dev/pts", "/dev/pts", "", unix.MS_BIND, ""),
		NewMountPoint("tmpfs", "/run", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=755"),
	}
}

// DefaultEnvironment is the environment used for processes run inside the chroot.
var DefaultEnvironment = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/root",
	"LC_ALL=C",
	"LANG=C",
}

// Chroot is a guest root directory with its filesystems mounted.
// Mounts are recorded in acquisition order and released in reverse order.
type Chroot struct {
	rootDir    string
	dirCreated bool
	mounts     []*safemount.Mount
}

func NewChroot(rootDir string) *Chroot {
	return &Chroot{
		rootDir: rootDir,
	}
}

func (c *Chroot) RootDir() string {
	return c.rootDir
}

// Initialize creates the root directory and mounts the root filesystem on it.
func (c *Chroot) Initialize(rootMountPoint *MountPoint) error {
	if len(c.mounts) > 0 {
		return fmt.Errorf("chroot (%s) already initialized", c.rootDir)
	}

	_, err := os.Stat(c.rootDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		err = os.MkdirAll(c.rootDir, os.ModePerm)
		if err != nil {
			return fmt.Errorf("failed to create chroot directory (%s):\n%w", c.rootDir, err)
		}
		c.dirCreated = true

	case err != nil:
		return fmt.Errorf("failed to stat chroot directory (%s):\n%w", c.rootDir, err)
	}

	mount, err := safemount.NewMount(rootMountPoint.source, c.rootDir, rootMountPoint.fstype, rootMountPoint.flags,
		rootMountPoint.data, false)
	if err != nil {
		return fmt.Errorf("failed to mount chroot root (%s):\n%w", rootMountPoint.source, err)
	}

	c.mounts = append(c.mounts, mount)
	return nil
}

// AddMounts mounts additional filesystems inside the chroot, in the provided order.
func (c *Chroot) AddMounts(mountPoints []*MountPoint) error {
	if len(c.mounts) == 0 {
		return fmt.Errorf("chroot (%s) is not initialized", c.rootDir)
	}

	for _, mountPoint := range mountPoints {
		// Resolve the target as the guest would see it, so that a guest symlink cannot point outside of the chroot.
		fullPath, err := securejoin.SecureJoin(c.rootDir, mountPoint.target)
		if err != nil {
			return fmt.Errorf("failed to resolve mount target (%s):\n%w", mountPoint.target, err)
		}

		err = os.MkdirAll(fullPath, os.ModePerm)
		if err != nil {
			return fmt.Errorf("failed to create mount target (%s):\n%w", fullPath, err)
		}

		mount, err := safemount.NewMount(mountPoint.source, fullPath, mountPoint.fstype, mountPoint.flags,
			mountPoint.data, false)
		if err != nil {
			return err
		}

		c.mounts = append(c.mounts, mount)
	}

	return nil
}

// mountTargets lists the host paths of the active mounts in acquisition order.
func (c *Chroot) mountTargets() []string {
	return lo.Map(c.mounts, func(mount *safemount.Mount, _ int) string {
		return mount.Target()
	})
}

// Command returns a builder for a program that runs with the chroot as its root.
func (c *Chroot) Command(ctx context.Context, program string, args ...string) shell.ExecBuilder {
	return shell.NewExecBuilder(program, args...).
		Context(ctx).
		Chroot(c.rootDir).
		EnvironmentVariables(DefaultEnvironment)
}

// Close releases the chroot, logging failures instead of returning them.
func (c *Chroot) Close() {
	for i := len(c.mounts) - 1; i >= 0; i-- {
		c.mounts[i].Close()
	}
	c.mounts = nil

	err := c.removeRootDir()
	if err != nil {
		logger.Log.Warnf("Failed to remove chroot directory:\n%v", err)
	}
}

// CleanClose unmounts everything in reverse acquisition order and then deletes the root directory.
// Mounts that could not be released are kept so that a later Close can try again.
func (c *Chroot) CleanClose() error {
	errs := []error(nil)
	remaining := []*safemount.Mount(nil)
	for i := len(c.mounts) - 1; i >= 0; i-- {
		mount := c.mounts[i]
		err := mount.CleanClose()
		if err != nil {
			errs = append(errs, err)
			remaining = append(remaining, mount)
		}
	}

	slices.Reverse(remaining)
	c.mounts = remaining

	if len(errs) > 0 {
		return fmt.Errorf("failed to unmount chroot (%s):\n%w", c.rootDir, errors.Join(errs...))
	}

	return c.removeRootDir()
}

func (c *Chroot) removeRootDir() error {
	if !c.dirCreated {
		return nil
	}

	busy, err := safemount.HasMountsUnder(c.rootDir)
	if err != nil {
		return err
	}

	if busy {
		return fmt.Errorf("chroot directory (%s) still has mounts", c.rootDir)
	}

	err = os.Remove(c.rootDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove chroot directory (%s):\n%w", c.rootDir, err)
	}

	c.dirCreated = false
	return nil
}

// SortMountPointsByDepth orders mount points so that parents are mounted before their children.
func SortMountPointsByDepth(mountPoints []*MountPoint) {
	slices.SortStableFunc(mountPoints, func(a *MountPoint, b *MountPoint) int {
		return strings.Count(strings.TrimRight(a.target, "/"), "/") -
			strings.Count(strings.TrimRight(b.target, "/"), "/")
	})
}
