// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safemount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/processes"
	"github.com/gjolly/proposed-package-testing/internal/retry"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

const (
	unmountAttempts     = 5
	unmountInitialDelay = 200 * time.Millisecond
	unmountDelayFactor  = 2.0
)

// Mount is a single kernel mount whose lifetime is tied to this object.
type Mount struct {
	source     string
	target     string
	fstype     string
	dirCreated bool
	isMounted  bool
}

// NewMount mounts source on target.
// If makeAndDeleteDir is set, target is created if missing and removed by Close.
func NewMount(source string, target string, fstype string, flags uintptr, data string, makeAndDeleteDir bool,
) (*Mount, error) {
	mount := &Mount{
		source: source,
		target: target,
		fstype: fstype,
	}

	err := mount.initialize(flags, data, makeAndDeleteDir)
	if err != nil {
		mount.Close()
		return nil, err
	}

	return mount, nil
}

func (m *Mount) initialize(flags uintptr, data string, makeAndDeleteDir bool) error {
	if makeAndDeleteDir {
		exists, err := pathExists(m.target)
		if err != nil {
			return fmt.Errorf("failed to check if mount directory (%s) exists:\n%w", m.target, err)
		}

		if !exists {
			err = os.MkdirAll(m.target, os.ModePerm)
			if err != nil {
				return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
			}
			m.dirCreated = true
		}
	}

	logger.Log.Debugf("Mounting (%s) at (%s) type (%s)", m.source, m.target, m.fstype)

	err := unix.Mount(m.source, m.target, m.fstype, flags, data)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) to (%s):\n%w", m.source, m.target, err)
	}
	m.isMounted = true

	return nil
}

func (m *Mount) Target() string {
	return m.target
}

func (m *Mount) Source() string {
	return m.source
}

// Close unmounts and cleans up, logging any failure.
// If the target stays busy, it is lazily detached so that it does not outlive the process.
func (m *Mount) Close() {
	err := m.close(true)
	if err != nil {
		logger.Log.Warnf("Failed to close mount (%s):\n%v", m.target, err)
	}
}

// CleanClose unmounts and cleans up, returning an error if the target could not be released.
func (m *Mount) CleanClose() error {
	return m.close(false)
}

func (m *Mount) close(lazyFallback bool) error {
	if m.isMounted {
		err := unmountWithRetry(m.target)
		if err != nil {
			if !lazyFallback {
				return err
			}

			logger.Log.Warnf("Lazily detaching busy mount (%s)", m.target)
			lazyErr := unix.Unmount(m.target, unix.MNT_DETACH)
			if lazyErr != nil {
				return errors.Join(err, fmt.Errorf("failed to lazily unmount (%s):\n%w", m.target, lazyErr))
			}
		}

		m.isMounted = false
	}

	if m.dirCreated {
		err := removeMountDir(m.target)
		if err != nil {
			return err
		}
		m.dirCreated = false
	}

	return nil
}

func unmountWithRetry(target string) error {
	logger.Log.Debugf("Unmounting (%s)", target)

	_, err := retry.RunWithExpBackoff(context.Background(), func() error {
		err := unix.Unmount(target, 0)
		switch {
		case err == nil:
			return nil

		case errors.Is(err, unix.EINVAL):
			// Not a mount point. Either it was never mounted or someone else already unmounted it.
			mounted, mountedErr := mountinfo.Mounted(target)
			if mountedErr == nil && !mounted {
				return nil
			}
			return retry.Stop(err)

		case errors.Is(err, unix.EBUSY):
			logBusyProcesses(target)
			return err

		default:
			return retry.Stop(err)
		}
	}, unmountAttempts, unmountInitialDelay, unmountDelayFactor)
	if err != nil {
		return fmt.Errorf("failed to unmount (%s):\n%w", target, err)
	}

	return nil
}

// removeMountDir deletes a mount directory once nothing is mounted on or under it.
func removeMountDir(target string) error {
	busy, err := HasMountsUnder(target)
	if err != nil {
		return err
	}

	if busy {
		return fmt.Errorf("cannot remove mount directory (%s): mounts still present", target)
	}

	err = os.Remove(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete mount directory (%s):\n%w", target, err)
	}

	return nil
}

// HasMountsUnder reports whether anything is mounted on dir or below it.
// dir may be relative or go through symlinks.
func HasMountsUnder(dir string) (bool, error) {
	// The mount table only holds absolute paths with symlinks resolved.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("failed to get absolute path of (%s):\n%w", dir, err)
	}

	resolvedDir, err := filepath.EvalSymlinks(absDir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve (%s):\n%w", absDir, err)
	}

	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(resolvedDir))
	if err != nil {
		return false, fmt.Errorf("failed to read mount table:\n%w", err)
	}

	return len(mounts) > 0, nil
}

func logBusyProcesses(target string) {
	records, err := processes.GetProcessesUsingPath(target)
	if err != nil {
		logger.Log.Debugf("Failed to list processes using (%s):\n%v", target, err)
		return
	}

	for _, record := range records {
		logger.Log.Warnf("Process (%d, %s) is using (%s)", record.ProcessId, record.ProcessName, target)
	}
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
