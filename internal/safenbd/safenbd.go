// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safenbd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/diskutils"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/retry"
	"github.com/gjolly/proposed-package-testing/internal/shell"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	AttachMethod = "qemu-nbd"

	DefaultMaxDevices = 16

	nbdModule     = "nbd"
	maxPartitions = 16

	sysBlockDir  = "/sys/block"
	devDir       = "/dev"
	hostLockPath = "/run/lock/pkgimage-nbd.lock"

	lockPollInterval = 100 * time.Millisecond
	lockPollAttempts = 600

	registerAttempts     = 10
	registerInitialDelay = 100 * time.Millisecond

	disconnectAttempts     = 5
	disconnectInitialDelay = 200 * time.Millisecond

	backoffFactor = 2.0
)

var (
	ErrNoFreeDevice        = errors.New("no free nbd device")
	ErrRegistrationTimeout = errors.New("timed out waiting for nbd device to register")
)

// NbdDevice is an image file exported as a local network block device.
type NbdDevice struct {
	devicePath string
	deviceName string
	imagePath  string
	sysBlock   string
	isAttached bool
}

// Connect exports imagePath (which must be a raw image) as the first free /dev/nbdN device.
func Connect(ctx context.Context, imagePath string, maxDevices int) (*NbdDevice, error) {
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}

	err := shell.NewExecBuilder("modprobe", nbdModule, fmt.Sprintf("nbds_max=%d", maxDevices),
		fmt.Sprintf("max_part=%d", maxPartitions)).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to load nbd kernel module:\n%w", err)
	}

	lock, err := lockHost(ctx)
	if err != nil {
		return nil, err
	}
	defer unlockHost(lock)

	deviceName, err := findFreeDevice(sysBlockDir, maxDevices)
	if err != nil {
		return nil, err
	}

	device := &NbdDevice{
		devicePath: filepath.Join(devDir, deviceName),
		deviceName: deviceName,
		imagePath:  imagePath,
		sysBlock:   sysBlockDir,
	}

	err = device.connect(ctx)
	if err != nil {
		return nil, err
	}

	err = device.waitForRegistration(ctx)
	if err != nil {
		device.Close()
		return nil, err
	}

	err = diskutils.WaitForDevicesToSettle()
	if err != nil {
		device.Close()
		return nil, err
	}

	return device, nil
}

// connect starts the qemu-nbd server for the device. On failure, the device is left detached.
func (d *NbdDevice) connect(ctx context.Context) error {
	logger.Log.Debugf("Connecting (%s) to (%s)", d.imagePath, d.devicePath)

	// The server daemonizes into its own session, out of reach of the process group kill that cancels commands.
	// So the connect always runs to completion and cancellation is handled once it has returned.
	err := shell.NewExecBuilder("qemu-nbd", "--format=raw", "--connect="+d.devicePath, d.imagePath).
		Context(context.WithoutCancel(ctx)).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		if isDeviceConnected(d.sysBlock, d.deviceName) {
			d.isAttached = true
			d.Close()
		}
		return fmt.Errorf("failed to connect (%s) to (%s):\n%w", d.imagePath, d.devicePath, err)
	}

	d.isAttached = true

	err = ctx.Err()
	if err != nil {
		d.Close()
		return fmt.Errorf("canceled while connecting (%s):\n%w", d.devicePath, err)
	}

	return nil
}

func (d *NbdDevice) DevicePath() string {
	return d.devicePath
}

func (d *NbdDevice) AttachMethod() string {
	return AttachMethod
}

// Close detaches the device, logging any failure.
func (d *NbdDevice) Close() {
	err := d.CleanClose()
	if err != nil {
		logger.Log.Warnf("Failed to detach nbd device (%s):\n%v", d.devicePath, err)
	}
}

// CleanClose detaches the device. Calling it again after a successful detach is a no-op.
func (d *NbdDevice) CleanClose() error {
	if !d.isAttached {
		return nil
	}

	ctx := context.Background()
	_, err := retry.RunWithExpBackoff(ctx, func() error {
		err := shell.NewExecBuilder("qemu-nbd", "--disconnect", d.devicePath).
			LogLevel(logrus.DebugLevel, logrus.DebugLevel).
			ErrorStderrLines(1).
			Execute()
		if err != nil {
			return err
		}

		if isDeviceConnected(d.sysBlock, d.deviceName) {
			return fmt.Errorf("device (%s) is still connected", d.devicePath)
		}

		return nil
	}, disconnectAttempts, disconnectInitialDelay, backoffFactor)
	if err != nil {
		return fmt.Errorf("failed to disconnect nbd device (%s):\n%w", d.devicePath, err)
	}

	d.isAttached = false
	return nil
}

func (d *NbdDevice) waitForRegistration(ctx context.Context) error {
	cancelled, err := retry.RunWithExpBackoff(ctx, func() error {
		if !isDeviceConnected(d.sysBlock, d.deviceName) {
			return ErrRegistrationTimeout
		}
		return nil
	}, registerAttempts, registerInitialDelay, backoffFactor)
	if cancelled {
		return fmt.Errorf("canceled while waiting for (%s) to register:\n%w", d.devicePath, err)
	}
	if err != nil {
		return fmt.Errorf("%w (%s)", ErrRegistrationTimeout, d.devicePath)
	}

	return nil
}

// findFreeDevice returns the name of the first nbd device that has no server attached to it.
func findFreeDevice(sysBlock string, maxDevices int) (string, error) {
	for i := 0; i < maxDevices; i++ {
		name := fmt.Sprintf("nbd%d", i)

		_, err := os.Stat(filepath.Join(sysBlock, name))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat nbd device (%s):\n%w", name, err)
		}

		if isDeviceConnected(sysBlock, name) {
			continue
		}

		size, err := readDeviceSize(sysBlock, name)
		if err != nil {
			return "", err
		}

		if size != 0 {
			continue
		}

		return name, nil
	}

	return "", fmt.Errorf("%w (searched %d devices)", ErrNoFreeDevice, maxDevices)
}

// isDeviceConnected reports whether the kernel has a server process registered for the device.
func isDeviceConnected(sysBlock string, name string) bool {
	_, err := os.Stat(filepath.Join(sysBlock, name, "pid"))
	return err == nil
}

func readDeviceSize(sysBlock string, name string) (uint64, error) {
	sizeBytes, err := os.ReadFile(filepath.Join(sysBlock, name, "size"))
	if err != nil {
		return 0, fmt.Errorf("failed to read size of nbd device (%s):\n%w", name, err)
	}

	size, err := strconv.ParseUint(strings.TrimSpace(string(sizeBytes)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size of nbd device (%s):\n%w", name, err)
	}

	return size, nil
}

// lockHost serializes device selection across every process on the host.
func lockHost(ctx context.Context) (*os.File, error) {
	err := os.MkdirAll(filepath.Dir(hostLockPath), 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock directory:\n%w", err)
	}

	lockFile, err := os.OpenFile(hostLockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open nbd lock file (%s):\n%w", hostLockPath, err)
	}

	cancelled, err := retry.RunWithExpBackoff(ctx, func() error {
		err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err != nil && !errors.Is(err, unix.EWOULDBLOCK) {
			return retry.Stop(err)
		}
		return err
	}, lockPollAttempts, lockPollInterval, 1.0)
	if err != nil {
		lockFile.Close()
		if cancelled {
			return nil, fmt.Errorf("canceled while waiting for nbd lock:\n%w", err)
		}
		return nil, fmt.Errorf("failed to lock (%s):\n%w", hostLockPath, err)
	}

	return lockFile, nil
}

func unlockHost(lockFile *os.File) {
	err := unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	if err != nil {
		logger.Log.Warnf("Failed to unlock (%s): %v", hostLockPath, err)
	}
	lockFile.Close()
}
