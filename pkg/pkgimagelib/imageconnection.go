// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gjolly/proposed-package-testing/internal/diskutils"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/retry"
	"github.com/gjolly/proposed-package-testing/internal/safechroot"
	"github.com/gjolly/proposed-package-testing/internal/safenbd"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	imageRootDirName = "imageroot"
	fstabPath        = "/etc/fstab"

	partitionScanAttempts     = 6
	partitionScanInitialDelay = 250 * time.Millisecond
)

// Guest mounts that package maintainer scripts need (kernel and bootloader hooks write to them).
var guestBootMountTargets = []string{"/boot", "/boot/efi"}

var (
	ErrDeviceAttach          = NewPkgImageError("Device:Attach", "failed to attach image as a block device")
	ErrDeviceNoPartitions    = NewPkgImageError("Device:NoPartitions", "attached device has no partitions")
	ErrDeviceNoRootPartition = NewPkgImageError("Device:NoRootPartition", "no root filesystem partition found")
	ErrDeviceDetach          = NewPkgImageError("Device:Detach", "failed to detach block device")

	ErrMountRoot       = NewPkgImageError("Mount:Root", "failed to mount root partition")
	ErrMountFstab      = NewPkgImageError("Mount:Fstab", "failed to read guest fstab")
	ErrMountBoot       = NewPkgImageError("Mount:Boot", "failed to mount guest boot partition")
	ErrMountPseudoFs   = NewPkgImageError("Mount:PseudoFs", "failed to mount pseudo filesystems")
	ErrMountResolvConf = NewPkgImageError("Mount:ResolvConf", "failed to configure guest DNS")
	ErrMountUnmount    = NewPkgImageError("Mount:Unmount", "failed to unmount guest filesystems")
)

// AttachedDisk is the working image exported as a block device, with its partition table.
type AttachedDisk struct {
	device        *safenbd.NbdDevice
	partitions    []diskutils.PartitionInfo
	rootPartition diskutils.PartitionInfo
}

// attachImage exports a raw image as a block device and finds its root partition.
// The device is detached again if no root partition is found.
func attachImage(ctx context.Context, imagePath string, maxDevices int) (*AttachedDisk, error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "attach_image")
	defer span.End()

	device, err := safenbd.Connect(ctx, imagePath, maxDevices)
	if err != nil {
		return nil, fmt.Errorf("%w (%s):\n%w", ErrDeviceAttach, imagePath, err)
	}

	span.SetAttributes(
		attribute.String("device", device.DevicePath()),
	)

	partitions, err := scanPartitions(ctx, device.DevicePath())
	if err != nil {
		device.Close()
		return nil, err
	}

	rootPartition, err := diskutils.FindRootPartition(partitions)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("%w (%s):\n%w", ErrDeviceNoRootPartition, device.DevicePath(), err)
	}

	logger.Log.Infof("Attached (%s) as (%s) with root partition (%s)", imagePath, device.DevicePath(),
		rootPartition.Path)

	return &AttachedDisk{
		device:        device,
		partitions:    partitions,
		rootPartition: rootPartition,
	}, nil
}

// scanPartitions waits for the kernel to publish the device's partitions.
func scanPartitions(ctx context.Context, devicePath string) ([]diskutils.PartitionInfo, error) {
	var partitions []diskutils.PartitionInfo
	_, err := retry.RunWithExpBackoff(ctx, func() error {
		devices, err := diskutils.GetDiskPartitions(devicePath)
		if err != nil {
			return err
		}

		partitions = slices.DeleteFunc(devices, func(p diskutils.PartitionInfo) bool {
			return p.Type != diskutils.DeviceTypePartition
		})
		if len(partitions) == 0 {
			return ErrDeviceNoPartitions
		}

		return nil
	}, partitionScanAttempts, partitionScanInitialDelay, 2.0)
	if err != nil {
		return nil, fmt.Errorf("%w (%s):\n%w", ErrDeviceNoPartitions, devicePath, err)
	}

	return partitions, nil
}

func (d *AttachedDisk) DevicePath() string {
	return d.device.DevicePath()
}

func (d *AttachedDisk) Close() {
	d.device.Close()
}

func (d *AttachedDisk) CleanClose() error {
	err := d.device.CleanClose()
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrDeviceDetach, err)
	}
	return nil
}

// ImageConnection is the guest's filesystems mounted as a chroot, with working DNS.
type ImageConnection struct {
	chroot     *safechroot.Chroot
	resolvConf *resolvConfInfo
}

// connectGuestRoot mounts the root partition, the guest's boot partitions and the pseudo filesystems under buildDir.
func connectGuestRoot(ctx context.Context, disk *AttachedDisk, buildDir string, dnsConfig pkgimageapi.DnsConfig,
) (*ImageConnection, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "mount_guest_root")
	defer span.End()

	rootDir := filepath.Join(buildDir, imageRootDirName)
	connection := &ImageConnection{
		chroot: safechroot.NewChroot(rootDir),
	}

	err := connection.connect(disk, dnsConfig)
	if err != nil {
		connection.Close()
		return nil, err
	}

	return connection, nil
}

func (c *ImageConnection) connect(disk *AttachedDisk, dnsConfig pkgimageapi.DnsConfig) error {
	rootPartition := disk.rootPartition
	err := c.chroot.Initialize(safechroot.NewMountPoint(rootPartition.Path, "/", rootPartition.FileSystemType, 0,
		""))
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrMountRoot, rootPartition.Path, err)
	}

	bootMountPoints, err := findGuestBootMountPoints(c.chroot.RootDir(), disk.partitions)
	if err != nil {
		return err
	}

	err = c.chroot.AddMounts(bootMountPoints)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrMountBoot, err)
	}

	err = c.chroot.AddMounts(safechroot.DefaultMountPoints())
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrMountPseudoFs, err)
	}

	resolvConf, err := overrideResolvConf(c.chroot.RootDir(), dnsConfig)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrMountResolvConf, err)
	}
	c.resolvConf = &resolvConf

	return nil
}

// findGuestBootMountPoints reads the guest's fstab and returns the boot partitions that live on the attached disk.
func findGuestBootMountPoints(rootDir string, partitions []diskutils.PartitionInfo,
) ([]*safechroot.MountPoint, error) {
	guestFstabPath, err := securejoin.SecureJoin(rootDir, fstabPath)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrMountFstab, err)
	}

	_, err = os.Stat(guestFstabPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Log.Warnf("Guest has no fstab, only the root partition is mounted")
		return nil, nil
	}

	entries, err := diskutils.ReadFstabFile(guestFstabPath)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrMountFstab, err)
	}

	mountPoints := []*safechroot.MountPoint(nil)
	for _, entry := range entries {
		if !slices.Contains(guestBootMountTargets, entry.Target) {
			continue
		}

		partition, err := diskutils.FindPartitionBySource(entry.Source, partitions)
		if err != nil {
			logger.Log.Warnf("Skipping guest mount (%s): %v", entry.Target, err)
			continue
		}

		mountPoints = append(mountPoints, safechroot.NewMountPoint(partition.Path, entry.Target,
			partition.FileSystemType, 0, ""))
	}

	safechroot.SortMountPointsByDepth(mountPoints)
	return mountPoints, nil
}

func (c *ImageConnection) RootDir() string {
	return c.chroot.RootDir()
}

func (c *ImageConnection) Chroot() *safechroot.Chroot {
	return c.chroot
}

func (c *ImageConnection) Close() {
	if c.resolvConf != nil {
		err := restoreResolvConf(c.chroot.RootDir(), *c.resolvConf)
		if err != nil {
			logger.Log.Warnf("Failed to restore guest resolv.conf:\n%v", err)
		}
		c.resolvConf = nil
	}

	c.chroot.Close()
}

func (c *ImageConnection) CleanClose() error {
	if c.resolvConf != nil {
		err := restoreResolvConf(c.chroot.RootDir(), *c.resolvConf)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrMountResolvConf, err)
		}
		c.resolvConf = nil
	}

	err := c.chroot.CleanClose()
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrMountUnmount, err)
	}

	return nil
}
