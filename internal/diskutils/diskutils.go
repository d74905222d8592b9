// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/shell"
	"github.com/samber/lo"
)

const (
	DeviceTypePartition = "part"
)

// Filesystems that an Ubuntu root partition can be formatted with.
var rootFileSystemTypes = []string{"ext4", "ext3", "ext2", "xfs", "btrfs"}

type partitionInfoOutput struct {
	Devices []PartitionInfo `json:"blockdevices"`
}

type PartitionInfo struct {
	Name              string `json:"name"`       // Example: nbd0p1
	Path              string `json:"path"`       // Example: /dev/nbd0p1
	PartitionTypeUuid string `json:"parttype"`   // Example: 0fc63daf-8483-4772-8e79-3d69d8477de4
	FileSystemType    string `json:"fstype"`     // Example: ext4
	Uuid              string `json:"uuid"`       // Example: 4BD9-3A78
	Label             string `json:"label"`      // Example: cloudimg-rootfs
	PartUuid          string `json:"partuuid"`   // Example: 7b1367a6-5845-43f2-99b1-a742d873f590
	Mountpoint        string `json:"mountpoint"` // Example: /mnt/os/boot
	PartLabel         string `json:"partlabel"`  // Example: boot
	Type              string `json:"type"`       // Example: part
	SizeInBytes       uint64 `json:"size"`       // Example: 4096
}

// PartitionNumber extracts the partition number from a partition's device name (e.g. nbd0p15 -> 15).
func (p PartitionInfo) PartitionNumber() (int, error) {
	name := filepath.Base(p.Name)
	index := strings.LastIndex(name, "p")
	if index < 0 || index == len(name)-1 {
		return 0, fmt.Errorf("partition name (%s) has no partition number", p.Name)
	}

	num, err := strconv.Atoi(name[index+1:])
	if err != nil {
		return 0, fmt.Errorf("partition name (%s) has no partition number:\n%w", p.Name, err)
	}

	return num, nil
}

func GetDiskPartitions(diskDevPath string) ([]PartitionInfo, error) {
	jsonString, _, err := shell.Execute("lsblk", diskDevPath, "--output",
		"NAME,PATH,PARTTYPE,FSTYPE,UUID,LABEL,MOUNTPOINT,PARTUUID,PARTLABEL,TYPE,SIZE", "--bytes", "--json", "--list")
	if err != nil {
		return nil, fmt.Errorf("failed to list disk (%s) partitions:\n%w", diskDevPath, err)
	}

	partitions, err := parsePartitionsJson(jsonString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partitions JSON:\n%w", diskDevPath, err)
	}

	return partitions, nil
}

func parsePartitionsJson(jsonString string) ([]PartitionInfo, error) {
	var output partitionInfoOutput
	if jsonString == "" {
		return nil, nil
	}

	err := json.Unmarshal([]byte(jsonString), &output)
	if err != nil {
		return nil, err
	}

	return output.Devices, nil
}

// FindRootPartition picks the lowest numbered partition with a filesystem that a root partition can use.
func FindRootPartition(partitions []PartitionInfo) (PartitionInfo, error) {
	candidates := lo.Filter(partitions, func(partition PartitionInfo, _ int) bool {
		if partition.Type != DeviceTypePartition {
			return false
		}

		if !slices.Contains(rootFileSystemTypes, partition.FileSystemType) {
			logger.Log.Debugf("Skip partition (%s) with unsupported rootfs filesystem type (%s)", partition.Path,
				partition.FileSystemType)
			return false
		}

		return true
	})

	if len(candidates) == 0 {
		return PartitionInfo{}, fmt.Errorf("no partition with a supported root filesystem (%s) found",
			strings.Join(rootFileSystemTypes, ", "))
	}

	root := lo.MinBy(candidates, func(a PartitionInfo, b PartitionInfo) bool {
		aNum, _ := a.PartitionNumber()
		bNum, _ := b.PartitionNumber()
		return aNum < bNum
	})

	return root, nil
}

// FindPartitionBySource resolves an fstab source (LABEL=, UUID=, PARTUUID=, PARTLABEL= or a device path)
// to one of the provided partitions.
func FindPartitionBySource(source string, partitions []PartitionInfo) (PartitionInfo, error) {
	key, value, hasKey := strings.Cut(source, "=")
	if !hasKey {
		key = "PATH"
		value = source
	}

	value = strings.Trim(value, "\"")

	matches := lo.Filter(partitions, func(partition PartitionInfo, _ int) bool {
		if partition.Type != DeviceTypePartition {
			return false
		}

		switch key {
		case "LABEL":
			return partition.Label == value
		case "UUID":
			return strings.EqualFold(partition.Uuid, value)
		case "PARTUUID":
			return strings.EqualFold(partition.PartUuid, value)
		case "PARTLABEL":
			return partition.PartLabel == value
		case "PATH":
			return partition.Path == value
		default:
			return false
		}
	})

	switch len(matches) {
	case 0:
		return PartitionInfo{}, fmt.Errorf("partition not found (%s)", source)
	case 1:
		return matches[0], nil
	default:
		return PartitionInfo{}, fmt.Errorf("too many matches for partition found (%s)", source)
	}
}

func WaitForDevicesToSettle() error {
	logger.Log.Debugf("Waiting for devices to settle")
	_, _, err := shell.Execute("udevadm", "settle")
	if err != nil {
		return fmt.Errorf("failed to wait for devices to settle:\n%w", err)
	}
	return nil
}
