// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package vhdutils

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	VhdFooterSize    = 512
	VhdFileSignature = "conectix"
	VhdFileVersion   = 0x00010000
)

const (
	VhdDiskTypeFixed        uint32 = 2
	VhdDiskTypeDynamic      uint32 = 3
	VhdDiskTypeDifferencing uint32 = 4
)

type VhdFooter struct {
	Cookie             [8]byte
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	TimeStamp          uint32
	CreatorApplication [4]byte
	CreatorVersion     [4]byte
	CreatorHostOS      [4]byte
	OriginalSize       uint64
	CurrentSize        uint64
	Cylinder           uint16
	Heads              uint8
	SectorsPerCylinder uint8
	DiskType           uint32
	Checksum           [4]byte
	UniqueId           [16]byte
	SavedState         uint8
	Reserved           [427]byte
}

var (
	ErrVhdFileTooSmall       = errors.New("file is too small to be a VHD")
	ErrVhdWrongFileSignature = errors.New("footer does not have correct VHD file signature")
	ErrVhdWrongFileVersion   = errors.New("VHD footer has unsupported file format version")
	ErrVhdUnsupportedType    = errors.New("VHD disk type is not supported")
)

type VhdFileSizeCalcType int

const (
	VhdFileSizeCalcTypeNone VhdFileSizeCalcType = iota
	VhdFileSizeCalcTypeCurrentSize
	VhdFileSizeCalcTypeDiskGeometry
)

// SizeCalcType infers the sizing method from the creator application.
// Virtual PC and old qemu-img ("vpc ", "vs  ", "qemu") round the size to a CHS disk geometry.
// Hyper-V and qemu-img with force_size=on ("qem2" and others) use the current size field.
func (f VhdFooter) SizeCalcType() VhdFileSizeCalcType {
	switch string(f.CreatorApplication[:]) {
	case "vpc ", "vs  ", "qemu":
		return VhdFileSizeCalcTypeDiskGeometry

	default:
		return VhdFileSizeCalcTypeCurrentSize
	}
}

// ParseVhdFooter decodes a 512-byte VHD footer.
// Dynamic disks also keep a copy of the footer in the first 512 bytes of the file.
func ParseVhdFooter(footerBytes []byte) (VhdFooter, error) {
	if len(footerBytes) < VhdFooterSize {
		return VhdFooter{}, ErrVhdFileTooSmall
	}

	var footer VhdFooter
	err := binary.Read(bytes.NewReader(footerBytes[:VhdFooterSize]), binary.BigEndian, &footer)
	if err != nil {
		return VhdFooter{}, err
	}

	if string(footer.Cookie[:]) != VhdFileSignature {
		return VhdFooter{}, ErrVhdWrongFileSignature
	}

	if footer.FileFormatVersion != VhdFileVersion {
		return VhdFooter{}, ErrVhdWrongFileVersion
	}

	switch footer.DiskType {
	case VhdDiskTypeFixed, VhdDiskTypeDynamic:

	default:
		return VhdFooter{}, fmt.Errorf("%w (%d)", ErrVhdUnsupportedType, footer.DiskType)
	}

	return footer, nil
}
