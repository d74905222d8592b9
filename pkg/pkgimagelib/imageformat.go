// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gjolly/proposed-package-testing/internal/vhdutils"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
)

const (
	probeBlockSize = 512
)

var (
	qcow2Magic       = []byte{'Q', 'F', 'I', 0xfb}
	vhdxMagic        = []byte("vhdxfile")
	mbrBootSignature = []byte{0x55, 0xAA}
)

var (
	ErrFormatUnrecognized    = NewPkgImageError("Format:Unrecognized", "unrecognized image format")
	ErrFormatCorrupt         = NewPkgImageError("Format:Corrupt", "image header is malformed")
	ErrFormatVhdxUnsupported = NewPkgImageError("Format:VhdxUnsupported", "VHDX images are not supported")
	ErrFormatMismatch        = NewPkgImageError("Format:Mismatch", "image does not match the declared format")
	ErrFormatVhdDiskGeometry = NewPkgImageError("Format:VhdDiskGeometry",
		"VHD images sized by disk geometry are not supported (recreate with qemu-img -o force_size=on)")
)

// imageProbe is the result of inspecting an image file's headers.
type imageProbe struct {
	Format pkgimageapi.ImageFormatType
	// Only set for vpc.
	VhdFooter *vhdutils.VhdFooter
}

// probeImageFormat identifies the container format of an image from its first and last sectors.
func probeImageFormat(imagePath string) (imageProbe, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return imageProbe{}, fmt.Errorf("failed to open image (%s):\n%w", imagePath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return imageProbe{}, fmt.Errorf("failed to stat image (%s):\n%w", imagePath, err)
	}

	if stat.Size() < probeBlockSize {
		return imageProbe{}, fmt.Errorf("%w (%s): file is smaller than one sector", ErrFormatUnrecognized, imagePath)
	}

	header := make([]byte, probeBlockSize)
	_, err = f.ReadAt(header, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return imageProbe{}, fmt.Errorf("failed to read image header (%s):\n%w", imagePath, err)
	}

	footer := make([]byte, probeBlockSize)
	_, err = f.ReadAt(footer, stat.Size()-probeBlockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return imageProbe{}, fmt.Errorf("failed to read image footer (%s):\n%w", imagePath, err)
	}

	probe, err := probeImageHeaders(header, footer)
	if err != nil {
		return imageProbe{}, fmt.Errorf("%w\n(%s)", err, imagePath)
	}

	return probe, nil
}

func probeImageHeaders(header []byte, footer []byte) (imageProbe, error) {
	switch {
	case bytes.HasPrefix(header, vhdxMagic):
		return imageProbe{}, ErrFormatVhdxUnsupported

	case bytes.HasPrefix(header, qcow2Magic):
		version := binary.BigEndian.Uint32(header[4:8])
		if version != 2 && version != 3 {
			return imageProbe{}, fmt.Errorf("%w: unsupported qcow2 version (%d)", ErrFormatCorrupt, version)
		}
		return imageProbe{Format: pkgimageapi.ImageFormatTypeQcow2}, nil

	case bytes.HasPrefix(footer, []byte(vhdutils.VhdFileSignature)):
		return probeVhd(footer)

	case bytes.HasPrefix(header, []byte(vhdutils.VhdFileSignature)):
		// Dynamic disks keep a copy of the footer at the start of the file.
		return probeVhd(header)

	case bytes.Equal(header[510:512], mbrBootSignature):
		// GPT disks also have this, in their protective MBR.
		return imageProbe{Format: pkgimageapi.ImageFormatTypeRaw}, nil

	default:
		return imageProbe{}, ErrFormatUnrecognized
	}
}

func probeVhd(footerBytes []byte) (imageProbe, error) {
	footer, err := vhdutils.ParseVhdFooter(footerBytes)
	if err != nil {
		return imageProbe{}, fmt.Errorf("%w:\n%w", ErrFormatCorrupt, err)
	}

	return imageProbe{Format: pkgimageapi.ImageFormatTypeVpc, VhdFooter: &footer}, nil
}

// qemuImageOpts builds the --image-opts argument that qemu-img reads an input image with.
func qemuImageOpts(format pkgimageapi.ImageFormatType, imagePath string) string {
	// Commas are escaped by doubling them.
	escapedPath := strings.ReplaceAll(imagePath, ",", ",,")

	switch format {
	case pkgimageapi.ImageFormatTypeVpc:
		// qemu-img guesses the sizing method from the creator application otherwise.
		return fmt.Sprintf("driver=vpc,force_size_calc=current_size,file.filename=%s", escapedPath)

	default:
		return fmt.Sprintf("driver=%s,file.filename=%s", format, escapedPath)
	}
}
