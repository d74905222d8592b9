package testutils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"testing"
)

// Host tools that the image pipeline shells out to.
var packageImageTools = []string{"qemu-img", "qemu-nbd", "lsblk", "findmnt", "udevadm", "modprobe"}

// CheckSkipForPackageImageRequirements skips tests that attach, mount and chroot into real images.
func CheckSkipForPackageImageRequirements(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Test must be run as root because it uses nbd devices, mounts and chroot")
	}

	for _, tool := range packageImageTools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("Test requires (%s)", tool)
		}
	}
}

// CheckSkipForQemuImg skips tests that convert between image formats.
func CheckSkipForQemuImg(t *testing.T) {
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("Test requires qemu-img")
	}
}

func GetImageFileType(filePath string) (string, error) {
	file, err := os.OpenFile(filePath, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", err
	}

	firstBytes := make([]byte, 512)
	firstBytesCount, err := file.Read(firstBytes)
	if err != nil {
		return "", err
	}

	lastBytes := make([]byte, 512)
	lastBytesCount, err := file.ReadAt(lastBytes, max(0, stat.Size()-512))
	if err != nil {
		return "", err
	}

	switch {
	case firstBytesCount >= 8 && bytes.Equal(firstBytes[:8], []byte("conectix")):
		return "vhd", nil

	case firstBytesCount >= 4 && bytes.Equal(firstBytes[:4], []byte{'Q', 'F', 'I', 0xfb}):
		return "qcow2", nil

	case firstBytesCount >= 2 && bytes.Equal(firstBytes[:2], []byte{0x1f, 0x8b}):
		return "gzip", nil

	// Check for the MBR signature (which exists even on GPT formatted drives).
	case firstBytesCount >= 512 && bytes.Equal(firstBytes[510:512], []byte{0x55, 0xAA}):
		switch {
		case lastBytesCount >= 512 && bytes.Equal(lastBytes[:8], []byte("conectix")):
			return "vhd-fixed", nil

		default:
			return "raw", nil
		}

	default:
		return "", fmt.Errorf("unknown file type: %s", filePath)
	}
}

// CreateRawDiskImage writes a sparse image of the given size with a boot signature, which is enough for format
// probing and conversion.
func CreateRawDiskImage(t *testing.T, path string, size int64) {
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create (%s): %v", path, err)
	}
	defer f.Close()

	_, err = f.WriteAt([]byte{0x55, 0xAA}, 510)
	if err != nil {
		t.Fatalf("failed to write boot signature to (%s): %v", path, err)
	}

	// Some recognizable content past the first sector.
	_, err = f.WriteAt([]byte("pkgimage test payload"), 1024*1024)
	if err != nil {
		t.Fatalf("failed to write payload to (%s): %v", path, err)
	}

	err = f.Truncate(size)
	if err != nil {
		t.Fatalf("failed to resize (%s): %v", path, err)
	}
}
