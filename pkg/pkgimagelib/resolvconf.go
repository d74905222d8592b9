// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gjolly/proposed-package-testing/internal/file"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
)

type resolvConfType int

const (
	resolvConfTypeNone resolvConfType = iota
	resolvConfTypeSymlink
	resolvConfTypeFile
)

type resolvConfInfo struct {
	existingType resolvConfType
	fileContents string
	filePerms    os.FileMode
	symlinkPath  string
}

const (
	resolvConfPath = "/etc/resolv.conf"
)

var (
	hostResolvConfPath = resolvConfPath
)

// guestResolvConfPath returns the host path of the guest's /etc/resolv.conf.
// The guest's /etc is resolved inside rootDir. resolv.conf itself is not followed, since it is usually a symlink into
// /run.
func guestResolvConfPath(rootDir string) (string, error) {
	etcDir, err := securejoin.SecureJoin(rootDir, filepath.Dir(resolvConfPath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve guest /etc:\n%w", err)
	}

	return filepath.Join(etcDir, filepath.Base(resolvConfPath)), nil
}

// overrideResolvConf replaces the guest's resolv.conf so that processes in the chroot can reach the package archives.
func overrideResolvConf(rootDir string, dnsConfig pkgimageapi.DnsConfig) (resolvConfInfo, error) {
	logger.Log.Debugf("Overriding resolv.conf file")

	imageResolvConfPath, err := guestResolvConfPath(rootDir)
	if err != nil {
		return resolvConfInfo{}, err
	}

	existing := resolvConfInfo{}

	stat, err := os.Lstat(imageResolvConfPath)
	switch {
	case os.IsNotExist(err):
		existing.existingType = resolvConfTypeNone

	case err != nil:
		return resolvConfInfo{}, fmt.Errorf("failed to stat resolv.conf file:\n%w", err)

	case stat.Mode()&os.ModeSymlink != 0:
		symlinkPath, err := os.Readlink(imageResolvConfPath)
		if err != nil {
			return resolvConfInfo{}, fmt.Errorf("failed to read resolv.conf symlink's path:\n%w", err)
		}
		existing.existingType = resolvConfTypeSymlink
		existing.symlinkPath = symlinkPath

	default:
		fileContents, err := file.Read(imageResolvConfPath)
		if err != nil {
			return resolvConfInfo{}, fmt.Errorf("failed to read resolv.conf file:\n%w", err)
		}
		existing.existingType = resolvConfTypeFile
		existing.fileContents = fileContents
		existing.filePerms = stat.Mode().Perm()
	}

	err = os.RemoveAll(imageResolvConfPath)
	if err != nil {
		return resolvConfInfo{}, fmt.Errorf("failed to delete existing resolv.conf file:\n%w", err)
	}

	if dnsConfig.UsesHostResolvConf() {
		err = file.Copy(hostResolvConfPath, imageResolvConfPath)
		if err != nil {
			err = fmt.Errorf("failed to override resolv.conf file with host's resolv.conf:\n%w", err)
		}
	} else {
		err = file.WriteWithPerm(renderResolvConf(dnsConfig.NameserversOrDefault()), imageResolvConfPath, 0o644)
		if err != nil {
			err = fmt.Errorf("failed to write resolv.conf file:\n%w", err)
		}
	}
	if err != nil {
		// The guest's original file is already gone at this point.
		restoreErr := restoreResolvConf(rootDir, existing)
		if restoreErr != nil {
			logger.Log.Warnf("Failed to restore resolv.conf:\n%v", restoreErr)
		}
		return resolvConfInfo{}, err
	}

	return existing, nil
}

func restoreResolvConf(rootDir string, existing resolvConfInfo) error {
	logger.Log.Debugf("Restoring resolv.conf")

	imageResolvConfPath, err := guestResolvConfPath(rootDir)
	if err != nil {
		return err
	}

	// Delete the overridden resolv.conf file.
	err = os.RemoveAll(imageResolvConfPath)
	if err != nil {
		return fmt.Errorf("failed to delete overridden resolv.conf file:\n%w", err)
	}

	switch existing.existingType {
	case resolvConfTypeNone:

	case resolvConfTypeFile:
		err := file.WriteWithPerm(existing.fileContents, imageResolvConfPath, existing.filePerms)
		if err != nil {
			return fmt.Errorf("failed to restore resolv.conf file:\n%w", err)
		}

	case resolvConfTypeSymlink:
		err := os.Symlink(existing.symlinkPath, imageResolvConfPath)
		if err != nil {
			return fmt.Errorf("failed to restore resolv.conf symlink:\n%w", err)
		}

	default:
		return fmt.Errorf("unknown resolvConfType value (%v)", existing.existingType)
	}

	return nil
}

func renderResolvConf(nameservers []string) string {
	builder := strings.Builder{}
	for _, nameserver := range nameservers {
		builder.WriteString("nameserver ")
		builder.WriteString(nameserver)
		builder.WriteString("\n")
	}
	return builder.String()
}
