// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gjolly/proposed-package-testing/internal/file"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/safechroot"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
)

const (
	proposedSourcesPath  = "/etc/apt/sources.list.d/pkgimage-proposed.sources"
	ubuntuArchiveKeyring = "/usr/share/keyrings/ubuntu-archive-keyring.gpg"

	policyRcdPath = "/usr/sbin/policy-rc.d"
	// invoke-rc.d treats exit code 101 as "action forbidden".
	policyRcdContents = "#!/bin/sh\nexit 101\n"

	proposedSuiteSuffix = "-proposed"
)

func proposedSuite(codename string) string {
	return codename + proposedSuiteSuffix
}

// renderProposedSources returns a deb822 source for the proposed pocket of the guest's release.
func renderProposedSources(archive pkgimageapi.ArchiveConfig, codename string) string {
	builder := strings.Builder{}
	builder.WriteString("Types: deb\n")
	builder.WriteString(fmt.Sprintf("URIs: %s\n", archive.UriOrDefault()))
	builder.WriteString(fmt.Sprintf("Suites: %s\n", proposedSuite(codename)))
	builder.WriteString(fmt.Sprintf("Components: %s\n", strings.Join(archive.ComponentsOrDefault(), " ")))
	builder.WriteString(fmt.Sprintf("Signed-By: %s\n", ubuntuArchiveKeyring))
	return builder.String()
}

// guestPath resolves an absolute guest path to a host path that cannot escape rootDir.
func guestPath(rootDir string, path string) (string, error) {
	fullPath, err := securejoin.SecureJoin(rootDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve guest path (%s):\n%w", path, err)
	}
	return fullPath, nil
}

func addProposedSources(rootDir string, archive pkgimageapi.ArchiveConfig, codename string) error {
	sourcesPath, err := guestPath(rootDir, proposedSourcesPath)
	if err != nil {
		return err
	}

	logger.Log.Infof("Enabling (%s)", proposedSuite(codename))

	err = os.MkdirAll(filepath.Dir(sourcesPath), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create apt sources directory:\n%w", err)
	}

	err = file.WriteWithPerm(renderProposedSources(archive, codename), sourcesPath, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write proposed sources file:\n%w", err)
	}

	return nil
}

func removeProposedSources(rootDir string) error {
	sourcesPath, err := guestPath(rootDir, proposedSourcesPath)
	if err != nil {
		return err
	}

	err = file.RemoveFileIfExists(sourcesPath)
	if err != nil {
		return fmt.Errorf("failed to remove proposed sources file:\n%w", err)
	}

	return nil
}

func addPpa(ctx context.Context, chroot *safechroot.Chroot, ppa string) error {
	logger.Log.Infof("Adding (%s)", ppa)

	_, err := runAptCommand(ctx, chroot, "add-apt-repository", "--yes", "--no-update", ppa)
	if err != nil {
		return err
	}

	return nil
}

func removePpa(ctx context.Context, chroot *safechroot.Chroot, ppa string) error {
	logger.Log.Infof("Removing (%s)", ppa)

	_, err := runAptCommand(ctx, chroot, "add-apt-repository", "--yes", "--no-update", "--remove", ppa)
	if err != nil {
		return err
	}

	return nil
}

// installPolicyRcd stops package maintainer scripts from starting services in the guest.
// Returns false if the guest already has a policy, which is then left alone.
func installPolicyRcd(rootDir string) (bool, error) {
	policyPath, err := guestPath(rootDir, policyRcdPath)
	if err != nil {
		return false, err
	}

	_, err = os.Lstat(policyPath)
	if err == nil {
		logger.Log.Debugf("Guest already has (%s)", policyRcdPath)
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat (%s):\n%w", policyRcdPath, err)
	}

	err = file.WriteWithPerm(policyRcdContents, policyPath, 0o755)
	if err != nil {
		return false, fmt.Errorf("failed to write (%s):\n%w", policyRcdPath, err)
	}

	return true, nil
}

func removePolicyRcd(rootDir string) error {
	policyPath, err := guestPath(rootDir, policyRcdPath)
	if err != nil {
		return err
	}

	err = file.RemoveFileIfExists(policyPath)
	if err != nil {
		return fmt.Errorf("failed to remove (%s):\n%w", policyRcdPath, err)
	}

	return nil
}
