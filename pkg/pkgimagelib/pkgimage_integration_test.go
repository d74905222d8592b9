// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gjolly/proposed-package-testing/internal/safemount"
	"github.com/gjolly/proposed-package-testing/internal/tarutils"
	"github.com/gjolly/proposed-package-testing/internal/testutils"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkSkipForPackageImage(t *testing.T) string {
	testutils.CheckSkipForPackageImageRequirements(t)

	if *baseImageUbuntu == "" {
		t.Skip("--base-image-ubuntu is required for this test")
	}

	return *baseImageUbuntu
}

// connectedNbdDevices lists the nbd devices that have a server attached.
func connectedNbdDevices(t *testing.T) []string {
	pidFiles, err := filepath.Glob("/sys/block/nbd*/pid")
	require.NoError(t, err)

	devices := []string(nil)
	for _, pidFile := range pidFiles {
		devices = append(devices, filepath.Base(filepath.Dir(pidFile)))
	}
	return devices
}

func assertNoLeakedResources(t *testing.T, buildDir string, devicesBefore []string) {
	busy, err := safemount.HasMountsUnder(buildDir)
	assert.NoError(t, err)
	assert.False(t, busy, "mounts left under (%s)", buildDir)

	assert.ElementsMatch(t, devicesBefore, connectedNbdDevices(t))

	entries, err := os.ReadDir(buildDir)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

// withOutputImageGuest mounts the guest of an output image and calls inspect with it.
func withOutputImageGuest(t *testing.T, imagePath string, inspect func(connection *ImageConnection)) {
	ctx := context.Background()
	buildDir := t.TempDir()

	workingImage, err := toRaw(ctx, ImageSpec{Path: imagePath}, buildDir)
	require.NoError(t, err)
	defer os.Remove(workingImage.Path)

	disk, err := attachImage(ctx, workingImage.Path, 0)
	require.NoError(t, err)
	defer disk.Close()

	connection, err := connectGuestRoot(ctx, disk, buildDir, pkgimageapi.DnsConfig{})
	require.NoError(t, err)
	defer connection.Close()

	inspect(connection)

	assert.NoError(t, connection.CleanClose())
	assert.NoError(t, disk.CleanClose())
}

func TestPackageImageInstallsPackage(t *testing.T) {
	baseImage := checkSkipForPackageImage(t)

	buildDir := t.TempDir()
	outputDir := t.TempDir()
	devicesBefore := connectedNbdDevices(t)

	artifact, err := PackageImage(context.Background(), Options{
		Source:    baseImage,
		Request:   pkgimageapi.CustomizationRequest{PackageName: "btop"},
		OutputDir: outputDir,
		BuildDir:  buildDir,
		LockDir:   t.TempDir(),
	})
	if !assert.NoError(t, err) {
		return
	}

	assertNoLeakedResources(t, buildDir, devicesBefore)

	assert.Equal(t, filepath.Join(outputDir, imageBaseName(baseImage)+"_btop.img"), artifact.Path)
	assert.NotEmpty(t, artifact.PackageVersion)

	withOutputImageGuest(t, artifact.Path, func(connection *ImageConnection) {
		stdout, _, err := connection.Chroot().Command(context.Background(), "dpkg-query", "-W", "-f=${Package}\n").
			ExecuteCaptureOutput()
		require.NoError(t, err)

		count := 0
		for _, line := range strings.Split(stdout, "\n") {
			if line == "btop" {
				count++
			}
		}
		assert.Equal(t, 1, count)

		// Nothing that was added for the install stays behind.
		_, err = os.Stat(filepath.Join(connection.RootDir(), policyRcdPath))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestPackageImageLxdBundle(t *testing.T) {
	baseImage := checkSkipForPackageImage(t)

	buildDir := t.TempDir()
	outputDir := t.TempDir()
	devicesBefore := connectedNbdDevices(t)

	artifact, err := PackageImage(context.Background(), Options{
		Source:    baseImage,
		Request:   pkgimageapi.CustomizationRequest{PackageName: "btop"},
		Bundle:    true,
		OutputDir: outputDir,
		BuildDir:  buildDir,
		LockDir:   t.TempDir(),
	})
	if !assert.NoError(t, err) {
		return
	}

	assertNoLeakedResources(t, buildDir, devicesBefore)

	assert.Equal(t, filepath.Join(outputDir, imageBaseName(baseImage)+"_btop.tar.gz"), artifact.Path)
	assert.True(t, artifact.Bundle)
	assert.Equal(t, pkgimageapi.ImageFormatTypeQcow2, artifact.Format)

	names, err := tarutils.ListTarGzArchive(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"metadata.yaml", "rootfs.img"}, names)
}

func TestPackageImageUnreachablePpa(t *testing.T) {
	baseImage := checkSkipForPackageImage(t)

	buildDir := t.TempDir()
	outputDir := t.TempDir()
	devicesBefore := connectedNbdDevices(t)

	useHostResolvConf := false
	_, err := PackageImage(context.Background(), Options{
		Source:    baseImage,
		Request:   pkgimageapi.CustomizationRequest{PackageName: "btop", Ppa: "ppa:pkgimage-test/unreachable"},
		OutputDir: outputDir,
		BuildDir:  buildDir,
		LockDir:   t.TempDir(),
		Config: pkgimageapi.Config{
			Dns: pkgimageapi.DnsConfig{
				// TEST-NET-1, which nothing answers on.
				Nameservers:       []string{"192.0.2.1"},
				UseHostResolvConf: &useHostResolvConf,
			},
		},
	})
	assert.ErrorIs(t, err, ErrCustomization)
	assert.Equal(t, ExitCodeCustomization, ExitCode(err))

	var customizationError *CustomizationError
	if assert.ErrorAs(t, err, &customizationError) {
		assert.Equal(t, ReasonSourceUnreachable, customizationError.Reason)
		assert.NotEmpty(t, customizationError.Output)
	}

	assertNoLeakedResources(t, buildDir, devicesBefore)

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPackageImageProposed(t *testing.T) {
	baseImage := checkSkipForPackageImage(t)

	buildDir := t.TempDir()
	outputDir := t.TempDir()
	devicesBefore := connectedNbdDevices(t)

	artifact, err := PackageImage(context.Background(), Options{
		Source:    baseImage,
		Request:   pkgimageapi.CustomizationRequest{PackageName: "btop", Proposed: true},
		OutputDir: outputDir,
		BuildDir:  buildDir,
		LockDir:   t.TempDir(),
	})
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, ExitCodeSuccess, ExitCode(err))

	assertNoLeakedResources(t, buildDir, devicesBefore)

	assert.Equal(t, filepath.Join(outputDir, imageBaseName(baseImage)+"_btop_proposed.img"), artifact.Path)

	withOutputImageGuest(t, artifact.Path, func(connection *ImageConnection) {
		_, err := os.Stat(filepath.Join(connection.RootDir(), proposedSourcesPath))
		assert.ErrorIs(t, err, os.ErrNotExist)

		_, err = installedPackageVersion(context.Background(), connection.Chroot(), "btop")
		assert.NoError(t, err)
	})
}

func TestPackageImageSourceUnchanged(t *testing.T) {
	baseImage := checkSkipForPackageImage(t)

	before, err := os.Stat(baseImage)
	require.NoError(t, err)

	_, err = PackageImage(context.Background(), Options{
		Source:    baseImage,
		Request:   pkgimageapi.CustomizationRequest{PackageName: "not-a-real-package-pkgimage"},
		OutputDir: t.TempDir(),
		BuildDir:  t.TempDir(),
		LockDir:   t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrCustomization)

	var customizationError *CustomizationError
	if assert.ErrorAs(t, err, &customizationError) {
		assert.Equal(t, ReasonPackageNotFound, customizationError.Reason)
	}

	after, err := os.Stat(baseImage)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, before.Size(), after.Size())
}
