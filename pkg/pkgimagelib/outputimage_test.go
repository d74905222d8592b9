// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gjolly/proposed-package-testing/internal/testutils"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputNames(t *testing.T) {
	request := pkgimageapi.CustomizationRequest{PackageName: "btop"}
	assert.Equal(t, "noble-server-cloudimg-amd64_btop.img", plainOutputName("noble-server-cloudimg-amd64", request))
	assert.Equal(t, "noble-server-cloudimg-amd64_btop.tar.gz", bundleOutputName("noble-server-cloudimg-amd64", request))

	request.Proposed = true
	assert.Equal(t, "noble-server-cloudimg-amd64_btop_proposed.img", plainOutputName("noble-server-cloudimg-amd64", request))
	assert.Equal(t, "noble-server-cloudimg-amd64_btop.tar.gz", bundleOutputName("noble-server-cloudimg-amd64", request))
}

func TestResolveOutputFormat(t *testing.T) {
	tests := []struct {
		name      string
		requested pkgimageapi.ImageFormatType
		source    pkgimageapi.ImageFormatType
		bundle    bool
		expected  pkgimageapi.ImageFormatType
	}{
		{"keep raw", pkgimageapi.ImageFormatTypeNone, pkgimageapi.ImageFormatTypeRaw, false, pkgimageapi.ImageFormatTypeRaw},
		{"keep qcow2", pkgimageapi.ImageFormatTypeNone, pkgimageapi.ImageFormatTypeQcow2, false, pkgimageapi.ImageFormatTypeQcow2},
		{"vhd becomes qcow2", pkgimageapi.ImageFormatTypeNone, pkgimageapi.ImageFormatTypeVpc, false, pkgimageapi.ImageFormatTypeQcow2},
		{"explicit raw", pkgimageapi.ImageFormatTypeRaw, pkgimageapi.ImageFormatTypeQcow2, false, pkgimageapi.ImageFormatTypeRaw},
		{"bundle", pkgimageapi.ImageFormatTypeNone, pkgimageapi.ImageFormatTypeRaw, true, pkgimageapi.ImageFormatTypeQcow2},
		{"bundle qcow2", pkgimageapi.ImageFormatTypeQcow2, pkgimageapi.ImageFormatTypeRaw, true, pkgimageapi.ImageFormatTypeQcow2},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			format, err := resolveOutputFormat(test.requested, test.source, test.bundle)
			require.NoError(t, err)
			assert.Equal(t, test.expected, format)
		})
	}
}

func TestResolveOutputFormatUnsupported(t *testing.T) {
	_, err := resolveOutputFormat(pkgimageapi.ImageFormatTypeVpc, pkgimageapi.ImageFormatTypeRaw, false)
	assert.ErrorIs(t, err, ErrPackagingUnsupportedFormat)
	assert.ErrorIs(t, err, ErrPackaging)

	_, err = resolveOutputFormat(pkgimageapi.ImageFormatTypeRaw, pkgimageapi.ImageFormatTypeRaw, true)
	assert.ErrorIs(t, err, ErrPackagingUnsupportedFormat)
	assert.Equal(t, ExitCodePackaging, ExitCode(err))
}

func TestPackageOutputPlain(t *testing.T) {
	testutils.CheckSkipForQemuImg(t)

	buildDir := t.TempDir()
	outputDir := filepath.Join(t.TempDir(), "out")

	workingPath := filepath.Join(buildDir, WorkingImageName)
	testutils.CreateRawDiskImage(t, workingPath, 8*1024*1024)

	workingImage := WorkingImage{Path: workingPath, SourceFormat: pkgimageapi.ImageFormatTypeRaw}
	imageSpec := ImageSpec{BaseName: "noble"}
	options := &Options{
		Request:   pkgimageapi.CustomizationRequest{PackageName: "btop", Proposed: true},
		OutputDir: outputDir,
	}
	result := CustomizationResult{Version: "1.3.0-1", Codename: "noble"}

	artifact, err := packageOutput(context.Background(), workingImage, imageSpec, options, result, buildDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outputDir, "noble_btop_proposed.img"), artifact.Path)
	assert.Equal(t, pkgimageapi.ImageFormatTypeRaw, artifact.Format)
	assert.Equal(t, "1.3.0-1", artifact.PackageVersion)

	fileType, err := testutils.GetImageFileType(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, "raw", fileType)

	// Only the final file is left in the output directory.
	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPackageOutputFailureLeavesNothing(t *testing.T) {
	testutils.CheckSkipForQemuImg(t)

	buildDir := t.TempDir()
	outputDir := t.TempDir()

	workingImage := WorkingImage{
		Path:         filepath.Join(buildDir, "missing.raw"),
		SourceFormat: pkgimageapi.ImageFormatTypeRaw,
	}
	options := &Options{
		Request:   pkgimageapi.CustomizationRequest{PackageName: "btop"},
		OutputDir: outputDir,
	}

	_, err := packageOutput(context.Background(), workingImage, ImageSpec{BaseName: "noble"}, options,
		CustomizationResult{Codename: "noble"}, buildDir)
	assert.ErrorIs(t, err, ErrPackagingWrite)
	assert.Equal(t, ExitCodePackaging, ExitCode(err))

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
