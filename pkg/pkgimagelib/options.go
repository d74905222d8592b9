// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/proposed-package-testing/pkgimageapi"
)

const (
	DefaultLockDir = "/run/lock/pkgimage"
)

// Options are the inputs of a single PackageImage run.
type Options struct {
	// Local path, http(s):// URL or oci:// reference of the base image.
	Source string
	// Declared format of the base image. Inferred from the file contents when empty.
	ImageFormat pkgimageapi.ImageFormatType

	Request pkgimageapi.CustomizationRequest

	// Produce an LXD importable bundle instead of a plain disk image.
	Bundle       bool
	OutputFormat pkgimageapi.ImageFormatType
	OutputDir    string

	// Parent directory of the per-run build directory.
	BuildDir string
	LockDir  string

	Config pkgimageapi.Config
}

func (o *Options) IsValid() error {
	if o.Source == "" {
		return fmt.Errorf("source image must be specified")
	}

	err := o.ImageFormat.IsValid()
	if err != nil {
		return err
	}

	err = o.Request.IsValid()
	if err != nil {
		return err
	}

	err = o.OutputFormat.IsValidOutput()
	if err != nil {
		return err
	}

	if o.Bundle && o.OutputFormat != pkgimageapi.ImageFormatTypeNone &&
		o.OutputFormat != pkgimageapi.ImageFormatTypeQcow2 {
		return fmt.Errorf("%w: bundle output is always qcow2, (%s) was requested", ErrPackagingUnsupportedFormat,
			o.OutputFormat)
	}

	err = o.Config.IsValid()
	if err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	return nil
}

// buildDirOrDefault returns an absolute path, so that it can be compared against the mount table.
func (o *Options) buildDirOrDefault() (string, error) {
	buildDir := o.BuildDir
	if buildDir == "" {
		buildDir = os.TempDir()
	}

	absBuildDir, err := filepath.Abs(buildDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path of build directory (%s):\n%w", buildDir, err)
	}

	return absBuildDir, nil
}

func (o *Options) lockDirOrDefault() string {
	if o.LockDir == "" {
		return DefaultLockDir
	}
	return o.LockDir
}

func (o *Options) outputDirOrDefault() (string, error) {
	outputDir := o.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path of output directory (%s):\n%w", outputDir, err)
	}

	return absOutputDir, nil
}
