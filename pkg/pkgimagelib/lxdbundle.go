// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/file"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/tarutils"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"gopkg.in/yaml.v3"
)

const (
	lxdMetadataFileName = "metadata.yaml"
	lxdRootfsFileName   = "rootfs.img"
	lxdStagingDirName   = "bundle"
	lxdOsName           = "Ubuntu"

	// Only amd64 guests are built.
	lxdArchitecture = "x86_64"
)

type lxdMetadata struct {
	Architecture string        `yaml:"architecture"`
	CreationDate int64         `yaml:"creation_date"`
	Properties   lxdProperties `yaml:"properties"`
}

type lxdProperties struct {
	Description string `yaml:"description"`
	Os          string `yaml:"os"`
	Release     string `yaml:"release"`
}

func newLxdMetadata(request pkgimageapi.CustomizationRequest, codename string, creationTime time.Time,
) lxdMetadata {
	return lxdMetadata{
		Architecture: lxdArchitecture,
		CreationDate: creationTime.Unix(),
		Properties: lxdProperties{
			Description: request.Description(codename),
			Os:          lxdOsName,
			Release:     codename,
		},
	}
}

func renderLxdMetadata(metadata lxdMetadata) ([]byte, error) {
	buffer := bytes.Buffer{}
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)

	err := encoder.Encode(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode LXD metadata:\n%w", err)
	}

	err = encoder.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to encode LXD metadata:\n%w", err)
	}

	return buffer.Bytes(), nil
}

// createLxdBundle writes a tarball that "lxc image import" accepts for a virtual machine: the metadata next to a
// qcow2 root disk.
func createLxdBundle(ctx context.Context, workingImage WorkingImage, metadata lxdMetadata, buildDir string,
	bundlePath string,
) error {
	stagingDir := filepath.Join(buildDir, lxdStagingDirName)
	err := os.MkdirAll(stagingDir, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create bundle staging directory (%s):\n%w", stagingDir, err)
	}
	defer func() {
		err := os.RemoveAll(stagingDir)
		if err != nil {
			logger.Log.Warnf("Failed to remove bundle staging directory (%s):\n%v", stagingDir, err)
		}
	}()

	metadataBytes, err := renderLxdMetadata(metadata)
	if err != nil {
		return err
	}

	metadataPath := filepath.Join(stagingDir, lxdMetadataFileName)
	err = file.WriteWithPerm(string(metadataBytes), metadataPath, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write (%s):\n%w", metadataPath, err)
	}

	rootfsPath := filepath.Join(stagingDir, lxdRootfsFileName)
	err = fromRaw(ctx, workingImage, pkgimageapi.ImageFormatTypeQcow2, rootfsPath)
	if err != nil {
		return err
	}

	entries := []tarutils.ArchiveEntry{
		{Name: lxdMetadataFileName, SourcePath: metadataPath, Mode: 0o644},
		{Name: lxdRootfsFileName, SourcePath: rootfsPath, Mode: 0o644},
	}

	err = tarutils.CreateTarGzArchiveFromFiles(bundlePath, entries, time.Unix(metadata.CreationDate, 0))
	if err != nil {
		return err
	}

	return nil
}
