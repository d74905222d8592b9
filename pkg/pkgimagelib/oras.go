// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	ocifile "oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/registry/remote"
)

const (
	ociDownloadDirName = "oci"
)

var OciSupportedFileExtensions = []string{".vhd", ".qcow2", ".img", ".raw"}

var (
	ErrOciOpenRepository = NewPkgImageError("Source:OciOpenRepository", "failed to open OCI repository")
	ErrOciImageNotFound  = NewPkgImageError("Source:OciImageNotFound", "OCI image not found")
	ErrOciDownload       = NewPkgImageError("Source:OciDownload", "failed to download OCI image")
	ErrOciImageFiles     = NewPkgImageError("Source:OciImageFiles", "OCI artifact must contain exactly one image file")
)

// downloadOciImage pulls an OCI artifact into buildDir and returns the path of the single disk image it holds.
func downloadOciImage(ctx context.Context, reference string, buildDir string) (string, error) {
	logger.Log.Infof("Downloading OCI image (%s)", reference)

	remoteRepo, err := remote.NewRepository(reference)
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrOciOpenRepository, reference, err)
	}

	// remote.NewRepository() also parses the tag from the reference.
	tag := remoteRepo.Reference.Reference

	descriptor, err := resolveOciReference(ctx, remoteRepo, tag)
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrOciImageNotFound, reference, err)
	}

	downloadDir := filepath.Join(buildDir, ociDownloadDirName)
	err = downloadOciToDirectory(ctx, remoteRepo, downloadDir, descriptor)
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrOciDownload, reference, err)
	}

	return findImageFileInDirectory(downloadDir)
}

func resolveOciReference(ctx context.Context, targetRepo oras.ReadOnlyTarget, tag string) (ociv1.Descriptor, error) {
	descriptor, err := oras.Resolve(ctx, targetRepo, tag, oras.DefaultResolveOptions)
	if err != nil {
		return ociv1.Descriptor{}, fmt.Errorf("failed to retrieve OCI image artifact manifest:\n%w", err)
	}

	if descriptor.MediaType != ociv1.MediaTypeImageIndex {
		return descriptor, nil
	}

	// Multi-arch manifest. Pick the current CPU architecture.
	resolveOptions := oras.DefaultResolveOptions
	resolveOptions.TargetPlatform = &ociv1.Platform{
		OS:           "linux",
		Architecture: runtime.GOARCH,
	}

	descriptor, err = oras.Resolve(ctx, targetRepo, tag, resolveOptions)
	if err != nil {
		return ociv1.Descriptor{}, fmt.Errorf("failed to retrieve OCI image artifact manifest for (linux/%s):\n%w",
			runtime.GOARCH, err)
	}

	return descriptor, nil
}

func downloadOciToDirectory(ctx context.Context, sourceRepo content.ReadOnlyStorage, destinationDir string,
	root ociv1.Descriptor,
) error {
	parentDir := filepath.Dir(destinationDir)
	dirName := filepath.Base(destinationDir)

	stagingDirPath, err := os.MkdirTemp(parentDir, dirName+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create OCI download staging directory (%s):\n%w", stagingDirPath, err)
	}
	defer os.RemoveAll(stagingDirPath)

	fs, err := ocifile.New(stagingDirPath)
	if err != nil {
		return fmt.Errorf("failed to initialize OCI download staging directory (%s):\n%w", stagingDirPath, err)
	}
	defer fs.Close()

	copyGraphOptions := oras.DefaultCopyGraphOptions
	copyGraphOptions.PreCopy = func(ctx context.Context, desc ociv1.Descriptor) error {
		title, hasTitle := desc.Annotations[ociv1.AnnotationTitle]
		if hasTitle {
			logger.Log.Debugf("Downloading OCI file (%s)", title)
		}

		return nil
	}

	err = oras.CopyGraph(ctx, sourceRepo, fs, root, copyGraphOptions)
	if err != nil {
		return fmt.Errorf("failed to stage OCI image artifact:\n%w", err)
	}

	err = fs.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize OCI image download:\n%w", err)
	}

	err = os.Rename(stagingDirPath, destinationDir)
	if err != nil {
		return fmt.Errorf("failed to rename download directory (old='%s', new='%s'):\n%w", stagingDirPath,
			destinationDir, err)
	}

	return nil
}

func findImageFileInDirectory(dirPath string) (string, error) {
	dirEntries, err := os.ReadDir(dirPath)
	if err != nil {
		return "", fmt.Errorf("failed to read OCI download directory:\n%w", err)
	}

	imageFilePaths := []string(nil)
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		fileExt := filepath.Ext(dirEntry.Name())
		if slices.Contains(OciSupportedFileExtensions, fileExt) {
			imageFilePaths = append(imageFilePaths, filepath.Join(dirPath, dirEntry.Name()))
		}
	}

	if len(imageFilePaths) != 1 {
		return "", fmt.Errorf("%w (%s): found %d", ErrOciImageFiles, strings.Join(OciSupportedFileExtensions, ", "),
			len(imageFilePaths))
	}

	return imageFilePaths[0], nil
}
