// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/c2h5oh/datasize"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	ociSourcePrefix = "oci://"

	downloadFileName = "source.img"
)

var (
	ErrSourceInvalidUrl     = NewPkgImageError("Source:InvalidUrl", "invalid source image URL")
	ErrSourceDownload       = NewPkgImageError("Source:Download", "failed to download source image")
	ErrSourceHttpStatus     = NewPkgImageError("Source:HttpStatus", "source image server returned an error status")
	ErrSourceNotFound       = NewPkgImageError("Source:NotFound", "source image file not found")
	ErrSourceNotRegularFile = NewPkgImageError("Source:NotRegularFile", "source image is not a regular file")
	ErrSourceUnreadable     = NewPkgImageError("Source:Unreadable", "source image file is not readable")
)

// ImageSpec is a base image that is available as a local file.
type ImageSpec struct {
	// As provided by the user.
	Source string
	// Local file holding the image. Never modified.
	Path string
	// Declared format. ImageFormatTypeNone if it should be probed.
	Format pkgimageapi.ImageFormatType
	Size   int64
	// Name of the source file without its extension. Used to name outputs.
	BaseName string
}

func isRemoteSource(source string) bool {
	return isHttpSource(source) || strings.HasPrefix(source, ociSourcePrefix)
}

func isHttpSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// resolveImage makes the source image available as a local file. Remote sources are downloaded into buildDir.
// Local files are used in place.
func resolveImage(ctx context.Context, source string, format pkgimageapi.ImageFormatType, buildDir string,
) (ImageSpec, error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "resolve_image")
	span.SetAttributes(
		attribute.Bool("remote", isRemoteSource(source)),
	)
	defer span.End()

	var localPath string
	var baseName string
	var err error

	switch {
	case isHttpSource(source):
		localPath, baseName, err = downloadHttpImage(ctx, source, buildDir)

	case strings.HasPrefix(source, ociSourcePrefix):
		localPath, err = downloadOciImage(ctx, strings.TrimPrefix(source, ociSourcePrefix), buildDir)
		baseName = imageBaseName(localPath)

	default:
		localPath, err = checkLocalImage(source)
		baseName = imageBaseName(localPath)
	}
	if err != nil {
		return ImageSpec{}, err
	}

	stat, err := os.Stat(localPath)
	if err != nil {
		return ImageSpec{}, fmt.Errorf("%w (%s):\n%w", ErrSourceUnreadable, localPath, err)
	}

	logger.Log.Infof("Source image (%s) is (%s)", localPath, datasize.ByteSize(stat.Size()).HumanReadable())

	return ImageSpec{
		Source:   source,
		Path:     localPath,
		Format:   format,
		Size:     stat.Size(),
		BaseName: baseName,
	}, nil
}

func checkLocalImage(imagePath string) (string, error) {
	stat, err := os.Stat(imagePath)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w (%s)", ErrSourceNotFound, imagePath)
	}
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrSourceUnreadable, imagePath, err)
	}

	if !stat.Mode().IsRegular() {
		return "", fmt.Errorf("%w (%s)", ErrSourceNotRegularFile, imagePath)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrSourceUnreadable, imagePath, err)
	}
	f.Close()

	return imagePath, nil
}

func downloadHttpImage(ctx context.Context, imageUrl string, buildDir string) (string, string, error) {
	if !govalidator.IsURL(imageUrl) {
		return "", "", fmt.Errorf("%w (%s)", ErrSourceInvalidUrl, imageUrl)
	}

	parsedUrl, err := url.Parse(imageUrl)
	if err != nil {
		return "", "", fmt.Errorf("%w (%s):\n%w", ErrSourceInvalidUrl, imageUrl, err)
	}

	logger.Log.Infof("Downloading (%s)", imageUrl)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageUrl, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w (%s):\n%w", ErrSourceInvalidUrl, imageUrl, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w (%s):\n%w", ErrSourceDownload, imageUrl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("%w (%s): %s", ErrSourceHttpStatus, imageUrl, resp.Status)
	}

	localPath := filepath.Join(buildDir, downloadFileName)
	err = writeDownload(resp.Body, localPath)
	if err != nil {
		os.Remove(localPath)
		return "", "", fmt.Errorf("%w (%s):\n%w", ErrSourceDownload, imageUrl, err)
	}

	return localPath, imageBaseName(path.Base(parsedUrl.Path)), nil
}

func writeDownload(body io.Reader, localPath string) error {
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()

	written, err := io.Copy(out, body)
	if err != nil {
		return err
	}

	logger.Log.Debugf("Downloaded (%s)", datasize.ByteSize(written).HumanReadable())

	return out.Close()
}

// imageBaseName returns the file name without directories and without its extension.
func imageBaseName(imagePath string) string {
	name := filepath.Base(imagePath)
	baseName := strings.TrimSuffix(name, filepath.Ext(name))
	if baseName == "" || baseName == "." || baseName == "/" {
		return "image"
	}
	return baseName
}
