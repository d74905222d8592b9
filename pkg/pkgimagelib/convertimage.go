// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/shell"
	"github.com/gjolly/proposed-package-testing/internal/vhdutils"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	WorkingImageName = "image.raw"
)

var (
	ErrFormatConvert           = NewPkgImageError("Format:Convert", "failed to convert image")
	ErrFormatUnsupportedOutput = NewPkgImageError("Format:UnsupportedOutput", "unsupported output image format")
)

// WorkingImage is the raw copy of the source image that gets attached and customized.
type WorkingImage struct {
	Path         string
	SourceFormat pkgimageapi.ImageFormatType
	VirtualSize  int64
}

// toRaw checks the source image's format and converts it to a new raw file in buildDir.
// The source file is only read.
func toRaw(ctx context.Context, imageSpec ImageSpec, buildDir string) (WorkingImage, error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "convert_to_raw")
	defer span.End()

	probe, err := probeImageFormat(imageSpec.Path)
	if err != nil {
		return WorkingImage{}, err
	}

	span.SetAttributes(
		attribute.String("source_format", string(probe.Format)),
	)

	if imageSpec.Format != pkgimageapi.ImageFormatTypeNone && imageSpec.Format != probe.Format {
		return WorkingImage{}, fmt.Errorf("%w: declared (%s) but found (%s)", ErrFormatMismatch, imageSpec.Format,
			probe.Format)
	}

	if probe.VhdFooter != nil && probe.VhdFooter.SizeCalcType() == vhdutils.VhdFileSizeCalcTypeDiskGeometry {
		return WorkingImage{}, ErrFormatVhdDiskGeometry
	}

	info, err := GetImageFileInfo(ctx, probe.Format, imageSpec.Path)
	if err != nil {
		return WorkingImage{}, fmt.Errorf("%w (%s):\n%w", ErrFormatCorrupt, imageSpec.Path, err)
	}

	logger.Log.Infof("Converting (%s) image with virtual size (%s) to raw", probe.Format,
		datasize.ByteSize(info.VirtualSize).HumanReadable())

	workingPath := filepath.Join(buildDir, WorkingImageName)
	err = shell.NewExecBuilder("qemu-img", "convert", "--image-opts", qemuImageOpts(probe.Format, imageSpec.Path),
		"-O", string(pkgimageapi.ImageFormatTypeRaw), workingPath).
		Context(ctx).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		os.Remove(workingPath)
		return WorkingImage{}, fmt.Errorf("%w (%s):\n%w", ErrFormatConvert, imageSpec.Path, err)
	}

	stat, err := os.Stat(workingPath)
	if err != nil {
		return WorkingImage{}, fmt.Errorf("%w (%s):\n%w", ErrFormatConvert, workingPath, err)
	}

	return WorkingImage{
		Path:         workingPath,
		SourceFormat: probe.Format,
		VirtualSize:  stat.Size(),
	}, nil
}

// fromRaw converts the working image to outputPath. Raw and qcow2 are written uncompressed, so the same input always
// gives the same output bytes.
func fromRaw(ctx context.Context, workingImage WorkingImage, format pkgimageapi.ImageFormatType, outputPath string,
) error {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "convert_from_raw")
	span.SetAttributes(
		attribute.String("output_format", string(format)),
	)
	defer span.End()

	switch format {
	case pkgimageapi.ImageFormatTypeRaw, pkgimageapi.ImageFormatTypeQcow2:

	default:
		return fmt.Errorf("%w (%s)", ErrFormatUnsupportedOutput, format)
	}

	logger.Log.Infof("Writing (%s) image (%s)", format, outputPath)

	err := shell.NewExecBuilder("qemu-img", "convert", "-f", string(pkgimageapi.ImageFormatTypeRaw),
		"-O", string(format), workingImage.Path, outputPath).
		Context(ctx).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("%w (%s):\n%w", ErrFormatConvert, outputPath, err)
	}

	return nil
}
