// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gjolly/proposed-package-testing/internal/file"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	plainOutputExt  = ".img"
	bundleOutputExt = ".tar.gz"
	proposedSuffix  = "_proposed"
)

var (
	ErrPackagingUnsupportedFormat = NewPkgImageError("Packaging:UnsupportedFormat", "unsupported output format")
	ErrPackagingOutputDir         = NewPkgImageError("Packaging:OutputDir", "failed to create output directory")
	ErrPackagingWrite             = NewPkgImageError("Packaging:Write", "failed to write output")
)

// OutputArtifact is the file produced by a successful run.
type OutputArtifact struct {
	Path string
	// Format of the disk image. For a bundle, the format of the disk image inside it.
	Format pkgimageapi.ImageFormatType
	Bundle bool

	PackageName    string
	PackageVersion string
	Codename       string
}

// plainOutputName is "<imagebase>_<package>[_proposed].img".
func plainOutputName(baseName string, request pkgimageapi.CustomizationRequest) string {
	name := baseName + "_" + request.PackageName
	if request.Proposed {
		name += proposedSuffix
	}
	return name + plainOutputExt
}

// bundleOutputName is "<imagebase>_<package>.tar.gz".
func bundleOutputName(baseName string, request pkgimageapi.CustomizationRequest) string {
	return baseName + "_" + request.PackageName + bundleOutputExt
}

// resolveOutputFormat picks the disk image format of the output.
// Plain images default to the source's format when it can be written, and to qcow2 otherwise.
func resolveOutputFormat(requested pkgimageapi.ImageFormatType, sourceFormat pkgimageapi.ImageFormatType,
	bundle bool,
) (pkgimageapi.ImageFormatType, error) {
	if bundle {
		if requested != pkgimageapi.ImageFormatTypeNone && requested != pkgimageapi.ImageFormatTypeQcow2 {
			return "", fmt.Errorf("%w: bundles hold a qcow2 image, (%s) was requested",
				ErrPackagingUnsupportedFormat, requested)
		}
		return pkgimageapi.ImageFormatTypeQcow2, nil
	}

	if requested != pkgimageapi.ImageFormatTypeNone {
		if requested.IsValidOutput() != nil {
			return "", fmt.Errorf("%w (%s)", ErrPackagingUnsupportedFormat, requested)
		}
		return requested, nil
	}

	if sourceFormat.IsValidOutput() == nil && sourceFormat != pkgimageapi.ImageFormatTypeNone {
		return sourceFormat, nil
	}

	return pkgimageapi.ImageFormatTypeQcow2, nil
}

// packageOutput writes the customized working image to the output directory, either as a plain disk image or as an
// LXD bundle. Nothing is left at the output path if this fails.
func packageOutput(ctx context.Context, workingImage WorkingImage, imageSpec ImageSpec, options *Options,
	result CustomizationResult, buildDir string,
) (OutputArtifact, error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "package_output")
	span.SetAttributes(
		attribute.Bool("bundle", options.Bundle),
	)
	defer span.End()

	format, err := resolveOutputFormat(options.OutputFormat, workingImage.SourceFormat, options.Bundle)
	if err != nil {
		return OutputArtifact{}, err
	}

	outputDir, err := options.outputDirOrDefault()
	if err != nil {
		return OutputArtifact{}, fmt.Errorf("%w:\n%w", ErrPackagingOutputDir, err)
	}

	err = os.MkdirAll(outputDir, os.ModePerm)
	if err != nil {
		return OutputArtifact{}, fmt.Errorf("%w (%s):\n%w", ErrPackagingOutputDir, outputDir, err)
	}

	var outputPath string
	if options.Bundle {
		outputPath = filepath.Join(outputDir, bundleOutputName(imageSpec.BaseName, options.Request))
	} else {
		outputPath = filepath.Join(outputDir, plainOutputName(imageSpec.BaseName, options.Request))
	}

	output, err := file.NewAtomicFile(outputPath)
	if err != nil {
		return OutputArtifact{}, fmt.Errorf("%w:\n%w", ErrPackagingWrite, err)
	}
	defer output.Abort()

	if options.Bundle {
		metadata := newLxdMetadata(options.Request, result.Codename, time.Now())
		err = createLxdBundle(ctx, workingImage, metadata, buildDir, output.TempPath())
	} else {
		err = fromRaw(ctx, workingImage, format, output.TempPath())
	}
	if err != nil {
		return OutputArtifact{}, fmt.Errorf("%w (%s):\n%w", ErrPackagingWrite, outputPath, err)
	}

	err = output.Commit()
	if err != nil {
		return OutputArtifact{}, fmt.Errorf("%w:\n%w", ErrPackagingWrite, err)
	}

	stat, err := os.Stat(outputPath)
	if err == nil {
		logger.Log.Infof("Wrote (%s) (%s)", outputPath, datasize.ByteSize(stat.Size()).HumanReadable())
	}

	return OutputArtifact{
		Path:           outputPath,
		Format:         format,
		Bundle:         options.Bundle,
		PackageName:    options.Request.PackageName,
		PackageVersion: result.Version,
		Codename:       result.Codename,
	}, nil
}
