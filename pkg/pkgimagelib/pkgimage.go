// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gjolly/proposed-package-testing/internal/cleanstack"
	"github.com/gjolly/proposed-package-testing/internal/file"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/safemount"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OtelTracerName = "pkgimagelib"

	buildDirPrefix = "pkgimage-"
)

// ToolVersion is set by the linker at build time.
var ToolVersion = ""

// releasable is an acquired resource whose release may be requested more than once.
type releasable interface {
	CleanClose() error
}

// stages are the steps of a run. Tests replace them to exercise the unwind logic without root.
type stages struct {
	resolve func(ctx context.Context, source string, format pkgimageapi.ImageFormatType, buildDir string,
	) (ImageSpec, error)
	toRaw     func(ctx context.Context, imageSpec ImageSpec, buildDir string) (WorkingImage, error)
	attach    func(ctx context.Context, imagePath string, maxDevices int) (releasable, error)
	mount     func(ctx context.Context, device releasable, buildDir string, dns pkgimageapi.DnsConfig) (releasable, error)
	customize func(ctx context.Context, guest releasable, request pkgimageapi.CustomizationRequest,
		config pkgimageapi.Config) (CustomizationResult, error)
	packageOutput func(ctx context.Context, workingImage WorkingImage, imageSpec ImageSpec, options *Options,
		result CustomizationResult, buildDir string) (OutputArtifact, error)
}

func defaultStages() stages {
	return stages{
		resolve: resolveImage,
		toRaw:   toRaw,
		attach: func(ctx context.Context, imagePath string, maxDevices int) (releasable, error) {
			disk, err := attachImage(ctx, imagePath, maxDevices)
			if err != nil {
				return nil, err
			}
			return disk, nil
		},
		mount: func(ctx context.Context, device releasable, buildDir string, dns pkgimageapi.DnsConfig,
		) (releasable, error) {
			connection, err := connectGuestRoot(ctx, device.(*AttachedDisk), buildDir, dns)
			if err != nil {
				return nil, err
			}
			return connection, nil
		},
		customize: func(ctx context.Context, guest releasable, request pkgimageapi.CustomizationRequest,
			config pkgimageapi.Config,
		) (CustomizationResult, error) {
			return customizePackages(ctx, guest.(*ImageConnection), request, config)
		},
		packageOutput: packageOutput,
	}
}

// PackageImage installs a package into a copy of a base image and writes the result to the output directory.
//
// The stages run strictly in order. Every acquired resource is released in reverse order, both when a stage fails
// and when ctx is cancelled. The source image is never modified.
func PackageImage(ctx context.Context, options Options) (OutputArtifact, error) {
	s := defaultStages()
	return s.run(ctx, &options)
}

func (s *stages) run(ctx context.Context, options *Options) (artifact OutputArtifact, err error) {
	err = options.IsValid()
	if err != nil {
		return OutputArtifact{}, fmt.Errorf("invalid options:\n%w", err)
	}

	runId := uuid.NewString()

	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "package_image",
		trace.WithAttributes(
			attribute.String("run_id", runId),
			attribute.String("package", options.Request.PackageName),
			attribute.Bool("proposed", options.Request.Proposed),
			attribute.Bool("bundle", options.Bundle),
			attribute.String("tool_version", ToolVersion),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "package_image failed")
		}
		span.End()
	}()

	logger.Log.Infof("Run (%s): installing (%s) into (%s)", runId, options.Request.PackageName, options.Source)

	sourceLock, err := AcquireSourceLock(options.lockDirOrDefault(), options.Source)
	if err != nil {
		return OutputArtifact{}, &StageError{Stage: StageResolve, Err: err}
	}

	// Release failures never hide the error of the stage that failed. Release steps do not take ctx, so they also
	// run to completion after cancellation.
	cleanup := cleanstack.NewCleanStack()
	defer func() {
		err = cleanup.Cleanup(err)
		if err != nil && artifact.Path != "" {
			// A release failed after packaging. A failed run leaves no output behind.
			removeErr := file.RemoveFileIfExists(artifact.Path)
			if removeErr != nil {
				logger.Log.Warnf("Failed to remove output (%s):\n%v", artifact.Path, removeErr)
			}
		}
		if err != nil {
			artifact = OutputArtifact{}
		}
	}()

	cleanup.Push("release source lock", sourceLock.Release)

	buildDirParent, err := options.buildDirOrDefault()
	if err != nil {
		return OutputArtifact{}, err
	}

	buildDir := filepath.Join(buildDirParent, buildDirPrefix+runId)
	err = os.MkdirAll(buildDir, os.ModePerm)
	if err != nil {
		return OutputArtifact{}, fmt.Errorf("failed to create build directory (%s):\n%w", buildDir, err)
	}

	cleanup.Push("remove build directory", func() error {
		return removeBuildDir(buildDir)
	})

	imageSpec, err := runStage(ctx, StageResolve, func() (ImageSpec, error) {
		return s.resolve(ctx, options.Source, options.ImageFormat, buildDir)
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	workingImage, err := runStage(ctx, StageConvert, func() (WorkingImage, error) {
		return s.toRaw(ctx, imageSpec, buildDir)
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	cleanup.Push("remove working image", func() error {
		return file.RemoveFileIfExists(workingImage.Path)
	})

	device, err := runStage(ctx, StageAttach, func() (releasable, error) {
		return s.attach(ctx, workingImage.Path, options.Config.Nbd.MaxDevicesOrDefault())
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	cleanup.Push("detach device", device.CleanClose)

	guest, err := runStage(ctx, StageMount, func() (releasable, error) {
		return s.mount(ctx, device, buildDir, options.Config.Dns)
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	cleanup.Push("unmount guest", guest.CleanClose)

	result, err := runStage(ctx, StageCustomize, func() (CustomizationResult, error) {
		return s.customize(ctx, guest, options.Request, options.Config)
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	// On success, releasing the guest is part of the run: a failure here means the image may not be consistent.
	_, err = runStage(ctx, StageUnmount, func() (struct{}, error) {
		return struct{}{}, guest.CleanClose()
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	_, err = runStage(ctx, StageDetach, func() (struct{}, error) {
		return struct{}{}, device.CleanClose()
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	artifact, err = runStage(ctx, StagePackage, func() (OutputArtifact, error) {
		return s.packageOutput(ctx, workingImage, imageSpec, options, result, buildDir)
	})
	if err != nil {
		return OutputArtifact{}, err
	}

	logger.Log.Infof("Run (%s): wrote (%s) with (%s) version (%s)", runId, artifact.Path, artifact.PackageName,
		artifact.PackageVersion)

	return artifact, nil
}

// runStage runs one stage unless ctx is already cancelled, and tags its failure with the stage.
func runStage[T any](ctx context.Context, stage Stage, run func() (T, error)) (T, error) {
	err := ctx.Err()
	if err != nil {
		var zero T
		return zero, &StageError{Stage: stage, Err: err}
	}

	logger.Log.Debugf("Stage: %s", stage)

	value, err := run()
	if err != nil {
		return value, &StageError{Stage: stage, Err: err}
	}

	return value, nil
}

// removeBuildDir deletes the run's build directory, unless something is still mounted in it. Deleting it
// recursively in that state would delete files inside the guest.
func removeBuildDir(buildDir string) error {
	busy, err := safemount.HasMountsUnder(buildDir)
	if err != nil {
		return err
	}

	if busy {
		return fmt.Errorf("build directory (%s) still has mounts, leaving it in place", buildDir)
	}

	return os.RemoveAll(buildDir)
}
