// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to install a package into an Ubuntu cloud image

package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/gjolly/proposed-package-testing/internal/exekong"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/telemetry"
	"github.com/gjolly/proposed-package-testing/pkg/pkgimagelib"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
)

type PkgImageCmd struct {
	Image            string `arg:"" name:"image" help:"Path, http(s) URL or oci:// reference of the base Ubuntu cloud image."`
	Package          string `arg:"" name:"package" help:"Name of the package to install."`
	Proposed         bool   `name:"proposed" short:"p" help:"Install the package from the release's -proposed pocket."`
	Ppa              string `name:"ppa" placeholder:"owner/name" help:"Install the package from a Launchpad PPA."`
	Lxd              bool   `name:"lxd" short:"l" help:"Write an LXD importable tarball instead of a disk image."`
	ImageFormat      string `name:"image-format" placeholder:"(raw|qcow2|vpc)" help:"Format of the base image. Inferred from its contents by default." enum:"${imageformat}" default:""`
	OutputFormat     string `name:"output-format" placeholder:"(raw|qcow2)" help:"Format of the output image. Defaults to the format of the base image, or qcow2." enum:"${outputformat}" default:""`
	OutputDir        string `name:"output-dir" help:"Directory to write the output to." default:"."`
	BuildDir         string `name:"build-dir" help:"Directory to create the temporary build directory in. Defaults to the system temporary directory."`
	ConfigFile       string `name:"config-file" help:"Path of an optional YAML config file." type:"existingfile"`
	DisableTelemetry bool   `name:"disable-telemetry" help:"Disable telemetry even if an OTLP endpoint is configured."`
	exekong.LogFlags
}

func main() {
	cli := &PkgImageCmd{}

	vars := kong.Vars{
		"imageformat":  strings.Join(pkgimageapi.SupportedImageFormatTypes(), ",") + ",",
		"outputformat": strings.Join(pkgimageapi.SupportedOutputFormatTypes(), ",") + ",",
		"version":      pkgimagelib.ToolVersion,
	}
	maps.Copy(vars, exekong.KongVars)

	_ = kong.Parse(cli,
		kong.Name("pkgimage"),
		kong.Description("Installs a package into an Ubuntu cloud image."),
		vars,
		kong.HelpOptions{
			Compact:   true,
			FlagsLast: true,
		},
		kong.UsageOnError())

	logger.InitBestEffort(cli.LogFlags.AsLoggerFlags())

	os.Exit(run(cli))
}

func run(cli *PkgImageCmd) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := telemetry.InitTelemetry(cli.DisableTelemetry, pkgimagelib.ToolVersion)
	if err != nil {
		logger.Log.Warnf("Failed to initialize telemetry:\n%v", err)
	}
	defer func() {
		err := telemetry.ShutdownTelemetry(context.WithoutCancel(ctx))
		if err != nil {
			logger.Log.Warnf("Failed to shut down telemetry:\n%v", err)
		}
	}()

	artifact, err := packageImage(ctx, cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pkgimage failed:\n%v\n", err)
		return pkgimagelib.ExitCode(err)
	}

	fmt.Println(artifact.Path)
	return pkgimagelib.ExitCodeSuccess
}

func packageImage(ctx context.Context, cli *PkgImageCmd) (pkgimagelib.OutputArtifact, error) {
	config := pkgimageapi.Config{}
	if cli.ConfigFile != "" {
		err := pkgimageapi.UnmarshalAndValidateYamlFile(cli.ConfigFile, &config)
		if err != nil {
			return pkgimagelib.OutputArtifact{}, fmt.Errorf("failed to load config file (%s):\n%w", cli.ConfigFile,
				err)
		}
	}

	request, err := pkgimageapi.NewCustomizationRequest(cli.Package, cli.Proposed, cli.Ppa)
	if err != nil {
		return pkgimagelib.OutputArtifact{}, err
	}

	options := pkgimagelib.Options{
		Source:       cli.Image,
		ImageFormat:  pkgimageapi.ImageFormatType(cli.ImageFormat),
		Request:      request,
		Bundle:       cli.Lxd,
		OutputFormat: pkgimageapi.ImageFormatType(cli.OutputFormat),
		OutputDir:    cli.OutputDir,
		BuildDir:     cli.BuildDir,
		Config:       config,
	}

	return pkgimagelib.PackageImage(ctx, options)
}
