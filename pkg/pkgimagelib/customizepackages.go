// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"fmt"
	"strings"

	"github.com/gjolly/proposed-package-testing/internal/cleanstack"
	"github.com/gjolly/proposed-package-testing/internal/envfile"
	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/gjolly/proposed-package-testing/internal/network"
	"github.com/gjolly/proposed-package-testing/internal/safechroot"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	osReleasePath = "/etc/os-release"

	ubuntuOsId        = "ubuntu"
	dpkgInstalledStat = "install ok installed"
)

// Hosts that add-apt-repository and apt talk to for a PPA.
var ppaHosts = []string{"api.launchpad.net", "ppa.launchpadcontent.net"}

var (
	ErrCustomizationOsRelease        = NewPkgImageError("Customization:OsRelease", "failed to read guest os-release")
	ErrCustomizationUnsupportedGuest = NewPkgImageError("Customization:UnsupportedGuest", "guest is not Ubuntu")
	ErrCustomizationPolicyRcd        = NewPkgImageError("Customization:PolicyRcd", "failed to install policy-rc.d")
	ErrCustomizationSources          = NewPkgImageError("Customization:Sources", "failed to configure apt sources")
	ErrCustomizationUpdate           = NewPkgImageError("Customization:Update", "failed to update package lists")
	ErrCustomizationInstall          = NewPkgImageError("Customization:Install", "failed to install package")
	ErrCustomizationNotInstalled     = NewPkgImageError("Customization:NotInstalled", "package is not installed")
	ErrCustomizationRevert           = NewPkgImageError("Customization:Revert", "failed to revert apt configuration")
)

// CustomizationResult describes the package that ended up in the guest.
type CustomizationResult struct {
	Version  string
	Codename string
	// Combined output of apt-get update and apt-get install.
	Output string
}

type guestRelease struct {
	Id       string
	Codename string
}

func customizePackages(ctx context.Context, connection *ImageConnection, request pkgimageapi.CustomizationRequest,
	config pkgimageapi.Config,
) (result CustomizationResult, err error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "customize_packages")
	span.SetAttributes(
		attribute.String("package", request.PackageName),
		attribute.Bool("proposed", request.Proposed),
		attribute.Bool("ppa", request.Ppa != ""),
	)
	defer span.End()

	rootDir := connection.RootDir()
	chroot := connection.Chroot()

	release, err := readGuestRelease(rootDir)
	if err != nil {
		return CustomizationResult{}, err
	}

	logger.Log.Infof("Guest is Ubuntu (%s)", release.Codename)

	// The apt configuration changes are reverted in reverse order once the package is installed, or on failure.
	revertCtx := context.WithoutCancel(ctx)
	revert := cleanstack.NewCleanStack()
	defer func() {
		revertErr := revert.Cleanup(err)
		if err == nil && revertErr != nil {
			result = CustomizationResult{}
			err = fmt.Errorf("%w:\n%w", ErrCustomizationRevert, revertErr)
		}
	}()

	policyInstalled, err := installPolicyRcd(rootDir)
	if err != nil {
		return CustomizationResult{}, fmt.Errorf("%w:\n%w", ErrCustomizationPolicyRcd, err)
	}
	if policyInstalled {
		revert.Push("remove policy-rc.d", func() error {
			return removePolicyRcd(rootDir)
		})
	}

	// Runs last, after the extra sources are gone.
	revert.Push("clean apt cache", func() error {
		_, err := runAptCommand(revertCtx, chroot, "apt-get", "clean")
		return err
	})

	if request.Proposed {
		revert.Push("remove proposed sources", func() error {
			return removeProposedSources(rootDir)
		})

		err = addProposedSources(rootDir, config.Archive, release.Codename)
		if err != nil {
			return CustomizationResult{}, fmt.Errorf("%w:\n%w", ErrCustomizationSources, err)
		}
	}

	if request.Ppa != "" {
		checkPpaHostsResolve(ctx, rootDir)

		revert.Push("remove "+request.Ppa, func() error {
			return removePpa(revertCtx, chroot, request.Ppa)
		})

		err = addPpa(ctx, chroot, request.Ppa)
		if err != nil {
			return CustomizationResult{}, fmt.Errorf("%w (%s):\n%w", ErrCustomizationSources, request.Ppa, err)
		}
	}

	output := strings.Builder{}

	logger.Log.Infof("Updating package lists")

	updateOutput, err := runAptCommand(ctx, chroot, "apt-get", "update")
	output.WriteString(updateOutput)
	if err != nil {
		return CustomizationResult{}, attachAptOutput(fmt.Errorf("%w:\n%w", ErrCustomizationUpdate, err),
			output.String())
	}

	logger.Log.Infof("Installing (%s)", installTarget(request, release.Codename))

	installOutput, err := runAptCommand(ctx, chroot, "apt-get", "install", "--yes",
		"-o", "APT::Install-Recommends=true", installTarget(request, release.Codename))
	output.WriteString(installOutput)
	if err != nil {
		return CustomizationResult{}, attachAptOutput(
			fmt.Errorf("%w (%s):\n%w", ErrCustomizationInstall, request.PackageName, err), output.String())
	}

	version, err := installedPackageVersion(ctx, chroot, request.PackageName)
	if err != nil {
		return CustomizationResult{}, attachAptOutput(err, output.String())
	}

	logger.Log.Infof("Installed (%s) version (%s)", request.PackageName, version)

	span.SetAttributes(attribute.String("version", version))

	return CustomizationResult{
		Version:  version,
		Codename: release.Codename,
		Output:   output.String(),
	}, nil
}

// installTarget pins the package to the proposed suite when proposed was requested.
func installTarget(request pkgimageapi.CustomizationRequest, codename string) string {
	if request.Proposed {
		return request.PackageName + "/" + proposedSuite(codename)
	}
	return request.PackageName
}

func readGuestRelease(rootDir string) (guestRelease, error) {
	path, err := guestPath(rootDir, osReleasePath)
	if err != nil {
		return guestRelease{}, fmt.Errorf("%w:\n%w", ErrCustomizationOsRelease, err)
	}

	fields, err := envfile.ParseEnvFile(path)
	if err != nil {
		return guestRelease{}, fmt.Errorf("%w:\n%w", ErrCustomizationOsRelease, err)
	}

	release := guestRelease{
		Id:       fields["ID"],
		Codename: fields["VERSION_CODENAME"],
	}

	if release.Id != ubuntuOsId {
		return guestRelease{}, fmt.Errorf("%w (ID=%s)", ErrCustomizationUnsupportedGuest, release.Id)
	}

	if release.Codename == "" {
		return guestRelease{}, fmt.Errorf("%w: VERSION_CODENAME is not set", ErrCustomizationOsRelease)
	}

	return release, nil
}

// checkPpaHostsResolve logs a warning if the guest's resolver cannot find the PPA hosts.
// add-apt-repository reports name resolution failures poorly, so this makes them easier to diagnose.
func checkPpaHostsResolve(ctx context.Context, rootDir string) {
	resolvConf, err := guestResolvConfPath(rootDir)
	if err != nil {
		logger.Log.Warnf("Skipping DNS check: %v", err)
		return
	}

	nameservers, err := network.NameserversFromResolvConf(resolvConf)
	if err != nil {
		logger.Log.Warnf("Skipping DNS check:\n%v", err)
		return
	}

	for _, host := range ppaHosts {
		err := network.CheckHostResolves(ctx, host, nameservers)
		if err != nil {
			logger.Log.Warnf("Guest may not be able to reach (%s):\n%v", host, err)
		}
	}
}

func installedPackageVersion(ctx context.Context, chroot *safechroot.Chroot, packageName string) (string, error) {
	stdout, _, err := chroot.Command(ctx, "dpkg-query", "-W", "-f=${Status} ${Version}", packageName).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		ExecuteCaptureOutput()
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrCustomizationNotInstalled, packageName, err)
	}

	version, err := parseDpkgStatus(stdout)
	if err != nil {
		return "", fmt.Errorf("%w (%s):\n%w", ErrCustomizationNotInstalled, packageName, err)
	}

	return version, nil
}

// parseDpkgStatus parses "${Status} ${Version}", e.g. "install ok installed 1.0.0-1".
func parseDpkgStatus(output string) (string, error) {
	output = strings.TrimSpace(output)

	version, found := strings.CutPrefix(output, dpkgInstalledStat)
	if !found {
		return "", fmt.Errorf("unexpected package status (%s)", output)
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return "", fmt.Errorf("package has no version")
	}

	return version, nil
}
