// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gjolly/proposed-package-testing/internal/safechroot"
	"github.com/gjolly/proposed-package-testing/internal/shell"
	"github.com/sirupsen/logrus"
)

type CustomizationReason string

const (
	ReasonPackageNotFound      CustomizationReason = "PackageNotFound"
	ReasonSourceUnreachable    CustomizationReason = "SourceUnreachable"
	ReasonPackageManagerFailed CustomizationReason = "PackageManagerFailed"
)

var (
	packageNotFoundPatterns = []string{
		"Unable to locate package",
		"has no installation candidate",
		"Couldn't find any package by",
		"is not available, but is referred to by another package",
	}

	sourceUnreachablePatterns = []string{
		"Failed to fetch",
		"Could not resolve",
		"Temporary failure resolving",
		"Could not connect to",
		"Connection timed out",
		"Network is unreachable",
		"Unable to connect to",
		"Name or service not known",
		// add-apt-repository, when launchpad cannot be reached or the PPA does not exist.
		"urlopen error",
		"Cannot add PPA",
		"user or team does not exist",
	}
)

// CustomizationError is a failed package manager command inside the guest.
// The combined output of the command is kept so that callers can report it.
type CustomizationError struct {
	Reason   CustomizationReason
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CustomizationError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s: %s:\n%v", ErrCustomization, e.Reason, e.Err)
	}

	return fmt.Sprintf("%s: %s (%s) exited with code %d:\n%v", ErrCustomization, e.Reason, e.Command,
		e.ExitCode, e.Err)
}

func (e *CustomizationError) Unwrap() []error {
	return []error{ErrCustomization, e.Err}
}

// attachAptOutput makes a customization failure carry the output of every apt command run so far, instead of
// only the output of the command that failed.
func attachAptOutput(err error, output string) error {
	var customizationError *CustomizationError
	if errors.As(err, &customizationError) {
		customizationError.Output = output
		return err
	}

	return &CustomizationError{
		Reason: ReasonPackageManagerFailed,
		Output: output,
		Err:    err,
	}
}

// classifyAptOutput decides why an apt command failed from what it printed.
func classifyAptOutput(output string) CustomizationReason {
	for _, line := range strings.Split(output, "\n") {
		for _, pattern := range packageNotFoundPatterns {
			if strings.Contains(line, pattern) {
				return ReasonPackageNotFound
			}
		}

		// E: Release 'noble-proposed' for 'btop' was not found
		if strings.Contains(line, "Release '") && strings.Contains(line, "was not found") {
			return ReasonPackageNotFound
		}
	}

	for _, pattern := range sourceUnreachablePatterns {
		if strings.Contains(output, pattern) {
			return ReasonSourceUnreachable
		}
	}

	return ReasonPackageManagerFailed
}

// guestOutput collects the interleaved stdout and stderr lines of a command.
type guestOutput struct {
	lock    sync.Mutex
	builder strings.Builder
}

func (o *guestOutput) addLine(line string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.builder.WriteString(line)
	o.builder.WriteString("\n")
}

func (o *guestOutput) String() string {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.builder.String()
}

// runAptCommand runs a package manager command in the guest non-interactively.
// On failure it returns a *CustomizationError carrying the command's output.
func runAptCommand(ctx context.Context, chroot *safechroot.Chroot, program string, args ...string,
) (string, error) {
	output := &guestOutput{}

	env := append([]string{"DEBIAN_FRONTEND=noninteractive"}, safechroot.DefaultEnvironment...)

	err := chroot.Command(ctx, program, args...).
		EnvironmentVariables(env).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		StdoutCallback(output.addLine).
		StderrCallback(output.addLine).
		WarnLogLines(shell.DefaultWarnLogLines).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		if ctx.Err() != nil {
			return output.String(), err
		}

		exitCode, _ := shell.ExitCode(err)
		return output.String(), &CustomizationError{
			Reason:   classifyAptOutput(output.String()),
			Command:  strings.Join(append([]string{program}, args...), " "),
			ExitCode: exitCode,
			Output:   output.String(),
			Err:      err,
		}
	}

	return output.String(), nil
}
