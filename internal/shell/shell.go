// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"errors"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Execute runs a host program and returns its stdout and stderr.
func Execute(program string, args ...string) (stdout, stderr string, err error) {
	return NewExecBuilder(program, args...).
		LogLevel(logrus.TraceLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		ExecuteCaptureOutput()
}

// ExecuteLive runs a host program, logging its output as it is produced.
// If squashErrors is set, stderr is logged at debug level instead of warn.
func ExecuteLive(squashErrors bool, program string, args ...string) error {
	stderrLevel := logrus.WarnLevel
	if squashErrors {
		stderrLevel = logrus.DebugLevel
	}

	return NewExecBuilder(program, args...).
		LogLevel(logrus.DebugLevel, stderrLevel).
		ErrorStderrLines(1).
		Execute()
}

// ExitCode returns the exit code of a failed process, if the error came from one.
func ExitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
