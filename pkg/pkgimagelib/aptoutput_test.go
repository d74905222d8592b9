// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAptOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected CustomizationReason
	}{
		{
			name: "unknown package",
			output: "Reading package lists...\nBuilding dependency tree...\n" +
				"E: Unable to locate package not-a-real-package\n",
			expected: ReasonPackageNotFound,
		},
		{
			name:     "no candidate",
			output:   "E: Package 'btop' has no installation candidate\n",
			expected: ReasonPackageNotFound,
		},
		{
			name:     "missing proposed release",
			output:   "E: Release 'noble-proposed' for 'btop' was not found\n",
			expected: ReasonPackageNotFound,
		},
		{
			name: "unreachable mirror",
			output: "Err:1 http://archive.ubuntu.com/ubuntu noble InRelease\n" +
				"  Temporary failure resolving 'archive.ubuntu.com'\n" +
				"W: Failed to fetch http://archive.ubuntu.com/ubuntu/dists/noble/InRelease\n",
			expected: ReasonSourceUnreachable,
		},
		{
			name:     "add-apt-repository offline",
			output:   "urllib.error.URLError: <urlopen error [Errno -3] Temporary failure in name resolution>\n",
			expected: ReasonSourceUnreachable,
		},
		{
			name:     "dpkg failure",
			output:   "dpkg: error processing package btop (--configure):\n E: Sub-process /usr/bin/dpkg returned an error code (1)\n",
			expected: ReasonPackageManagerFailed,
		},
		{
			name:     "empty",
			output:   "",
			expected: ReasonPackageManagerFailed,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, classifyAptOutput(test.output))
		})
	}
}

func TestCustomizationErrorIs(t *testing.T) {
	cause := errors.New("apt-get failed")
	err := fmt.Errorf("%w (btop):\n%w", ErrCustomizationInstall, &CustomizationError{
		Reason:   ReasonPackageNotFound,
		Command:  "apt-get install --yes btop",
		ExitCode: 100,
		Output:   "E: Unable to locate package btop\n",
		Err:      cause,
	})

	assert.ErrorIs(t, err, ErrCustomization)
	assert.ErrorIs(t, err, ErrCustomizationInstall)
	assert.ErrorIs(t, err, cause)

	var customizationError *CustomizationError
	if assert.ErrorAs(t, err, &customizationError) {
		assert.Equal(t, ReasonPackageNotFound, customizationError.Reason)
		assert.Equal(t, 100, customizationError.ExitCode)
		assert.Contains(t, customizationError.Output, "Unable to locate package")
	}

	assert.Contains(t, err.Error(), "PackageNotFound")
	assert.Equal(t, ExitCodeCustomization, ExitCode(err))
}

func TestGuestOutputKeepsLineOrder(t *testing.T) {
	output := &guestOutput{}
	output.addLine("Get:1 http://archive.ubuntu.com/ubuntu noble InRelease")
	output.addLine("W: something")

	assert.Equal(t, "Get:1 http://archive.ubuntu.com/ubuntu noble InRelease\nW: something\n", output.String())
}

func TestAttachAptOutputKeepsEarlierCommands(t *testing.T) {
	installErr := fmt.Errorf("%w (btop):\n%w", ErrCustomizationInstall, &CustomizationError{
		Reason:   ReasonSourceUnreachable,
		Command:  "apt-get install --yes btop",
		ExitCode: 100,
		Output:   "E: Failed to fetch http://archive.ubuntu.com/ubuntu/pool/b/btop.deb\n",
		Err:      errors.New("exit status 100"),
	})

	output := "Err:1 http://archive.ubuntu.com/ubuntu noble InRelease\n" +
		"E: Failed to fetch http://archive.ubuntu.com/ubuntu/pool/b/btop.deb\n"

	err := attachAptOutput(installErr, output)
	assert.ErrorIs(t, err, ErrCustomizationInstall)

	var customizationError *CustomizationError
	if assert.ErrorAs(t, err, &customizationError) {
		assert.Equal(t, output, customizationError.Output)
		// The reason still comes from the failing command.
		assert.Equal(t, ReasonSourceUnreachable, customizationError.Reason)
	}
}

func TestAttachAptOutputNotInstalled(t *testing.T) {
	notInstalledErr := fmt.Errorf("%w (btop):\nunexpected package status (deinstall ok config-files 1.0-1)",
		ErrCustomizationNotInstalled)

	err := attachAptOutput(notInstalledErr, "Setting up btop (1.0-1) ...\n")
	assert.ErrorIs(t, err, ErrCustomizationNotInstalled)
	assert.ErrorIs(t, err, ErrCustomization)
	assert.Equal(t, ExitCodeCustomization, ExitCode(err))
	assert.NotContains(t, err.Error(), "exited with code")

	var customizationError *CustomizationError
	if assert.ErrorAs(t, err, &customizationError) {
		assert.Equal(t, "Setting up btop (1.0-1) ...\n", customizationError.Output)
		assert.Equal(t, ReasonPackageManagerFailed, customizationError.Reason)
	}
}
