// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCategoriesAreDistinct(t *testing.T) {
	categories := []error{ErrSource, ErrFormat, ErrDevice, ErrMount, ErrCustomization, ErrPackaging}

	for i, category1 := range categories {
		for j, category2 := range categories {
			if i != j {
				assert.False(t, errors.Is(category1, category2), "Error categories should be distinct")
			}
		}
	}
}

func TestNamedErrorIsCategory(t *testing.T) {
	assert.ErrorIs(t, ErrSourceNotFound, ErrSource)
	assert.ErrorIs(t, ErrFormatVhdxUnsupported, ErrFormat)
	assert.ErrorIs(t, ErrDeviceAttach, ErrDevice)
	assert.ErrorIs(t, ErrMountRoot, ErrMount)
	assert.ErrorIs(t, ErrCustomizationInstall, ErrCustomization)
	assert.ErrorIs(t, ErrPackagingWrite, ErrPackaging)

	assert.False(t, errors.Is(ErrSourceNotFound, ErrFormat))
	assert.False(t, errors.Is(ErrSourceNotFound, ErrSourceDownload))
	// A category does not match its named errors.
	assert.False(t, errors.Is(ErrSource, ErrSourceNotFound))
}

func TestNamedErrorMessage(t *testing.T) {
	assert.Equal(t, "Source:NotFound", ErrSourceNotFound.Name())
	assert.Equal(t, "Source", ErrSourceNotFound.Category())
	assert.Equal(t, "source image file not found", ErrSourceNotFound.Error())
}

func TestExitCodeFromStage(t *testing.T) {
	tests := []struct {
		stage    Stage
		expected int
	}{
		{StageResolve, 10},
		{StageConvert, 11},
		{StageAttach, 12},
		{StageMount, 13},
		{StageCustomize, 14},
		{StageUnmount, 13},
		{StageDetach, 12},
		{StagePackage, 15},
	}

	for _, test := range tests {
		t.Run(string(test.stage), func(t *testing.T) {
			err := fmt.Errorf("wrapped:\n%w", &StageError{Stage: test.stage, Err: errors.New("failed")})
			assert.Equal(t, test.expected, ExitCode(err))
		})
	}
}

func TestExitCodeStageTakesPrecedence(t *testing.T) {
	// A device error that surfaced while mounting is reported as a mount failure.
	err := &StageError{Stage: StageMount, Err: fmt.Errorf("%w:\n%w", ErrDeviceNoPartitions, errors.New("lsblk"))}
	assert.Equal(t, ExitCodeMount, ExitCode(err))
}

func TestExitCodeFromCategory(t *testing.T) {
	assert.Equal(t, ExitCodeResolve, ExitCode(fmt.Errorf("%w (/tmp/x.img)", ErrSourceInUse)))
	assert.Equal(t, ExitCodeCustomization, ExitCode(&CustomizationError{Reason: ReasonPackageManagerFailed,
		Err: errors.New("exit status 100")}))
}

func TestExitCodeOther(t *testing.T) {
	assert.Equal(t, ExitCodeSuccess, ExitCode(nil))
	assert.Equal(t, ExitCodeOther, ExitCode(errors.New("invalid options")))
	assert.Equal(t, ExitCodeOther, ExitCode(context.Canceled))
}

func TestStageErrorUnwrap(t *testing.T) {
	err := &StageError{Stage: StageAttach, Err: fmt.Errorf("%w:\n%w", ErrDeviceAttach, context.Canceled)}

	assert.ErrorIs(t, err, ErrDeviceAttach)
	assert.ErrorIs(t, err, ErrDevice)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "attach stage failed")
}
