// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"errors"
	"fmt"
)

// Error categories. Every named error in this package belongs to exactly one of them.
var (
	ErrSource        = NewPkgImageError("Source", "failed to acquire source image")
	ErrFormat        = NewPkgImageError("Format", "unsupported or corrupt image format")
	ErrDevice        = NewPkgImageError("Device", "block device operation failed")
	ErrMount         = NewPkgImageError("Mount", "mount operation failed")
	ErrCustomization = NewPkgImageError("Customization", "guest package customization failed")
	ErrPackaging     = NewPkgImageError("Packaging", "failed to package output image")
)

type Stage string

const (
	StageResolve   Stage = "resolve"
	StageConvert   Stage = "convert"
	StageAttach    Stage = "attach"
	StageMount     Stage = "mount"
	StageCustomize Stage = "customize"
	StageUnmount   Stage = "unmount"
	StageDetach    Stage = "detach"
	StagePackage   Stage = "package"
)

const (
	ExitCodeSuccess       = 0
	ExitCodeOther         = 1
	ExitCodeResolve       = 10
	ExitCodeConvert       = 11
	ExitCodeDevice        = 12
	ExitCodeMount         = 13
	ExitCodeCustomization = 14
	ExitCodePackaging     = 15
)

var stageExitCodes = map[Stage]int{
	StageResolve:   ExitCodeResolve,
	StageConvert:   ExitCodeConvert,
	StageAttach:    ExitCodeDevice,
	StageDetach:    ExitCodeDevice,
	StageMount:     ExitCodeMount,
	StageUnmount:   ExitCodeMount,
	StageCustomize: ExitCodeCustomization,
	StagePackage:   ExitCodePackaging,
}

var categoryExitCodes = []struct {
	category error
	exitCode int
}{
	{ErrSource, ExitCodeResolve},
	{ErrFormat, ExitCodeConvert},
	{ErrDevice, ExitCodeDevice},
	{ErrMount, ExitCodeMount},
	{ErrCustomization, ExitCodeCustomization},
	{ErrPackaging, ExitCodePackaging},
}

// StageError records which pipeline stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed:\n%v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by PackageImage to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var stageError *StageError
	if errors.As(err, &stageError) {
		exitCode, found := stageExitCodes[stageError.Stage]
		if found {
			return exitCode
		}
	}

	for _, categoryExitCode := range categoryExitCodes {
		if errors.Is(err, categoryExitCode.category) {
			return categoryExitCode.exitCode
		}
	}

	return ExitCodeOther
}
