// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimageapi

import (
	"fmt"
	"slices"
)

type ImageFormatType string

const (
	ImageFormatTypeNone  ImageFormatType = ""
	ImageFormatTypeRaw   ImageFormatType = "raw"
	ImageFormatTypeQcow2 ImageFormatType = "qcow2"
	ImageFormatTypeVpc   ImageFormatType = "vpc"
)

// Formats that can be read as a base image.
var supportedImageFormatTypes = []string{
	string(ImageFormatTypeRaw),
	string(ImageFormatTypeQcow2),
	string(ImageFormatTypeVpc),
}

// Formats that can be written as an output image.
var supportedOutputFormatTypes = []string{
	string(ImageFormatTypeRaw),
	string(ImageFormatTypeQcow2),
}

func (ft *ImageFormatType) IsValid() error {
	if *ft != ImageFormatTypeNone && !slices.Contains(SupportedImageFormatTypes(), string(*ft)) {
		return fmt.Errorf("invalid image format type (%s)", *ft)
	}

	return nil
}

func (ft *ImageFormatType) IsValidOutput() error {
	if *ft != ImageFormatTypeNone && !slices.Contains(SupportedOutputFormatTypes(), string(*ft)) {
		return fmt.Errorf("invalid output image format type (%s)", *ft)
	}

	return nil
}

// SupportedImageFormatTypes returns all valid input image format types.
func SupportedImageFormatTypes() []string {
	return supportedImageFormatTypes
}

// SupportedOutputFormatTypes returns all valid output image format types.
func SupportedOutputFormatTypes() []string {
	return supportedOutputFormatTypes
}
