// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"strings"
)

// PkgImageError is a named error. Names have the form "Category:Name".
// A named error matches (via errors.Is) the category error whose name is its prefix.
type PkgImageError struct {
	name    string
	message string
}

func NewPkgImageError(name string, message string) *PkgImageError {
	return &PkgImageError{
		name:    name,
		message: message,
	}
}

func (e *PkgImageError) Name() string {
	return e.name
}

func (e *PkgImageError) Error() string {
	return e.message
}

func (e *PkgImageError) Category() string {
	category, _, _ := strings.Cut(e.name, ":")
	return category
}

func (e *PkgImageError) Is(target error) bool {
	targetError, ok := target.(*PkgImageError)
	if !ok {
		return false
	}

	// Only category errors (names without a ':') match other errors.
	if strings.Contains(targetError.name, ":") {
		return false
	}

	return e.Category() == targetError.name
}
