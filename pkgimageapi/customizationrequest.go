// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimageapi

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	PpaPrefix = "ppa:"
)

var (
	// Debian policy 5.6.1: lowercase letters, digits, '+', '-' and '.'. At least two characters.
	packageNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)

	// Launchpad person/team and PPA names.
	ppaNamePartRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]*$`)
)

// CustomizationRequest is the package to install and where apt may take it from.
type CustomizationRequest struct {
	PackageName string
	Proposed    bool
	// Normalized to the "ppa:owner/name" form. Empty if no PPA was requested.
	Ppa string
}

func NewCustomizationRequest(packageName string, proposed bool, ppa string) (CustomizationRequest, error) {
	request := CustomizationRequest{
		PackageName: packageName,
		Proposed:    proposed,
	}

	if ppa != "" {
		normalized, err := NormalizePpa(ppa)
		if err != nil {
			return CustomizationRequest{}, err
		}
		request.Ppa = normalized
	}

	err := request.IsValid()
	if err != nil {
		return CustomizationRequest{}, err
	}

	return request, nil
}

func (r *CustomizationRequest) IsValid() error {
	if !packageNameRegex.MatchString(r.PackageName) {
		return fmt.Errorf("invalid package name (%s)", r.PackageName)
	}

	if r.Ppa != "" {
		normalized, err := NormalizePpa(r.Ppa)
		if err != nil {
			return err
		}

		if normalized != r.Ppa {
			return fmt.Errorf("PPA (%s) is not normalized", r.Ppa)
		}
	}

	return nil
}

// Description is the human readable summary used in bundle metadata.
func (r *CustomizationRequest) Description(codename string) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Ubuntu %s with %s", codename, r.PackageName))
	if r.Proposed {
		builder.WriteString(" (proposed)")
	}
	if r.Ppa != "" {
		builder.WriteString(" from ")
		builder.WriteString(r.Ppa)
	}
	return builder.String()
}

// NormalizePpa accepts "owner/name" or "ppa:owner/name" and returns the "ppa:owner/name" form.
func NormalizePpa(ppa string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(ppa), PpaPrefix)

	owner, name, found := strings.Cut(trimmed, "/")
	if !found {
		return "", fmt.Errorf("invalid PPA (%s): must be of the form owner/name", ppa)
	}

	if !ppaNamePartRegex.MatchString(owner) {
		return "", fmt.Errorf("invalid PPA (%s): invalid owner (%s)", ppa, owner)
	}

	if !ppaNamePartRegex.MatchString(name) {
		return "", fmt.Errorf("invalid PPA (%s): invalid name (%s)", ppa, name)
	}

	return PpaPrefix + owner + "/" + name, nil
}
