// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimageapi

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/asaskevich/govalidator"
)

const (
	DefaultArchiveUri = "http://archive.ubuntu.com/ubuntu"
)

var (
	DefaultArchiveComponents = []string{"main", "restricted", "universe", "multiverse"}

	archiveComponentRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// ArchiveConfig is the Ubuntu archive that the proposed pocket is enabled from.
type ArchiveConfig struct {
	Uri        string   `yaml:"uri" json:"uri,omitempty"`
	Components []string `yaml:"components" json:"components,omitempty"`
}

func (a *ArchiveConfig) IsValid() error {
	if a.Uri != "" {
		if !govalidator.IsURL(a.Uri) {
			return fmt.Errorf("invalid 'uri' value (%s)", a.Uri)
		}

		parsed, err := url.Parse(a.Uri)
		if err != nil {
			return fmt.Errorf("invalid 'uri' value (%s):\n%w", a.Uri, err)
		}

		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("invalid 'uri' value (%s): scheme must be http or https", a.Uri)
		}
	}

	for _, component := range a.Components {
		if !archiveComponentRegex.MatchString(component) {
			return fmt.Errorf("invalid 'components' value (%s)", component)
		}
	}

	return nil
}

func (a *ArchiveConfig) UriOrDefault() string {
	if a.Uri == "" {
		return DefaultArchiveUri
	}
	return a.Uri
}

func (a *ArchiveConfig) ComponentsOrDefault() []string {
	if len(a.Components) == 0 {
		return DefaultArchiveComponents
	}
	return a.Components
}
