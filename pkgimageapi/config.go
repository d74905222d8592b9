// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimageapi

import (
	"fmt"
)

// Config holds the optional settings that are read from the YAML config file.
type Config struct {
	Archive ArchiveConfig `yaml:"archive" json:"archive,omitempty"`
	Dns     DnsConfig     `yaml:"dns" json:"dns,omitempty"`
	Nbd     NbdConfig     `yaml:"nbd" json:"nbd,omitempty"`
}

func (c *Config) IsValid() error {
	err := c.Archive.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'archive' field:\n%w", err)
	}

	err = c.Dns.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'dns' field:\n%w", err)
	}

	err = c.Nbd.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'nbd' field:\n%w", err)
	}

	return nil
}
