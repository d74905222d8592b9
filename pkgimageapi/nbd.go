// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimageapi

import (
	"fmt"
)

const (
	// The nbd kernel module creates this many devices by default.
	DefaultNbdMaxDevices = 16

	maxNbdMaxDevices = 256
)

type NbdConfig struct {
	// Number of /dev/nbdN devices to load the kernel module with and to search for a free one.
	MaxDevices int `yaml:"maxDevices" json:"maxDevices,omitempty"`
}

func (n *NbdConfig) IsValid() error {
	if n.MaxDevices < 0 || n.MaxDevices > maxNbdMaxDevices {
		return fmt.Errorf("invalid 'maxDevices' value (%d): must be between 0 and %d", n.MaxDevices,
			maxNbdMaxDevices)
	}

	return nil
}

func (n *NbdConfig) MaxDevicesOrDefault() int {
	if n.MaxDevices == 0 {
		return DefaultNbdMaxDevices
	}
	return n.MaxDevices
}
