// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimageapi

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

const (
	FallbackNameserver = "1.1.1.1"
)

// DnsConfig controls the resolv.conf that the guest uses while it is being customized.
//
// By default the host's resolv.conf is used. When useHostResolvConf is false, the listed nameservers are used, or
// FallbackNameserver when none are listed.
type DnsConfig struct {
	Nameservers       []string `yaml:"nameservers" json:"nameservers,omitempty"`
	UseHostResolvConf *bool    `yaml:"useHostResolvConf" json:"useHostResolvConf,omitempty"`
}

func (d *DnsConfig) IsValid() error {
	for _, nameserver := range d.Nameservers {
		if !govalidator.IsIP(nameserver) {
			return fmt.Errorf("invalid 'nameservers' value (%s): must be an IP address", nameserver)
		}
	}

	if len(d.Nameservers) > 0 && d.UseHostResolvConf != nil && *d.UseHostResolvConf {
		return fmt.Errorf("'nameservers' cannot be specified when 'useHostResolvConf' is true")
	}

	return nil
}

func (d *DnsConfig) UsesHostResolvConf() bool {
	if d.UseHostResolvConf != nil {
		return *d.UseHostResolvConf
	}
	return len(d.Nameservers) == 0
}

func (d *DnsConfig) NameserversOrDefault() []string {
	if len(d.Nameservers) == 0 {
		return []string{FallbackNameserver}
	}
	return d.Nameservers
}
