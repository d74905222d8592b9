// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gjolly/proposed-package-testing/internal/logger"
	"github.com/miekg/dns"
)

const (
	dnsPort         = "53"
	dnsQueryTimeout = 3 * time.Second
)

var ErrHostNotResolved = errors.New("host did not resolve")

// NameserversFromResolvConf returns the nameserver addresses listed in a resolv.conf file.
func NameserversFromResolvConf(path string) ([]string, error) {
	config, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver config (%s):\n%w", path, err)
	}

	return config.Servers, nil
}

// CheckHostResolves asks each nameserver, in order, for the A and AAAA records of host and succeeds on the first
// answer.
func CheckHostResolves(ctx context.Context, host string, nameservers []string) error {
	if len(nameservers) == 0 {
		return fmt.Errorf("no nameservers to resolve (%s) with", host)
	}

	client := &dns.Client{
		Timeout: dnsQueryTimeout,
	}

	errs := []error(nil)
	for _, nameserver := range nameservers {
		address := nameserverAddress(nameserver)
		for _, queryType := range []uint16{dns.TypeA, dns.TypeAAAA} {
			err := queryHost(ctx, client, host, address, queryType)
			if err == nil {
				logger.Log.Debugf("Host (%s) resolved by (%s)", host, address)
				return nil
			}

			errs = append(errs, err)
		}
	}

	return fmt.Errorf("%w (%s):\n%w", ErrHostNotResolved, host, errors.Join(errs...))
}

func queryHost(ctx context.Context, client *dns.Client, host string, address string, queryType uint16) error {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), queryType)

	reply, _, err := client.ExchangeContext(ctx, msg, address)
	if err != nil {
		return fmt.Errorf("%s query to (%s) failed: %w", dns.TypeToString[queryType], address, err)
	}

	if reply.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("%s query to (%s) returned %s", dns.TypeToString[queryType], address,
			dns.RcodeToString[reply.Rcode])
	}

	for _, answer := range reply.Answer {
		switch answer.(type) {
		case *dns.A, *dns.AAAA:
			return nil
		}
	}

	return fmt.Errorf("%s query to (%s) returned no address", dns.TypeToString[queryType], address)
}

func nameserverAddress(nameserver string) string {
	_, _, err := net.SplitHostPort(nameserver)
	if err == nil {
		return nameserver
	}
	return net.JoinHostPort(nameserver, dnsPort)
}
