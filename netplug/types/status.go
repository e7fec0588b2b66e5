// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"net"
)

// StatusBlock reports what was configured for one network.
type StatusBlock struct {
	Interfaces       []NetInterface `json:"interfaces"`
	DNSServerIPs     []net.IP       `json:"dns_server_ips"`
	DNSSearchDomains []string       `json:"dns_search_domains"`
}

// NetInterface is an interface created inside the container namespace.
type NetInterface struct {
	Name       string       `json:"name"`
	MacAddress string       `json:"mac_address"`
	Subnets    []NetAddress `json:"subnets"`
}

// NetAddress is an address assigned to an interface, in CIDR form.
type NetAddress struct {
	IPNet   string `json:"ipnet"`
	Gateway net.IP `json:"gateway,omitempty"`
}

// NewStatusBlock returns an empty status with non nil lists, so that it
// encodes as arrays rather than null.
func NewStatusBlock() *StatusBlock {
	return &StatusBlock{
		Interfaces:       []NetInterface{},
		DNSServerIPs:     []net.IP{},
		DNSSearchDomains: []string{},
	}
}

// AssignedIPs returns the addresses assigned to the interfaces.
func (s *StatusBlock) AssignedIPs() []net.IP {
	var ips []net.IP
	for _, iface := range s.Interfaces {
		for _, sub := range iface.Subnets {
			addr, _, err := net.ParseCIDR(sub.IPNet)
			if err != nil {
				continue
			}
			ips = append(ips, addr)
		}
	}
	return ips
}
