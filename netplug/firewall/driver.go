// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package firewall installs the NAT, isolation and published port rules of
// a network. Every rule carries the network token, which is how teardown
// finds it again from another process.
package firewall

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/netplug/netplug/types"
)

var fwLog = logrus.WithField("source", "netplug/firewall")

// SetLogger sets the logger used by the firewall backends.
func SetLogger(logger *logrus.Entry) {
	fwLog = logger.WithField("source", "netplug/firewall")
}

// Driver is a firewall backend.
//
// SetupNetwork must run before SetupPortForward for a given network.
// Both remove the rules tagged with the token before installing them
// again, so repeating a call leaves one copy of each rule. A failure
// leaves whatever was installed so far in place.
type Driver interface {
	// Name returns the backend name.
	Name() string

	// SetupNetwork installs the NAT and isolation rules of a network.
	SetupNetwork(def types.NetworkDefinition, token string) error

	// SetupPortForward installs the published ports of a container on
	// a network. opts.StaticIPs holds the container addresses.
	SetupPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
		network, token string, opts types.PerNetworkOptions) error

	// TeardownNetwork removes the rules of a network. The per network
	// chains are only removed when complete is set.
	TeardownNetwork(def types.NetworkDefinition, token string, complete bool) error

	// TeardownPortForward removes the published ports of a container.
	TeardownPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
		network, token string, opts types.PerNetworkOptions) error
}

const (
	// NameIptables selects the iptables backend.
	NameIptables = "iptables"

	// NameNftables selects the nftables backend.
	NameNftables = "nftables"

	// NameNone disables firewall management.
	NameNone = "none"

	commentPrefix = "kata-"
)

// networkComment tags the rules of a network.
func networkComment(token string) string {
	return commentPrefix + token
}

// portComment tags the published port rules of one container.
func portComment(token, containerID string) string {
	return networkComment(token) + "-" + shortID(containerID)
}

func shortID(containerID string) string {
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}

// portTarget is one published port resolved against a container address.
type portTarget struct {
	hostIP        net.IP
	hostPort      uint16
	containerIP   net.IP
	containerPort uint16
	protocol      string
}

// expandPorts pairs every published port with the container address of
// the same family, one entry per port of a range and per protocol.
func expandPorts(ports []types.PortMapping, containerIPs []net.IP) ([]portTarget, error) {
	var targets []portTarget

	for _, p := range ports {
		protocols, err := p.Protocols()
		if err != nil {
			return nil, err
		}

		var hostIP net.IP
		if p.HostIP != "" {
			if hostIP = net.ParseIP(p.HostIP); hostIP == nil {
				return nil, fmt.Errorf("invalid host ip %q", p.HostIP)
			}
		}

		for _, cip := range containerIPs {
			if hostIP != nil && isIPv4(hostIP) != isIPv4(cip) {
				continue
			}
			for i := uint16(0); i < p.PortRange(); i++ {
				for _, proto := range protocols {
					targets = append(targets, portTarget{
						hostIP:        hostIP,
						hostPort:      p.HostPort + i,
						containerIP:   cip,
						containerPort: p.ContainerPort + i,
						protocol:      proto,
					})
				}
			}
		}
	}

	return targets, nil
}

func isIPv4(addr net.IP) bool {
	return addr.To4() != nil
}

// noneDriver leaves the host firewall alone.
type noneDriver struct{}

func (noneDriver) Name() string {
	return NameNone
}

func (noneDriver) SetupNetwork(types.NetworkDefinition, string) error {
	return nil
}

func (noneDriver) SetupPortForward(types.NetworkDefinition, string, []types.PortMapping, string, string, types.PerNetworkOptions) error {
	return nil
}

func (noneDriver) TeardownNetwork(types.NetworkDefinition, string, bool) error {
	return nil
}

func (noneDriver) TeardownPortForward(types.NetworkDefinition, string, []types.PortMapping, string, string, types.PerNetworkOptions) error {
	return nil
}
