// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package bridge creates the host bridge of a network and attaches a
// container namespace to it through a veth pair.
package bridge

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/kata-containers/netplug/netplug/pkg/hash"
	"github.com/kata-containers/netplug/netplug/types"
)

const loopbackName = "lo"

// Provisioner creates and removes the devices of a network. The handle
// constructors are replaced in tests.
type Provisioner struct {
	OpenHost      func() (LinkHandle, error)
	OpenNamespace func(nsPath string) (LinkHandle, int, error)
}

// NewProvisioner returns a provisioner working on the real device tables.
func NewProvisioner() *Provisioner {
	return &Provisioner{
		OpenHost:      openHostHandle,
		OpenNamespace: openNamespaceHandle,
	}
}

// Provision makes sure the bridge of the network exists, connects the
// namespace at nsPath to it and configures the container interface.
func (p *Provisioner) Provision(nsPath, containerID, network string, def types.NetworkDefinition,
	opts types.PerNetworkOptions, token string) (*types.StatusBlock, error) {
	bridgeName := def.BridgeName()
	ifName := opts.InterfaceNameOrDefault()
	vethName := hash.VethName(containerID, network)

	logger := bridgeLog.WithFields(logrus.Fields{
		"network":   network,
		"token":     token,
		"bridge":    bridgeName,
		"interface": ifName,
	})

	nets, err := def.IPNetworks()
	if err != nil {
		return nil, types.NewError(types.AddressingFailure, network, err)
	}

	brOpts, err := def.BridgeOptions()
	if err != nil {
		return nil, types.NewError(types.ConfigLoadFailure, network, err)
	}

	var mac net.HardwareAddr
	if opts.StaticMac != "" {
		if mac, err = net.ParseMAC(opts.StaticMac); err != nil {
			return nil, types.Errorf(types.DeviceCreationFailure, network, "invalid mac address %q: %s", opts.StaticMac, err)
		}
	}

	host, err := p.OpenHost()
	if err != nil {
		return nil, types.NewError(types.DeviceCreationFailure, network, err)
	}
	defer host.Delete()

	br, err := ensureBridge(host, bridgeName, nets, brOpts.MTU, logger)
	if err != nil {
		return nil, types.NewError(types.DeviceCreationFailure, network, err)
	}

	used, err := usedAddresses(host, br)
	if err != nil {
		return nil, types.NewError(types.AddressingFailure, network, err)
	}

	addrs, err := selectAddresses(nets, opts.StaticIPs, used)
	if err != nil {
		return nil, types.NewError(types.AddressingFailure, network, err)
	}

	nsHandle, nsFd, err := p.OpenNamespace(nsPath)
	if err != nil {
		return nil, types.NewError(types.NamespaceMoveFailure, network, err)
	}
	defer nsHandle.Delete()

	if err := createVeth(host, br, vethName, ifName, nsFd, brOpts.MTU, mac); err != nil {
		return nil, types.NewError(types.DeviceCreationFailure, network, err)
	}

	status, err := configureContainerLink(nsHandle, ifName, addrs, nets, def.Internal)
	if err != nil {
		return nil, types.NewError(types.DeviceCreationFailure, network, err)
	}

	logger.WithField("addresses", addrs).Info("network provisioned")

	return status, nil
}

func ensureBridge(host LinkHandle, name string, nets []types.IPNetwork, mtu int, logger *logrus.Entry) (netlink.Link, error) {
	link, err := getLinkByName(host, name)
	if err != nil {
		return nil, err
	}

	if link != nil {
		if _, ok := link.(*netlink.Bridge); !ok {
			return nil, fmt.Errorf("Device %s exists and is a %s, not a bridge", name, link.Type())
		}
		logger.Debug("reusing existing bridge")
		return link, nil
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	if mtu > 0 {
		attrs.MTU = mtu
	}

	if err := host.LinkAdd(&netlink.Bridge{LinkAttrs: attrs}); err != nil {
		return nil, fmt.Errorf("LinkAdd() failed for bridge name %s: %s", name, err)
	}

	link, err = host.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("LinkByName() failed for bridge name %s: %s", name, err)
	}

	for _, n := range nets {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: n.Gateway, Mask: n.Net.Mask}}
		if err := host.AddrAdd(link, addr); err != nil {
			return nil, fmt.Errorf("Could not add gateway %s to %s: %s", addr.IPNet, name, err)
		}
	}

	if err := host.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("Could not bring up bridge %s: %s", name, err)
	}

	logger.Info("bridge created")

	return link, nil
}

func createVeth(host LinkHandle, br netlink.Link, hostName, peerName string, nsFd, mtu int, mac net.HardwareAddr) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = hostName
	if mtu > 0 {
		attrs.MTU = mtu
	}

	veth := &netlink.Veth{
		LinkAttrs:        attrs,
		PeerName:         peerName,
		PeerHardwareAddr: mac,
		PeerNamespace:    netlink.NsFd(nsFd),
	}

	if err := host.LinkAdd(veth); err != nil {
		return types.Errorf(types.DeviceCreationFailure, "", "LinkAdd() failed for veth name %s: %s", hostName, err)
	}

	link, err := host.LinkByName(hostName)
	if err != nil {
		return types.Errorf(types.DeviceCreationFailure, "", "LinkByName() failed for veth name %s: %s", hostName, err)
	}

	if err := host.LinkSetMaster(link, br); err != nil {
		return types.Errorf(types.NamespaceMoveFailure, "", "Could not attach %s to %s: %s", hostName, br.Attrs().Name, err)
	}

	if err := host.LinkSetHairpin(link, true); err != nil {
		return types.Errorf(types.DeviceCreationFailure, "", "Could not enable hairpin on %s: %s", hostName, err)
	}

	if err := host.LinkSetUp(link); err != nil {
		return types.Errorf(types.DeviceCreationFailure, "", "Could not bring up %s: %s", hostName, err)
	}

	return nil
}

func configureContainerLink(handle LinkHandle, ifName string, addrs []*net.IPNet, nets []types.IPNetwork, internal bool) (*types.StatusBlock, error) {
	link, err := handle.LinkByName(ifName)
	if err != nil {
		return nil, types.Errorf(types.NamespaceMoveFailure, "", "Could not find %s in the container namespace: %s", ifName, err)
	}

	iface := types.NetInterface{
		Name:       ifName,
		MacAddress: link.Attrs().HardwareAddr.String(),
	}

	for i, a := range addrs {
		addr := &netlink.Addr{IPNet: a}
		if a.IP.To4() == nil {
			addr.Flags = unix.IFA_F_NODAD
		}
		if err := handle.AddrAdd(link, addr); err != nil {
			return nil, types.Errorf(types.AddressingFailure, "", "Could not add %s to %s: %s", a, ifName, err)
		}

		iface.Subnets = append(iface.Subnets, types.NetAddress{
			IPNet:   a.String(),
			Gateway: nets[i].Gateway,
		})
	}

	if err := handle.LinkSetUp(link); err != nil {
		return nil, types.Errorf(types.DeviceCreationFailure, "", "Could not bring up %s: %s", ifName, err)
	}

	lo, err := handle.LinkByName(loopbackName)
	if err == nil {
		err = handle.LinkSetUp(lo)
	}
	if err != nil {
		return nil, types.Errorf(types.DeviceCreationFailure, "", "Could not bring up loopback: %s", err)
	}

	if !internal {
		routed := make(map[int]bool)
		for _, n := range nets {
			bits := 8 * net.IPv6len
			if n.Gateway.To4() != nil {
				bits = 8 * net.IPv4len
			}
			// one default route per family
			if routed[bits] {
				continue
			}
			routed[bits] = true

			route := &netlink.Route{
				LinkIndex: link.Attrs().Index,
				Dst:       &net.IPNet{IP: net.IP(make([]byte, bits/8)), Mask: net.CIDRMask(0, bits)},
				Gw:        n.Gateway,
			}
			if err := handle.RouteAdd(route); err != nil {
				return nil, types.Errorf(types.AddressingFailure, "", "Could not add default route via %s: %s", n.Gateway, err)
			}
		}
	}

	status := types.NewStatusBlock()
	status.Interfaces = append(status.Interfaces, iface)

	return status, nil
}
