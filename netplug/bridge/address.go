// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package bridge

import (
	"fmt"
	"net"

	"github.com/containernetworking/plugins/pkg/ip"
	"github.com/vishvananda/netlink"

	"github.com/kata-containers/netplug/netplug/types"
)

// usedAddresses collects the addresses already taken on a bridge: its own
// addresses and every neighbour entry learned on it.
func usedAddresses(handle LinkHandle, br netlink.Link) (map[string]bool, error) {
	used := make(map[string]bool)

	addrs, err := handle.AddrList(br, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("Could not list addresses of %s: %s", br.Attrs().Name, err)
	}
	for _, a := range addrs {
		used[a.IP.String()] = true
	}

	neighs, err := handle.NeighList(br.Attrs().Index, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("Could not list neighbours of %s: %s", br.Attrs().Name, err)
	}
	for _, n := range neighs {
		if n.IP != nil {
			used[n.IP.String()] = true
		}
	}

	return used, nil
}

// selectAddresses returns one address per subnet. A static address is used
// as is when it belongs to the subnet; otherwise the lowest free host
// address is picked.
func selectAddresses(nets []types.IPNetwork, static []net.IP, used map[string]bool) ([]*net.IPNet, error) {
	claimed := make([]bool, len(static))
	var selected []*net.IPNet

	for _, n := range nets {
		var addr net.IP
		for i, s := range static {
			if claimed[i] || !n.Net.Contains(s) {
				continue
			}
			if err := checkStaticAddress(n, s, used); err != nil {
				return nil, err
			}
			claimed[i] = true
			addr = s
			break
		}

		if addr == nil {
			free, err := nextFreeAddress(n, used)
			if err != nil {
				return nil, err
			}
			addr = free
		}

		used[addr.String()] = true
		selected = append(selected, &net.IPNet{IP: normalize(addr), Mask: n.Net.Mask})
	}

	for i, s := range static {
		if !claimed[i] {
			return nil, fmt.Errorf("static address %s is not in any subnet of the network", s)
		}
	}

	return selected, nil
}

func checkStaticAddress(n types.IPNetwork, addr net.IP, used map[string]bool) error {
	switch {
	case addr.Equal(n.Gateway):
		return fmt.Errorf("static address %s is the gateway of %s", addr, n.Net)
	case addr.Equal(n.Net.IP):
		return fmt.Errorf("static address %s is the network address of %s", addr, n.Net)
	case addr.To4() != nil && addr.Equal(lastAddress(n.Net)):
		return fmt.Errorf("static address %s is the broadcast address of %s", addr, n.Net)
	case used[addr.String()]:
		return fmt.Errorf("static address %s is already in use", addr)
	}
	return nil
}

func nextFreeAddress(n types.IPNetwork, used map[string]bool) (net.IP, error) {
	last := lastAddress(n.Net)
	isV4 := n.Net.IP.To4() != nil

	for candidate := ip.NextIP(n.Net.IP); n.Net.Contains(candidate); candidate = ip.NextIP(candidate) {
		if isV4 && candidate.Equal(last) {
			break
		}
		if candidate.Equal(n.Gateway) || used[candidate.String()] {
			continue
		}
		return candidate, nil
	}

	return nil, fmt.Errorf("no free address left in %s", n.Net)
}

func lastAddress(n *net.IPNet) net.IP {
	base := normalize(n.IP)
	last := make(net.IP, len(base))
	mask := n.Mask
	if len(mask) != len(base) {
		mask = mask[len(mask)-len(base):]
	}
	for i := range base {
		last[i] = base[i] | ^mask[i]
	}
	return last
}

func normalize(addr net.IP) net.IP {
	if v4 := addr.To4(); v4 != nil {
		return v4
	}
	return addr
}
