// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package bridge

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/kata-containers/netplug/netplug/pkg/hash"
	"github.com/kata-containers/netplug/netplug/types"
)

// Teardown removes the container interface of a network and the bridge
// once no port is left on it. Devices that are already gone are skipped.
// It reports whether the bridge no longer exists.
func (p *Provisioner) Teardown(nsPath, containerID, network string, def types.NetworkDefinition,
	opts types.PerNetworkOptions) (bool, error) {
	bridgeName := def.BridgeName()
	ifName := opts.InterfaceNameOrDefault()

	logger := bridgeLog.WithFields(logrus.Fields{
		"network":   network,
		"bridge":    bridgeName,
		"interface": ifName,
	})

	nsHandle, _, err := p.OpenNamespace(nsPath)
	if err != nil {
		return false, types.NewError(types.NamespaceMoveFailure, network, err)
	}
	defer nsHandle.Delete()

	if err := deleteLink(nsHandle, ifName); err != nil {
		return false, types.NewError(types.DeviceCreationFailure, network, err)
	}

	host, err := p.OpenHost()
	if err != nil {
		return false, types.NewError(types.DeviceCreationFailure, network, err)
	}
	defer host.Delete()

	// Normally gone with its peer.
	if err := deleteLink(host, hash.VethName(containerID, network)); err != nil {
		return false, types.NewError(types.DeviceCreationFailure, network, err)
	}

	removed, err := removeBridgeIfUnused(host, bridgeName)
	if err != nil {
		return false, types.NewError(types.DeviceCreationFailure, network, err)
	}

	logger.WithField("bridge-removed", removed).Info("network torn down")

	return removed, nil
}

func deleteLink(handle LinkHandle, name string) error {
	link, err := getLinkByName(handle, name)
	if err != nil || link == nil {
		return err
	}

	if err := handle.LinkDel(link); err != nil && !isLinkNotFound(err) {
		return fmt.Errorf("LinkDel() failed for %s: %s", name, err)
	}
	return nil
}

func removeBridgeIfUnused(host LinkHandle, name string) (bool, error) {
	br, err := getLinkByName(host, name)
	if err != nil {
		return false, err
	}
	if br == nil {
		return true, nil
	}
	if _, ok := br.(*netlink.Bridge); !ok {
		return false, fmt.Errorf("Device %s is a %s, not a bridge", name, br.Type())
	}

	links, err := host.LinkList()
	if err != nil {
		return false, fmt.Errorf("Could not list links: %s", err)
	}

	for _, l := range links {
		if l.Attrs().MasterIndex == br.Attrs().Index {
			return false, nil
		}
	}

	if err := host.LinkDel(br); err != nil && !isLinkNotFound(err) {
		return false, fmt.Errorf("LinkDel() failed for bridge %s: %s", name, err)
	}

	return true, nil
}
