// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package bridge

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

var bridgeLog = logrus.WithField("source", "netplug/bridge")

// SetLogger sets the logger used by the provisioner.
func SetLogger(logger *logrus.Entry) {
	bridgeLog = logger.WithField("source", "netplug/bridge")
}

// LinkHandle is the part of *netlink.Handle the provisioner relies on.
type LinkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetMaster(link netlink.Link, master netlink.Link) error
	LinkSetHairpin(link netlink.Link, mode bool) error
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	NeighList(linkIndex, family int) ([]netlink.Neigh, error)
	RouteAdd(route *netlink.Route) error
	Delete()
}

// nsLinkHandle keeps the namespace open for as long as the handle lives,
// since veth peers are moved using its file descriptor.
type nsLinkHandle struct {
	*netlink.Handle
	ns netns.NsHandle
}

func (h *nsLinkHandle) Delete() {
	h.Handle.Delete()
	h.ns.Close()
}

func openHostHandle() (LinkHandle, error) {
	return netlink.NewHandle()
}

func openNamespaceHandle(nsPath string) (LinkHandle, int, error) {
	nsHandle, err := netns.GetFromPath(nsPath)
	if err != nil {
		return nil, -1, errors.Wrapf(err, "could not open namespace %s", nsPath)
	}

	handle, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		nsHandle.Close()
		return nil, -1, errors.Wrapf(err, "could not get netlink handle in %s", nsPath)
	}

	return &nsLinkHandle{Handle: handle, ns: nsHandle}, int(nsHandle), nil
}

func isLinkNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, unix.ENODEV)
}

// getLinkByName returns nil when the link does not exist.
func getLinkByName(handle LinkHandle, name string) (netlink.Link, error) {
	link, err := handle.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "LinkByName() failed for %s", name)
	}
	return link, nil
}
